package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNetwork           = errors.New("network error")
	ErrDeobfuscation     = errors.New("deobfuscation failed")
	ErrCrypto            = errors.New("crypto error")
	ErrCaptchaFailed     = errors.New("captcha failed")
	ErrSolverUnavailable = errors.New("solver unavailable")
	ErrTimeout           = errors.New("timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrRoundLimit        = errors.New("round limit exceeded")

	errPanic = errors.New("unexpected error")
)

// CaptchaFailedError carries the service's own explanation when it has one.
type CaptchaFailedError struct {
	Message string
}

func (e *CaptchaFailedError) Error() string {
	if e.Message == "" {
		return ErrCaptchaFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCaptchaFailed, e.Message)
}

func (e *CaptchaFailedError) Is(target error) bool {
	return target == ErrCaptchaFailed
}

func captchaFailed(format string, args ...any) error {
	return &CaptchaFailedError{Message: fmt.Sprintf(format, args...)}
}

// ctxError translates a done context into ErrTimeout or ErrCancelled.
func ctxError(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
}

// Reason maps an error onto the short label reported by the task API.
func Reason(err error) string {
	var failed *CaptchaFailedError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoundLimit):
		return "too many rounds"
	case errors.As(err, &failed):
		if failed.Message != "" {
			return "captcha failed - " + failed.Message
		}
		return "captcha failed"
	case errors.Is(err, ErrCaptchaFailed):
		return "captcha failed"
	case errors.Is(err, ErrSolverUnavailable):
		return "challenge type not supported"
	case errors.Is(err, ErrDeobfuscation):
		return "failed to decode service script"
	case errors.Is(err, ErrCrypto):
		return "payload encryption failed"
	case errors.Is(err, ErrTimeout):
		return "timeout reached - proxy / network issue"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNetwork):
		return "bad proxy"
	case errors.Is(err, errPanic):
		return "unexpected error"
	default:
		return "internal error"
	}
}
