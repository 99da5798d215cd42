package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"geekedapi/utils"
)

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"

	DefaultMaxRounds = 10
)

// ConstantProvider is the part of Store the orchestrator depends on.
type ConstantProvider interface {
	Current(ctx context.Context) (*ProtocolConstants, error)
	Invalidate(version string) error
}

// Transport is the per-session view of the service. *Client implements it.
type Transport interface {
	AssetFetcher
	Load(ctx context.Context, wire WireSpec, r LoadRequest) (*utils.LoadResponse, error)
	Verify(ctx context.Context, wire WireSpec, r VerifyRequest) (*utils.VerifyResponse, error)
}

// Policy is the operator's side of a solve. A non-zero PowMaxIterations
// overrides the ceiling stored with cached constants.
type Policy struct {
	MaxRounds        int
	PowWorkers       int
	PowMaxIterations uint64
}

// Engine holds what every task shares.
type Engine struct {
	constants ConstantProvider
	dispatch  *Dispatch
	policy    Policy
	logger    *zap.Logger
}

func NewEngine(constants ConstantProvider, dispatch *Dispatch, policy Policy, logger *zap.Logger) *Engine {
	if policy.MaxRounds < 1 {
		policy.MaxRounds = DefaultMaxRounds
	}
	if policy.PowWorkers < 1 {
		policy.PowWorkers = min(runtime.NumCPU(), 8)
	}
	return &Engine{
		constants: constants,
		dispatch:  dispatch,
		policy:    policy,
		logger:    utils.OrNop(logger),
	}
}

func (e *Engine) Dispatch() *Dispatch { return e.dispatch }

func (e *Engine) powSpec(c *ProtocolConstants) PowSpec {
	spec := c.Pow
	if e.policy.PowMaxIterations > 0 {
		spec.MaxIterations = e.policy.PowMaxIterations
	}
	return spec
}

// GeekedTask drives one Session from load to a terminal classification.
type GeekedTask struct {
	ID string

	engine  *Engine
	client  Transport
	logger  *zap.Logger
	session *Session

	mu          sync.Mutex
	status      string
	errorReason string
	processTime float64
	result      *GeekedResult
}

// TaskState is a consistent copy of a task's progress for the HTTP API.
type TaskState struct {
	ID          string
	Status      string
	ErrorReason string
	ProcessTime float64
	Rounds      int
	Result      *GeekedResult
	Session     Session
}

func (e *Engine) NewTask(opts SessionOptions, client Transport) (*GeekedTask, error) {
	if opts.CaptchaID == "" {
		return nil, errors.New("captcha id is required")
	}
	if _, err := ParseRiskType(string(opts.RiskType)); err != nil {
		return nil, err
	}
	session := NewSession(opts)
	return &GeekedTask{
		ID:      session.ID,
		engine:  e,
		client:  client,
		logger:  e.logger.With(zap.String("task_id", session.ID), zap.String("captcha_id", opts.CaptchaID)),
		session: session,
		status:  StatusProcessing,
	}, nil
}

func (t *GeekedTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := *t.session
	s.History = append([]RoundRecord(nil), t.session.History...)
	return TaskState{
		ID:          t.ID,
		Status:      t.status,
		ErrorReason: t.errorReason,
		ProcessTime: t.processTime,
		Rounds:      len(t.session.History),
		Result:      t.result,
		Session:     s,
	}
}

// Solve blocks until the session reaches a terminal outcome or ctx is done.
func (t *GeekedTask) Solve(ctx context.Context) (result *GeekedResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			t.logger.Error("recovered from panic", zap.Any("panic", r), zap.ByteString("stack", buf[:n]))
			result, err = nil, fmt.Errorf("%w: %v", errPanic, r)
		}
		t.finish(result, err, time.Since(start))
	}()

	return t.run(ctx)
}

func (t *GeekedTask) run(ctx context.Context) (*GeekedResult, error) {
	e := t.engine
	s := t.session

	c, err := e.constants.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("constants: %w", err)
	}
	t.logger.Debug("constants ready", zap.String("version", c.Version))

	load, err := t.client.Load(ctx, c.Wire, LoadRequest{
		CaptchaID: s.CaptchaID,
		RiskType:  string(s.RiskType),
		Challenge: s.Challenge,
		UserInfo:  s.UserInfo,
	})
	if err != nil {
		return nil, err
	}
	ch := challengeFromLoad(s.CaptchaID, s.RiskType, load, t.client)
	t.logger.Debug("challenge requested", zap.String("lot_number", ch.LotNumber), zap.String("pt", ch.PT))

	answer, err := e.dispatch.Solve(ctx, ch)
	if err != nil {
		return nil, err
	}

	for round := 1; ; round++ {
		rec := RoundRecord{Round: round, Challenge: ch, StartedAt: time.Now()}

		sealed, cur, err := t.seal(ctx, c, ch, answer)
		c = cur
		if err != nil {
			rec.Message = err.Error()
			t.record(rec)
			return nil, err
		}
		rec.Sealed = sealed

		resp, err := t.client.Verify(ctx, c.Wire, VerifyRequest{
			CaptchaID:       s.CaptchaID,
			RiskType:        string(s.RiskType),
			LotNumber:       ch.LotNumber,
			Payload:         ch.Payload,
			ProcessToken:    ch.ProcessToken,
			PayloadProtocol: ch.PayloadProtocol,
			PT:              ch.PT,
			W:               sealed.W,
		})
		if err != nil {
			var failed *CaptchaFailedError
			if errors.As(err, &failed) {
				rec.Classification = ClassFail
			}
			rec.Message = err.Error()
			t.record(rec)
			return nil, err
		}

		switch {
		case resp.SecCode != nil:
			rec.Classification = ClassSuccess
			res, ok := resultFromSecCode(s.CaptchaID, resp.SecCode)
			if !ok {
				rec.Classification = ClassFail
				rec.Message = "incomplete seccode"
				t.record(rec)
				return nil, captchaFailed("service returned an incomplete seccode")
			}
			t.record(rec)
			return res, nil

		case resp.Result == "continue":
			next := continueFrom(ch, resp)
			rec.Classification = ClassContinue
			rec.Continuation = &Continuation{
				LotNumber:       next.LotNumber,
				Payload:         next.Payload,
				ProcessToken:    next.ProcessToken,
				PayloadProtocol: next.PayloadProtocol,
			}
			t.record(rec)
			if round >= e.policy.MaxRounds {
				return nil, fmt.Errorf("%w: still continuing after %d rounds", ErrRoundLimit, round)
			}
			t.logger.Debug("round continues", zap.Int("round", round), zap.String("lot_number", next.LotNumber))
			t.advance(round + 1)
			ch, answer = next, nil

		default:
			rec.Classification = ClassFail
			rec.Message = resp.Result
			t.record(rec)
			return nil, &CaptchaFailedError{Message: resp.Result}
		}
	}
}

// continueFrom builds the next round's challenge. The pow detail of the
// original load stays in force and there is no puzzle to solve.
func continueFrom(ch *Challenge, resp *utils.VerifyResponse) *Challenge {
	next := *ch
	next.Continued = true
	if resp.LotNumber != "" {
		next.LotNumber = resp.LotNumber
	}
	next.Payload = resp.Payload
	next.ProcessToken = resp.ProcessToken
	if p := resp.PayloadProtocol.String(); p != "" {
		next.PayloadProtocol = p
	}
	return &next
}

// seal produces the round's w. A crypto failure is treated as a sign of bad
// constants: the version is invalidated, re-extracted and sealing retried once.
func (t *GeekedTask) seal(ctx context.Context, c *ProtocolConstants, ch *Challenge, answer Answer) (*SealedPayload, *ProtocolConstants, error) {
	sealed, err := t.sealRound(ctx, c, ch, answer)
	if err == nil || !errors.Is(err, ErrCrypto) {
		return sealed, c, err
	}

	t.logger.Warn("sealing failed, re-extracting constants", zap.String("version", c.Version), zap.Error(err))
	if ierr := t.engine.constants.Invalidate(c.Version); ierr != nil {
		t.logger.Warn("failed to invalidate constants", zap.Error(ierr))
	}
	fresh, cerr := t.engine.constants.Current(ctx)
	if cerr != nil {
		return nil, c, fmt.Errorf("re-extraction after crypto error: %w", cerr)
	}
	sealed, err = t.sealRound(ctx, fresh, ch, answer)
	return sealed, fresh, err
}

func (t *GeekedTask) sealRound(ctx context.Context, c *ProtocolConstants, ch *Challenge, answer Answer) (*SealedPayload, error) {
	st := RoundState{
		CaptchaID: ch.CaptchaID,
		LotNumber: ch.LotNumber,
		PT:        ch.PT,
		Pow:       ch.PowDetail,
	}
	sig, err := BuildSignature(st, c)
	if err != nil {
		return nil, err
	}

	pow, err := SolvePow(ctx, sig.PowBase, ch.PowDetail, t.engine.powSpec(c), t.engine.policy.PowWorkers)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("proof of work solved", zap.Uint64("iterations", pow.Iterations), zap.Int("bits", ch.PowDetail.Bits))

	raw, err := BuildPayload(c, st, sig, pow, answer)
	if err != nil {
		return nil, err
	}
	sealed, err := SealW(raw, ch.PT, c)
	if err != nil {
		return nil, err
	}
	sealed.Pow = pow
	sealed.Signature = sig.String()
	return sealed, nil
}

func (t *GeekedTask) record(rec RoundRecord) {
	rec.FinishedAt = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.session.History = append(t.session.History, rec)
	t.session.Round = rec.Round
}

func (t *GeekedTask) advance(round int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session.Round = round
}

func (t *GeekedTask) finish(result *GeekedResult, err error, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.processTime = elapsed.Seconds()
	if err != nil {
		t.status = StatusError
		t.errorReason = Reason(err)
		t.session.Outcome = &Outcome{Classification: ClassFail, Reason: t.errorReason}
		t.logger.Debug("task failed", zap.Error(err))
		return
	}
	t.status = StatusCompleted
	t.result = result
	t.session.Outcome = &Outcome{Classification: ClassSuccess, Result: result}
}
