package solvers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"geekedapi/core"
	"geekedapi/utils"
)

// Recognizer labels a single icon crop, e.g. "car_ru".
type Recognizer interface {
	Classify(ctx context.Context, imageB64, instruction string) (string, error)
}

type recognizerResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// RemoteRecognizer speaks the in.php / res.php protocol of self hosted
// image recognition services.
type RemoteRecognizer struct {
	URL          string
	Key          string
	PollInterval time.Duration
	MaxPolls     int

	HTTP   *http.Client
	Logger *zap.Logger
}

var errNotReady = errors.New("result not ready")

func (r *RemoteRecognizer) Classify(ctx context.Context, imageB64, instruction string) (string, error) {
	if r == nil || r.URL == "" {
		return "", fmt.Errorf("%w: no icon recognizer configured", core.ErrSolverUnavailable)
	}
	requestID, err := r.submit(ctx, imageB64, instruction)
	if err != nil {
		return "", fmt.Errorf("failed to submit image: %w", err)
	}

	label, err := r.poll(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch recognizer result: %w", err)
	}
	return label, nil
}

func (r *RemoteRecognizer) submit(ctx context.Context, imageB64, instruction string) (string, error) {
	payload := &bytes.Buffer{}
	writer := multipart.NewWriter(payload)

	fields := [][2]string{
		{"method", "base64"},
		{"body", imageB64},
		{"imginstructions", instruction},
		{"key", r.Key},
		{"json", "1"},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.URL, "/")+"/in.php", payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.do(req)
	if err != nil {
		return "", err
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("recognizer rejected image: %s", resp.Request)
	}
	return resp.Request, nil
}

func (r *RemoteRecognizer) poll(ctx context.Context, requestID string) (string, error) {
	interval := r.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	polls := r.MaxPolls
	if polls <= 0 {
		polls = 30
	}

	query := url.Values{"id": {requestID}, "json": {"1"}, "action": {"get"}, "key": {r.Key}}
	endpoint := strings.TrimRight(r.URL, "/") + "/res.php?" + query.Encode()

	for i := 0; i < polls; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		resp, err := r.do(req)
		if err != nil {
			return "", err
		}
		if resp.Status == 1 {
			return resp.Request, nil
		}
		if resp.Request != "CAPCHA_NOT_READY" && resp.Request != "" {
			return "", fmt.Errorf("recognizer error: %s", resp.Request)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
	return "", fmt.Errorf("%w after %d polls", errNotReady, polls)
}

func (r *RemoteRecognizer) do(req *http.Request) (recognizerResponse, error) {
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	var out recognizerResponse
	res, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("invalid response format: %s", string(body))
	}
	utils.OrNop(r.Logger).Debug("recognizer response", zap.Int("status", out.Status), zap.String("request", out.Request))
	return out, nil
}
