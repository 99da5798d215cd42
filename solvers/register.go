package solvers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"geekedapi/core"
)

type Options struct {
	RecognizerURL string
	RecognizerKey string
	PollInterval  time.Duration
	MaxPolls      int
	Logger        *zap.Logger
}

// Register wires every available solver into d. Icon is only registered when
// a recognizer is configured, so dispatching it otherwise reports
// ErrSolverUnavailable.
func Register(d *core.Dispatch, opts Options) {
	d.Register(core.RiskSlide, Slide{})
	d.Register(core.RiskGobang, Gobang{})
	d.Register(core.RiskAI, AI{})

	if opts.RecognizerURL != "" {
		d.Register(core.RiskIcon, Icon{
			Recognizer: &RemoteRecognizer{
				URL:          opts.RecognizerURL,
				Key:          opts.RecognizerKey,
				PollInterval: opts.PollInterval,
				MaxPolls:     opts.MaxPolls,
				HTTP:         &http.Client{Timeout: 30 * time.Second},
				Logger:       opts.Logger,
			},
			Logger: opts.Logger,
		})
	}
}
