package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"geekedapi/utils"
)

type RiskType string

const (
	RiskSlide  RiskType = "slide"
	RiskGobang RiskType = "gobang"
	RiskIcon   RiskType = "icon"
	RiskAI     RiskType = "ai"
)

var RiskTypes = []RiskType{RiskSlide, RiskGobang, RiskIcon, RiskAI}

func ParseRiskType(s string) (RiskType, error) {
	for _, t := range RiskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown challenge type %q", ErrSolverUnavailable, s)
}

// AssetFetcher downloads challenge images relative to the asset host.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, path string) ([]byte, error)
}

// Challenge is what a solver sees of one round. It carries no key material.
type Challenge struct {
	CaptchaID       string          `json:"captcha_id"`
	RiskType        RiskType        `json:"risk_type"`
	LotNumber       string          `json:"lot_number"`
	Payload         string          `json:"payload,omitempty"`
	ProcessToken    string          `json:"process_token,omitempty"`
	PayloadProtocol string          `json:"payload_protocol,omitempty"`
	PT              string          `json:"pt"`
	PowDetail       utils.PowDetail `json:"pow_detail"`
	Slice           string          `json:"slice,omitempty"`
	Bg              string          `json:"bg,omitempty"`
	Imgs            string          `json:"imgs,omitempty"`
	Ques            json.RawMessage `json:"ques,omitempty"`

	// Continued is set for rounds opened by a continue response. Those carry
	// no puzzle and are submitted without a solver answer.
	Continued bool `json:"continued,omitempty"`

	Assets AssetFetcher `json:"-"`
}

func challengeFromLoad(captchaID string, rt RiskType, load *utils.LoadResponse, assets AssetFetcher) *Challenge {
	return &Challenge{
		CaptchaID:       captchaID,
		RiskType:        rt,
		LotNumber:       load.LotNumber,
		Payload:         load.Payload,
		ProcessToken:    load.ProcessToken,
		PayloadProtocol: load.PayloadProtocol.String(),
		PT:              load.PT.String(),
		PowDetail:       load.PowDetail,
		Slice:           load.Slice,
		Bg:              load.Bg,
		Imgs:            load.Imgs,
		Ques:            load.Ques,
		Assets:          assets,
	}
}

// Answer is the solver's type specific contribution to the payload. The core
// merges it in without looking at it.
type Answer map[string]any

type Solver interface {
	Solve(ctx context.Context, ch *Challenge) (Answer, error)
}

type SolverFunc func(ctx context.Context, ch *Challenge) (Answer, error)

func (f SolverFunc) Solve(ctx context.Context, ch *Challenge) (Answer, error) {
	return f(ctx, ch)
}

// Dispatch routes a challenge to the solver registered for its type.
type Dispatch struct {
	mu      sync.RWMutex
	solvers map[RiskType]Solver
}

func NewDispatch() *Dispatch {
	return &Dispatch{solvers: map[RiskType]Solver{}}
}

func (d *Dispatch) Register(rt RiskType, s Solver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.solvers[rt] = s
}

func (d *Dispatch) Supports(rt RiskType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.solvers[rt]
	return ok
}

func (d *Dispatch) Solve(ctx context.Context, ch *Challenge) (Answer, error) {
	d.mu.RLock()
	s, ok := d.solvers[ch.RiskType]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no solver registered for %q", ErrSolverUnavailable, ch.RiskType)
	}

	answer, err := s.Solve(ctx, ch)
	if err != nil {
		if cerr := ctxError(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%s solver: %w", ch.RiskType, err)
	}
	if answer == nil {
		answer = Answer{}
	}
	return answer, nil
}
