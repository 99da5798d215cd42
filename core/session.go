package core

import (
	"time"

	"geekedapi/utils"
)

type Classification string

const (
	ClassSuccess  Classification = "success"
	ClassContinue Classification = "continue"
	ClassFail     Classification = "fail"
)

// Continuation is what a continue response carries into the next round.
type Continuation struct {
	LotNumber       string `json:"lot_number"`
	Payload         string `json:"payload"`
	ProcessToken    string `json:"process_token"`
	PayloadProtocol string `json:"payload_protocol"`
}

type RoundRecord struct {
	Round          int            `json:"round"`
	Challenge      *Challenge     `json:"challenge"`
	Sealed         *SealedPayload `json:"sealed,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	Continuation   *Continuation  `json:"continuation,omitempty"`
	Message        string         `json:"message,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// GeekedResult is only ever built from a complete seccode.
type GeekedResult struct {
	CaptchaID     string `json:"captcha_id"`
	LotNumber     string `json:"lot_number"`
	PassToken     string `json:"pass_token"`
	GenTime       string `json:"gen_time"`
	CaptchaOutput string `json:"captcha_output"`
}

func resultFromSecCode(captchaID string, sc *utils.SecCode) (*GeekedResult, bool) {
	if !sc.Complete() {
		return nil, false
	}
	id := sc.CaptchaID
	if id == "" {
		id = captchaID
	}
	return &GeekedResult{
		CaptchaID:     id,
		LotNumber:     sc.LotNumber,
		PassToken:     sc.PassToken,
		GenTime:       sc.GenTime,
		CaptchaOutput: sc.CaptchaOutput,
	}, true
}

type Outcome struct {
	Classification Classification `json:"classification"`
	Result         *GeekedResult  `json:"result,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// Session is owned by exactly one task.
type Session struct {
	ID        string        `json:"id"`
	CaptchaID string        `json:"captcha_id"`
	RiskType  RiskType      `json:"risk_type"`
	UserInfo  string        `json:"user_info,omitempty"`
	Proxy     string        `json:"-"`
	LocalAddr string        `json:"local_address,omitempty"`
	Challenge string        `json:"challenge"`
	Round     int           `json:"round"`
	History   []RoundRecord `json:"history"`
	Outcome   *Outcome      `json:"outcome,omitempty"`
}

type SessionOptions struct {
	CaptchaID string
	RiskType  RiskType
	UserInfo  string
	Proxy     string
	LocalAddr string
}

func NewSession(opts SessionOptions) *Session {
	return &Session{
		ID:        utils.NewTaskID(),
		CaptchaID: opts.CaptchaID,
		RiskType:  opts.RiskType,
		UserInfo:  opts.UserInfo,
		Proxy:     opts.Proxy,
		LocalAddr: opts.LocalAddr,
		Challenge: utils.NewChallenge(),
		Round:     1,
	}
}
