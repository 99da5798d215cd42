package utils

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FlexString accepts either a JSON string or a JSON number.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

// Int returns the numeric value, or 0 when the field is empty or not a number.
func (f FlexString) Int() int {
	n, err := strconv.Atoi(string(f))
	if err != nil {
		return 0
	}
	return n
}

// JSONP envelope
type GeetestResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Code   FlexString      `json:"code"`
	Msg    string          `json:"msg"`
}

// Load
type PowDetail struct {
	HashFunc string `json:"hashfunc"`
	Version  string `json:"version"`
	Bits     int    `json:"bits"`
	Datetime string `json:"datetime"`
}

type LoadResponse struct {
	LotNumber       string          `json:"lot_number"`
	CaptchaType     string          `json:"captcha_type"`
	StaticPath      string          `json:"static_path"`
	Payload         string          `json:"payload"`
	ProcessToken    string          `json:"process_token"`
	PayloadProtocol FlexString      `json:"payload_protocol"`
	PT              FlexString      `json:"pt"`
	PowDetail       PowDetail       `json:"pow_detail"`
	Slice           string          `json:"slice,omitempty"`
	Bg              string          `json:"bg,omitempty"`
	Imgs            string          `json:"imgs,omitempty"`
	Ques            json.RawMessage `json:"ques,omitempty"`
}

// Verify
type SecCode struct {
	CaptchaID     string `json:"captcha_id"`
	LotNumber     string `json:"lot_number"`
	PassToken     string `json:"pass_token"`
	GenTime       string `json:"gen_time"`
	CaptchaOutput string `json:"captcha_output"`
}

type VerifyResponse struct {
	SecCode         *SecCode   `json:"seccode"`
	Result          string     `json:"result"`
	Score           FlexString `json:"score"`
	FailCount       FlexString `json:"fail_count"`
	Payload         string     `json:"payload"`
	ProcessToken    string     `json:"process_token"`
	PayloadProtocol FlexString `json:"payload_protocol"`
	LotNumber       string     `json:"lot_number"`
}

// Complete reports whether every seccode field the caller needs is present.
func (s *SecCode) Complete() bool {
	return s != nil && s.LotNumber != "" && s.PassToken != "" && s.GenTime != "" && s.CaptchaOutput != ""
}
