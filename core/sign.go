package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"geekedapi/utils"
)

var (
	mappingPair      = regexp.MustCompile(`"([^"]+)":"([^"]+)"`)
	mappingPairMixed = regexp.MustCompile(`"([^"]+)":'([^']+)'`)
	lotSlicePattern  = regexp.MustCompile(`\[(\d+):(\d+)\]`)
)

type lotSlice struct {
	start, end int // end inclusive
}

// LotParser turns a mapping such as
//
//	{"(n[13:15]+n[3:5])+.+(n[1:3]+n[26:28])+.+(n[20:27])":"n[13:18]"}
//
// into a nested object keyed by slices of the lot number.
type LotParser struct {
	key   [][]lotSlice
	value [][]lotSlice
}

func NewLotParser(mapping string) (*LotParser, error) {
	m := mappingPair.FindStringSubmatch(mapping)
	if m == nil {
		m = mappingPairMixed.FindStringSubmatch(mapping)
	}
	if m == nil {
		return nil, fmt.Errorf("invalid mapping format: %.120s", mapping)
	}

	key := parseLotPattern(m[1])
	value := parseLotPattern(m[2])
	if len(key) == 0 || len(value) == 0 {
		return nil, fmt.Errorf("mapping has no lot slices: %.120s", mapping)
	}
	return &LotParser{key: key, value: value}, nil
}

func parseLotPattern(pattern string) [][]lotSlice {
	var groups [][]lotSlice
	for _, part := range strings.Split(pattern, "+.+") {
		var group []lotSlice
		for _, sub := range strings.Split(part, "+") {
			m := lotSlicePattern.FindStringSubmatch(sub)
			if m == nil {
				continue
			}
			start, _ := strconv.Atoi(m[1])
			end, _ := strconv.Atoi(m[2])
			group = append(group, lotSlice{start: start, end: end})
		}
		if len(group) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

func buildLotString(groups [][]lotSlice, lotNumber string) string {
	chars := []rune(lotNumber)
	parts := make([]string, 0, len(groups))
	for _, group := range groups {
		var sb strings.Builder
		for _, s := range group {
			end := min(s.end+1, len(chars))
			if s.start < end {
				sb.WriteString(string(chars[s.start:end]))
			}
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, ".")
}

func (p *LotParser) Dict(lotNumber string) map[string]any {
	keyPath := strings.Split(buildLotString(p.key, lotNumber), ".")
	value := buildLotString(p.value, lotNumber)

	root := map[string]any{}
	current := root
	for i, k := range keyPath {
		if i == len(keyPath)-1 {
			current[k] = value
			break
		}
		next, ok := current[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[k] = next
		}
		current = next
	}
	return root
}

// RoundState is what a signature binds to: the session's captcha and the
// current round's lot and pow parameters.
type RoundState struct {
	CaptchaID string
	LotNumber string
	PT        string
	Pow       utils.PowDetail
}

type Signature struct {
	PowBase string
	Lot     map[string]any
}

// String is the canonical form recorded in the round history.
func (s Signature) String() string {
	lot, _ := json.Marshal(s.Lot)
	return s.PowBase + string(lot)
}

// BuildSignature derives the per-round binding. It has to be rebuilt for
// every round because both the lot number and the pow datetime change.
func BuildSignature(st RoundState, c *ProtocolConstants) (Signature, error) {
	parser, err := NewLotParser(c.Mapping)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if st.LotNumber == "" {
		return Signature{}, fmt.Errorf("%w: empty lot number", ErrCrypto)
	}
	return Signature{
		PowBase: PowBase(st.Pow, st.CaptchaID, st.LotNumber),
		Lot:     parser.Dict(st.LotNumber),
	}, nil
}

// Environment blocks reported with every payload.
var (
	defaultEM = map[string]any{
		"cp": 0, "ek": "11", "nt": 0, "ph": 0, "sc": 0, "si": 0, "wd": 1,
	}
	defaultGeeGuard = map[string]any{
		"roe": map[string]any{
			"auh": "3", "aup": "3", "cdc": "3", "egp": "3",
			"res": "3", "rew": "3", "sep": "3", "snh": "3",
		},
	}
)

// BuildPayload assembles the plaintext w payload. Later layers win: base
// fields, then abo, then the lot object, then the solver's answer. The web
// client reports an empty device_id; the extracted id is kept for reference.
func BuildPayload(c *ProtocolConstants, st RoundState, sig Signature, pow PowResult, answer Answer) ([]byte, error) {
	payload := map[string]any{
		"geetest":    "captcha",
		"lang":       "zh",
		"ep":         "123",
		"biht":       "1426265548",
		"device_id":  "",
		"lot_number": st.LotNumber,
		"pow_msg":    pow.Msg,
		"pow_sign":   pow.Sign,
		"em":         defaultEM,
		"gee_guard":  defaultGeeGuard,
	}
	for k, v := range c.Abo {
		payload[k] = v
	}
	for k, v := range sig.Lot {
		payload[k] = v
	}
	for k, v := range answer {
		payload[k] = v
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encode: %v", ErrCrypto, err)
	}
	return raw, nil
}
