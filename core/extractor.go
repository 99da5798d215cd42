package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"geekedapi/utils"
)

// Structural markers in the obfuscated script. Identifier names change
// between releases, these call-site shapes have not.
var (
	tablePattern    = regexp.MustCompile(`decodeURI\("([^"]+)"\)`)
	xorKeyPattern   = regexp.MustCompile(`\}\}\}\("([^"]+)"\)\}`)
	lookupPattern   = regexp.MustCompile(`(_.{4})\((\d+)\)`)
	aboPattern      = regexp.MustCompile(`\['_lib'\]=(\{[^}]+\}),`)
	mappingPattern  = regexp.MustCompile(`\['_abo'\]=(.+?)\}\(\)`)
	deviceIDPattern = regexp.MustCompile(`\['options'\]\['deviceId'\]='([^']*)'`)
	modulusPattern  = regexp.MustCompile(`'(00[0-9A-F]{256})'`)
)

const (
	scriptHashSeed    = 31
	defaultEvalBudget = 2 * time.Second
)

// Discovery is the result of the lightweight version probe.
type Discovery struct {
	Version    string
	StaticPath string
}

// ScriptSource is the part of the service client the extractor needs.
type ScriptSource interface {
	Discover(ctx context.Context) (string, error)
	FetchScript(ctx context.Context, staticPath string) (string, error)
}

type Extractor struct {
	source        ScriptSource
	maxIterations uint64
	evalBudget    time.Duration
	logger        *zap.Logger
}

func NewExtractor(source ScriptSource, maxIterations uint64, logger *zap.Logger) *Extractor {
	return &Extractor{
		source:        source,
		maxIterations: maxIterations,
		evalBudget:    defaultEvalBudget,
		logger:        utils.OrNop(logger),
	}
}

func (e *Extractor) Probe(ctx context.Context) (Discovery, error) {
	staticPath, err := e.source.Discover(ctx)
	if err != nil {
		return Discovery{}, err
	}
	version, err := VersionFromPath(staticPath)
	if err != nil {
		return Discovery{}, err
	}
	e.logger.Debug("version probe", zap.String("version", version), zap.String("static_path", staticPath))
	return Discovery{Version: version, StaticPath: staticPath}, nil
}

// FetchAndDecode returns known untouched when the live version still matches
// it, otherwise fetches and decodes the current script.
func (e *Extractor) FetchAndDecode(ctx context.Context, known *ProtocolConstants) (*ProtocolConstants, error) {
	d, err := e.Probe(ctx)
	if err != nil {
		return nil, err
	}
	if known != nil && known.Version == d.Version {
		return known, nil
	}
	return e.Extract(ctx, d)
}

// Extract fetches the script for d and decodes it. A structural failure gets
// one refetch in case the first body was truncated or served by a stale edge.
func (e *Extractor) Extract(ctx context.Context, d Discovery) (*ProtocolConstants, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		script, err := e.source.FetchScript(ctx, d.StaticPath)
		if err != nil {
			return nil, err
		}
		c, err := e.Decode(d, script)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrDeobfuscation) {
			return nil, err
		}
		lastErr = err
		e.logger.Warn("script decode failed", zap.String("version", d.Version), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, lastErr
}

// Decode turns one script body into a complete constant set. Only two
// captured literals are ever evaluated, the script itself is not run.
func (e *Extractor) Decode(d Discovery, script string) (*ProtocolConstants, error) {
	table, err := e.decodeTable(script)
	if err != nil {
		return nil, err
	}
	plain := replaceLookups(script, table)

	abo, err := e.extractAbo(plain)
	if err != nil {
		return nil, err
	}
	m := mappingPattern.FindStringSubmatch(plain)
	if m == nil {
		return nil, fmt.Errorf("%w: mapping marker not found", ErrDeobfuscation)
	}

	var deviceID string
	if dm := deviceIDPattern.FindStringSubmatch(plain); dm != nil {
		deviceID = dm[1]
	}

	key := PublicKeySpec{Modulus: DefaultModulus, Exponent: DefaultExponent, Source: KeySourceBuiltin}
	if km := modulusPattern.FindStringSubmatch(plain); km != nil {
		key.Modulus = km[1]
		key.Source = KeySourceScript
	}

	c := &ProtocolConstants{
		Version:    d.Version,
		StaticPath: d.StaticPath,
		ScriptHash: utils.X64Hash128(script, scriptHashSeed),
		Mapping:    m[1],
		Abo:        abo,
		DeviceID:   deviceID,
		PublicKey:  key,
		Cipher:     DefaultCipher,
		Pow:        DefaultPow(e.maxIterations),
		Wire:       DefaultWire,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Extractor) decodeTable(script string) ([]string, error) {
	tm := tablePattern.FindStringSubmatch(script)
	if tm == nil {
		return nil, fmt.Errorf("%w: string table marker not found", ErrDeobfuscation)
	}
	km := xorKeyPattern.FindStringSubmatch(script)
	if km == nil {
		return nil, fmt.Errorf("%w: xor key marker not found", ErrDeobfuscation)
	}

	v, err := e.eval(`decodeURI("` + tm[1] + `")`)
	if err != nil {
		return nil, fmt.Errorf("%w: string table: %v", ErrDeobfuscation, err)
	}
	encrypted, ok := v.Export().(string)
	if !ok {
		return nil, fmt.Errorf("%w: string table is not a string", ErrDeobfuscation)
	}

	key := []byte(km[1])
	var sb strings.Builder
	i := 0
	for _, r := range encrypted {
		sb.WriteByte(byte(r) ^ key[i%len(key)])
		i++
	}
	return strings.Split(sb.String(), "^"), nil
}

// replaceLookups inlines every _xxxx(i) call with the quoted table entry.
// Out of range indices are left alone.
func replaceLookups(script string, table []string) string {
	return lookupPattern.ReplaceAllStringFunc(script, func(call string) string {
		m := lookupPattern.FindStringSubmatch(call)
		idx, err := strconv.Atoi(m[2])
		if err != nil || idx >= len(table) {
			return call
		}
		return "'" + table[idx] + "'"
	})
}

func (e *Extractor) extractAbo(plain string) (map[string]string, error) {
	m := aboPattern.FindStringSubmatch(plain)
	if m == nil {
		return nil, fmt.Errorf("%w: abo marker not found", ErrDeobfuscation)
	}
	v, err := e.eval("(" + m[1] + ")")
	if err != nil {
		return nil, fmt.Errorf("%w: abo literal: %v", ErrDeobfuscation, err)
	}
	obj, ok := v.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: abo literal is not an object", ErrDeobfuscation)
	}

	abo := make(map[string]string, len(obj))
	for k, raw := range obj {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: abo value for %q is not a string", ErrDeobfuscation, k)
		}
		abo[k] = s
	}
	return abo, nil
}

// eval runs a single literal expression in a throwaway VM.
func (e *Extractor) eval(src string) (goja.Value, error) {
	vm := goja.New()
	timer := time.AfterFunc(e.evalBudget, func() {
		vm.Interrupt("literal evaluation timed out")
	})
	defer timer.Stop()
	return vm.RunString(src)
}
