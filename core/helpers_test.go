package core

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"geekedapi/utils"
)

const (
	fixtureKey        = "Xq7vLm2pRt"
	fixtureVersion    = "v1.9.3-26b399"
	fixtureStaticPath = "/v4/static/" + fixtureVersion
	fixtureLot        = "f4744c44df4541b3be48c5c270ced20b"
	fixtureMapping    = `{"(n[13:15]+n[3:5])+.+(n[1:3]+n[26:28])+.+(n[20:27])":'n[13:18]'}`
)

var fixtureTable = []string{"_lib", "_abo", "options", "deviceId", "unused"}

// encodeTable XORs the table with key and percent-encodes whatever cannot
// sit raw inside a double quoted literal.
func encodeTable(table []string, key string) string {
	plain := strings.Join(table, "^")
	var sb strings.Builder
	for i := 0; i < len(plain); i++ {
		b := plain[i] ^ key[i%len(key)]
		if b >= 0x20 && b < 0x7f && b != '"' && b != '\\' && b != '%' {
			sb.WriteByte(b)
		} else {
			fmt.Fprintf(&sb, "%%%02X", b)
		}
	}
	return sb.String()
}

type fixtureOpts struct {
	deviceID string
	modulus  string
	drop     string
}

func fixtureScript(o fixtureOpts) string {
	parts := map[string]string{
		"table":   `var t=decodeURI("` + encodeTable(fixtureTable, fixtureKey) + `");`,
		"lib":     `t[_x0aB(0)]={'TYSC':'opMx','dKQe':'Vg1w'},`,
		"abo":     `t[_x0aB(1)]=function(){return ` + fixtureMapping + `}(),`,
		"device":  `t[_x0aB(2)][_x0aB(3)]='` + o.deviceID + `';`,
		"modulus": "",
		"key":     `return{}}}}("` + fixtureKey + `")}`,
	}
	if o.modulus != "" {
		parts["modulus"] = `var pk='` + o.modulus + `';`
	}
	if o.drop != "" {
		parts[o.drop] = ""
	}
	return `!function(){var _x0aB=function(i){return t[i]};` +
		parts["table"] + parts["lib"] + parts["abo"] + parts["device"] + parts["modulus"] + `t[_x0aB(99)];` + parts["key"]
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func testModulus(t *testing.T) string {
	return fmt.Sprintf("00%X", testPrivateKey(t).N)
}

func testConstants(t *testing.T) *ProtocolConstants {
	t.Helper()
	key := testPrivateKey(t)
	c := &ProtocolConstants{
		Version:    fixtureVersion,
		StaticPath: fixtureStaticPath,
		ScriptHash: "deadbeef",
		Mapping:    fixtureMapping,
		Abo:        map[string]string{"TYSC": "opMx"},
		DeviceID:   "",
		PublicKey:  PublicKeySpec{Modulus: testModulus(t), Exponent: key.E, Source: KeySourceScript},
		Cipher:     DefaultCipher,
		Pow:        DefaultPow(1 << 20),
		Wire:       DefaultWire,
	}
	require.NoError(t, c.Validate())
	return c
}

// linearPow is the single threaded reference search.
func linearPow(base string, bits int) uint64 {
	for n := uint64(0); ; n++ {
		sum := sha256.Sum256([]byte(base + FormatNonce(n)))
		if leadingZeroBits(sum[:], bits) {
			return n
		}
	}
}

type fakeSource struct {
	mu         sync.Mutex
	staticPath string
	scripts    []string
	probeErr   error

	probes   atomic.Int32
	fetches  atomic.Int32
	extracts atomic.Int32
	gate     chan struct{}
}

func (f *fakeSource) Discover(ctx context.Context) (string, error) {
	f.probes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return "", f.probeErr
	}
	return f.staticPath, nil
}

func (f *fakeSource) FetchScript(ctx context.Context, staticPath string) (string, error) {
	n := int(f.fetches.Add(1)) - 1
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.scripts) {
		n = len(f.scripts) - 1
	}
	return f.scripts[n], nil
}

func (f *fakeSource) setProbe(staticPath string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staticPath, f.probeErr = staticPath, err
}

// staticProvider serves fixed constants and counts invalidations.
type staticProvider struct {
	mu          sync.Mutex
	queue       []*ProtocolConstants
	invalidated []string
	err         error
}

func (p *staticProvider) Current(ctx context.Context) (*ProtocolConstants, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	c := p.queue[0]
	if len(p.queue) > 1 {
		p.queue = p.queue[1:]
	}
	return c, nil
}

func (p *staticProvider) Invalidate(version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, version)
	return nil
}

type verifyCall struct {
	wire WireSpec
	req  VerifyRequest
}

// fakeTransport plays the service side of a session.
type fakeTransport struct {
	mu       sync.Mutex
	load     *utils.LoadResponse
	loadErr  error
	verifies []func(VerifyRequest) (*utils.VerifyResponse, error)
	calls    []verifyCall
	assets   map[string][]byte
}

func (f *fakeTransport) Load(ctx context.Context, wire WireSpec, r LoadRequest) (*utils.LoadResponse, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.load, nil
}

func (f *fakeTransport) Verify(ctx context.Context, wire WireSpec, r VerifyRequest) (*utils.VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.calls)
	f.calls = append(f.calls, verifyCall{wire: wire, req: r})
	if i >= len(f.verifies) {
		i = len(f.verifies) - 1
	}
	return f.verifies[i](r)
}

func (f *fakeTransport) FetchAsset(ctx context.Context, path string) ([]byte, error) {
	b, ok := f.assets[path]
	if !ok {
		return nil, fmt.Errorf("%w: no asset %s", ErrNetwork, path)
	}
	return b, nil
}
