package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geekedapi/utils"
)

const testCaptchaID = "abc123"

func slideLoad(pt string) *utils.LoadResponse {
	return &utils.LoadResponse{
		LotNumber:       fixtureLot,
		CaptchaType:     "slide",
		Payload:         "payload-0",
		ProcessToken:    "token-0",
		PayloadProtocol: "1",
		PT:              utils.FlexString(pt),
		PowDetail:       utils.PowDetail{HashFunc: "sha256", Version: "1", Bits: 4, Datetime: "2025-02-06T14:06:49.870+08:00"},
		Slice:           "pictures/slice.png",
		Bg:              "pictures/bg.png",
	}
}

func success(lot, token string) func(VerifyRequest) (*utils.VerifyResponse, error) {
	return func(VerifyRequest) (*utils.VerifyResponse, error) {
		return &utils.VerifyResponse{Result: "success", SecCode: &utils.SecCode{
			CaptchaID: testCaptchaID, LotNumber: lot, PassToken: token, GenTime: "1738850809", CaptchaOutput: "out",
		}}, nil
	}
}

func continueWith(lot, payload, token string) func(VerifyRequest) (*utils.VerifyResponse, error) {
	return func(VerifyRequest) (*utils.VerifyResponse, error) {
		return &utils.VerifyResponse{Result: "continue", LotNumber: lot, Payload: payload, ProcessToken: token}, nil
	}
}

func fixedSlide() *Dispatch {
	d := NewDispatch()
	d.Register(RiskSlide, SolverFunc(func(ctx context.Context, ch *Challenge) (Answer, error) {
		return Answer{"setLeft": 42, "passtime": 600, "userresponse": 43.75}, nil
	}))
	return d
}

func newTestEngine(provider ConstantProvider, d *Dispatch, maxRounds int) *Engine {
	return NewEngine(provider, d, Policy{MaxRounds: maxRounds, PowWorkers: 2}, nil)
}

func runTask(t *testing.T, e *Engine, rt RiskType, tr *fakeTransport) (*GeekedTask, *GeekedResult, error) {
	t.Helper()
	task, err := e.NewTask(SessionOptions{CaptchaID: testCaptchaID, RiskType: rt}, tr)
	require.NoError(t, err)
	res, err := task.Solve(context.Background())
	return task, res, err
}

// decodeW opens a pt=1 w with the test key and returns the payload object.
func decodeW(t *testing.T, c *ProtocolConstants, w string) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(openW(t, w, testPrivateKey(t), c), &payload))
	return payload
}

func TestSolveEndToEnd(t *testing.T) {
	c := testConstants(t)
	provider := &staticProvider{queue: []*ProtocolConstants{c}}

	var payload map[string]any
	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies, func(r VerifyRequest) (*utils.VerifyResponse, error) {
		payload = decodeW(t, c, r.W)
		return success("L-1", "T-1")(r)
	})

	task, res, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	require.NoError(t, err)
	assert.Equal(t, &GeekedResult{
		CaptchaID: testCaptchaID, LotNumber: "L-1", PassToken: "T-1", GenTime: "1738850809", CaptchaOutput: "out",
	}, res)

	require.Len(t, tr.calls, 1)
	req := tr.calls[0].req
	assert.Equal(t, fixtureLot, req.LotNumber)
	assert.Equal(t, "payload-0", req.Payload)
	assert.Equal(t, "token-0", req.ProcessToken)
	assert.Equal(t, "1", req.PT)
	assert.Equal(t, "slide", req.RiskType)

	assert.Equal(t, fixtureLot, payload["lot_number"])
	assert.Equal(t, "opMx", payload["TYSC"])
	assert.EqualValues(t, 42, payload["setLeft"])
	assert.Equal(t, map[string]any{"474ced": map[string]any{"c5c270ce": "1b3be4"}}, payload["1b344c"])

	powMsg := payload["pow_msg"].(string)
	assert.True(t, strings.HasPrefix(powMsg, "1|4|sha256|2025-02-06T14:06:49.870+08:00|"+testCaptchaID+"|"+fixtureLot+"||"))
	assert.True(t, VerifyPow(payload["pow_sign"].(string), 4))

	st := task.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.Rounds)
	assert.Equal(t, ClassSuccess, st.Session.History[0].Classification)
	require.NotNil(t, st.Session.Outcome)
	assert.Equal(t, res, st.Session.Outcome.Result)
}

func TestSolvePlainPT(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{load: slideLoad("0")}
	tr.verifies = append(tr.verifies, func(r VerifyRequest) (*utils.VerifyResponse, error) {
		raw, err := url.QueryUnescape(r.W)
		require.NoError(t, err)
		var payload map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &payload))
		assert.Equal(t, fixtureLot, payload["lot_number"])
		return success("L-1", "T-1")(r)
	})

	_, _, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	require.NoError(t, err)
}

func TestSolveContinueThenSuccess(t *testing.T) {
	c := testConstants(t)
	provider := &staticProvider{queue: []*ProtocolConstants{c}}
	const nextLot = "0123456789abcdef0123456789abcdef"

	var second map[string]any
	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies,
		continueWith(nextLot, "payload-1", "token-1"),
		func(r VerifyRequest) (*utils.VerifyResponse, error) {
			second = decodeW(t, c, r.W)
			return success("L-2", "T-2")(r)
		},
	)

	task, res, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	require.NoError(t, err)
	assert.Equal(t, "T-2", res.PassToken)

	require.Len(t, tr.calls, 2)
	req := tr.calls[1].req
	assert.Equal(t, nextLot, req.LotNumber)
	assert.Equal(t, "payload-1", req.Payload)
	assert.Equal(t, "token-1", req.ProcessToken)

	assert.Equal(t, nextLot, second["lot_number"])
	assert.NotContains(t, second, "setLeft")
	assert.NotContains(t, second, "1b344c")
	assert.True(t, strings.Contains(second["pow_msg"].(string), "|"+nextLot+"||"))

	st := task.State()
	require.Len(t, st.Session.History, 2)
	first := st.Session.History[0]
	assert.Equal(t, ClassContinue, first.Classification)
	require.NotNil(t, first.Continuation)
	assert.Equal(t, nextLot, first.Continuation.LotNumber)
	assert.True(t, st.Session.History[1].Challenge.Continued)
	assert.NotEqual(t, first.Sealed.Signature, st.Session.History[1].Sealed.Signature)
	assert.Equal(t, 2, st.Session.Round)
}

func TestSessionRoundAdvancesOnContinue(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{load: slideLoad("1")}
	task, err := newTestEngine(provider, fixedSlide(), 0).NewTask(SessionOptions{CaptchaID: testCaptchaID, RiskType: RiskSlide}, tr)
	require.NoError(t, err)

	var seen []int
	observe := func(next func(VerifyRequest) (*utils.VerifyResponse, error)) func(VerifyRequest) (*utils.VerifyResponse, error) {
		return func(r VerifyRequest) (*utils.VerifyResponse, error) {
			seen = append(seen, task.State().Session.Round)
			return next(r)
		}
	}
	tr.verifies = append(tr.verifies,
		observe(continueWith("", "p1", "t1")),
		observe(continueWith("", "p2", "t2")),
		observe(success("L-3", "T-3")),
	)

	_, err = task.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, task.State().Session.Round)
}

func TestSolveFail(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies, func(VerifyRequest) (*utils.VerifyResponse, error) {
		return &utils.VerifyResponse{Result: "fail", FailCount: "1"}, nil
	})

	task, res, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCaptchaFailed)

	st := task.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "captcha failed - fail", st.ErrorReason)
	assert.Equal(t, ClassFail, st.Session.History[0].Classification)
	assert.Nil(t, st.Result)
}

func TestSolveIncompleteSecCodeFails(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies, func(VerifyRequest) (*utils.VerifyResponse, error) {
		return &utils.VerifyResponse{Result: "success", SecCode: &utils.SecCode{LotNumber: "L-1"}}, nil
	})

	_, res, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCaptchaFailed)
}

func TestSolveRoundLimit(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies, continueWith("", "p", "t"))

	task, _, err := runTask(t, newTestEngine(provider, fixedSlide(), 3), RiskSlide, tr)
	assert.ErrorIs(t, err, ErrRoundLimit)
	assert.Len(t, tr.calls, 3)
	assert.Equal(t, "too many rounds", task.State().ErrorReason)
	assert.Equal(t, 3, task.State().Session.Round)
}

func TestSolveRecoversFromCryptoError(t *testing.T) {
	good := testConstants(t)
	broken := *good
	broken.Mapping = "not a mapping"
	provider := &staticProvider{queue: []*ProtocolConstants{&broken, good}}

	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies, success("L-1", "T-1"))

	_, res, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	require.NoError(t, err)
	assert.Equal(t, "T-1", res.PassToken)
	assert.Equal(t, []string{fixtureVersion}, provider.invalidated)
}

func TestSolveCryptoErrorTwice(t *testing.T) {
	broken := *testConstants(t)
	broken.PublicKey.Modulus = "zz"
	provider := &staticProvider{queue: []*ProtocolConstants{&broken}}

	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies, success("L-1", "T-1"))

	task, _, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	assert.ErrorIs(t, err, ErrCrypto)
	assert.Empty(t, tr.calls)
	assert.Equal(t, "payload encryption failed", task.State().ErrorReason)
}

func TestSolveWithoutSolver(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{load: slideLoad("1")}

	task, _, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskIcon, tr)
	assert.ErrorIs(t, err, ErrSolverUnavailable)
	assert.Equal(t, "challenge type not supported", task.State().ErrorReason)
}

func TestSolveSolverError(t *testing.T) {
	d := NewDispatch()
	d.Register(RiskGobang, SolverFunc(func(ctx context.Context, ch *Challenge) (Answer, error) {
		return nil, captchaFailed("no winning move")
	}))
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}

	_, _, err := runTask(t, newTestEngine(provider, d, 0), RiskGobang, &fakeTransport{load: slideLoad("1")})
	assert.ErrorIs(t, err, ErrCaptchaFailed)
	assert.Contains(t, err.Error(), "gobang solver")
}

func TestSolveRecoversPanics(t *testing.T) {
	d := NewDispatch()
	d.Register(RiskSlide, SolverFunc(func(ctx context.Context, ch *Challenge) (Answer, error) {
		var board [][]int
		return Answer{"x": board[3][3]}, nil
	}))
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}

	task, res, err := runTask(t, newTestEngine(provider, d, 0), RiskSlide, &fakeTransport{load: slideLoad("1")})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errPanic)
	st := task.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, "unexpected error", st.ErrorReason)
}

func TestSolveLoadAndConstantErrors(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{loadErr: fmt.Errorf("%w: proxy refused", ErrNetwork)}
	task, _, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, "bad proxy", task.State().ErrorReason)

	provider = &staticProvider{err: fmt.Errorf("%w: marker missing", ErrDeobfuscation)}
	task, _, err = runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, &fakeTransport{load: slideLoad("1")})
	assert.ErrorIs(t, err, ErrDeobfuscation)
	assert.Equal(t, "failed to decode service script", task.State().ErrorReason)
}

func TestSolveVerifyRejected(t *testing.T) {
	provider := &staticProvider{queue: []*ProtocolConstants{testConstants(t)}}
	tr := &fakeTransport{load: slideLoad("1")}
	tr.verifies = append(tr.verifies, func(VerifyRequest) (*utils.VerifyResponse, error) {
		return nil, &CaptchaFailedError{Message: "param decrypt error"}
	})

	task, _, err := runTask(t, newTestEngine(provider, fixedSlide(), 0), RiskSlide, tr)
	var failed *CaptchaFailedError
	require.True(t, errors.As(err, &failed))
	st := task.State()
	assert.Equal(t, ClassFail, st.Session.History[0].Classification)
	assert.Equal(t, "captcha failed - param decrypt error", st.ErrorReason)
}

func TestNewTaskValidates(t *testing.T) {
	e := newTestEngine(&staticProvider{}, fixedSlide(), 0)
	_, err := e.NewTask(SessionOptions{RiskType: RiskSlide}, &fakeTransport{})
	assert.Error(t, err)

	_, err = e.NewTask(SessionOptions{CaptchaID: "x", RiskType: "puzzle"}, &fakeTransport{})
	assert.ErrorIs(t, err, ErrSolverUnavailable)

	task, err := e.NewTask(SessionOptions{CaptchaID: "x", RiskType: RiskSlide}, &fakeTransport{})
	require.NoError(t, err)
	st := task.State()
	assert.Equal(t, StatusProcessing, st.Status)
	assert.NotEmpty(t, st.ID)
	assert.NotEmpty(t, st.Session.Challenge)
}

func TestDispatchSupports(t *testing.T) {
	d := fixedSlide()
	assert.True(t, d.Supports(RiskSlide))
	assert.False(t, d.Supports(RiskAI))

	rt, err := ParseRiskType("gobang")
	require.NoError(t, err)
	assert.Equal(t, RiskGobang, rt)
}

func TestPowCeilingFollowsPolicyOverCachedConstants(t *testing.T) {
	dir := t.TempDir()
	src := fixtureSource()
	ctx := context.Background()

	c, err := newTestStore(t, dir, src).Current(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1<<20, c.Pow.MaxIterations)

	load := slideLoad("0")
	load.PowDetail.Bits = 12
	need := linearPow(PowBase(load.PowDetail, testCaptchaID, load.LotNumber), 12)
	require.Positive(t, need)

	// Restart with a lower configured ceiling. The cached entry is reused.
	reopened, err := NewStore(dir, NewExtractor(src, need, nil), time.Second, nil)
	require.NoError(t, err)
	cached, err := reopened.Current(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1<<20, cached.Pow.MaxIterations)

	engine := func(ceiling uint64) *Engine {
		return NewEngine(reopened, fixedSlide(), Policy{PowWorkers: 2, PowMaxIterations: ceiling}, nil)
	}

	tr := &fakeTransport{load: load}
	tr.verifies = append(tr.verifies, success("L-1", "T-1"))
	_, _, err = runTask(t, engine(need), RiskSlide, tr)
	assert.ErrorIs(t, err, ErrCaptchaFailed)
	assert.Empty(t, tr.calls)

	_, res, err := runTask(t, engine(need+1), RiskSlide, tr)
	require.NoError(t, err)
	assert.Equal(t, "T-1", res.PassToken)
	assert.EqualValues(t, 1, src.fetches.Load())
}
