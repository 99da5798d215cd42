package core

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geekedapi/utils"
)

type reply struct {
	status int
	body   string
	err    error
}

// scriptedDoer answers requests in order; the last reply repeats. A body
// containing %CB% gets the request's callback name substituted.
type scriptedDoer struct {
	mu      sync.Mutex
	replies []reply
	reqs    []*fhttp.Request
}

func (d *scriptedDoer) Do(req *fhttp.Request) (*fhttp.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := min(len(d.reqs), len(d.replies)-1)
	d.reqs = append(d.reqs, req)
	r := d.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	body := strings.ReplaceAll(r.body, "%CB%", req.URL.Query().Get("callback"))
	return &fhttp.Response{StatusCode: r.status, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func jsonpReply(payload string) reply {
	return reply{status: http.StatusOK, body: "%CB%(" + payload + ")"}
}

func testClient(d *scriptedDoer) *Client {
	return NewClient(d, utils.LookupPlatform("chrome"), DefaultEndpoints, RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, nil)
}

func TestVersionFromPath(t *testing.T) {
	v, err := VersionFromPath("/v4/static/v1.9.3-26b399")
	require.NoError(t, err)
	assert.Equal(t, "v1.9.3-26b399", v)

	v, err = VersionFromPath("/geetest.gt.com/gcaptcha4/v1.8.1-3a5e6b/js/")
	require.NoError(t, err)
	assert.Equal(t, "v1.8.1-3a5e6b", v)

	_, err = VersionFromPath("/v4/static/")
	assert.ErrorIs(t, err, ErrDeobfuscation)
}

func TestDiscover(t *testing.T) {
	d := &scriptedDoer{replies: []reply{jsonpReply(`{"status":"success","data":{"static_path":"/v4/static/v1.9.3-26b399"}}`)}}
	path, err := testClient(d).Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/v4/static/v1.9.3-26b399", path)

	require.Len(t, d.reqs, 1)
	q := d.reqs[0].URL.Query()
	assert.Equal(t, DefaultEndpoints.DiscoveryCaptchaID, q.Get("captcha_id"))
	assert.Equal(t, "web", q.Get("client_type"))
	assert.NotEmpty(t, q.Get("challenge"))
	assert.Equal(t, "/load", d.reqs[0].URL.Path)
	assert.NotEmpty(t, d.reqs[0].Header["user-agent"])
}

func TestDiscoverWithoutStaticPath(t *testing.T) {
	d := &scriptedDoer{replies: []reply{jsonpReply(`{"status":"success","data":{}}`)}}
	_, err := testClient(d).Discover(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestGetRetriesServerErrors(t *testing.T) {
	d := &scriptedDoer{replies: []reply{
		{status: http.StatusBadGateway, body: "bad gateway"},
		{err: errors.New("connection reset by peer")},
		{status: http.StatusOK, body: "!function(){}"},
	}}
	script, err := testClient(d).FetchScript(context.Background(), "/v4/static/v1.9.3-26b399")
	require.NoError(t, err)
	assert.Equal(t, "!function(){}", script)
	require.Len(t, d.reqs, 3)
	assert.Equal(t, "https://static.geevisit.com/v4/static/v1.9.3-26b399/js/gcaptcha4.js", d.reqs[0].URL.String())
}

func TestGetGivesUpAfterAttempts(t *testing.T) {
	d := &scriptedDoer{replies: []reply{{status: http.StatusServiceUnavailable}}}
	_, err := testClient(d).FetchScript(context.Background(), "/x")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Len(t, d.reqs, 3)
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusProxyAuthRequired, http.StatusForbidden} {
		d := &scriptedDoer{replies: []reply{{status: status}}}
		_, err := testClient(d).FetchScript(context.Background(), "/x")
		assert.ErrorIs(t, err, ErrNetwork)
		assert.Len(t, d.reqs, 1, "status %d", status)
	}
}

func TestGetHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &scriptedDoer{replies: []reply{{status: http.StatusOK}}}
	_, err := testClient(d).FetchScript(ctx, "/x")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, d.reqs)
}

func TestLoadParsesChallenge(t *testing.T) {
	d := &scriptedDoer{replies: []reply{jsonpReply(`{"status":"success","data":{
		"lot_number":"` + fixtureLot + `","captcha_type":"slide","payload":"p1","process_token":"tok",
		"payload_protocol":1,"pt":"1","slice":"pictures/slice.png","bg":"pictures/bg.png",
		"pow_detail":{"hashfunc":"md5","version":"1","bits":0,"datetime":"2025-02-06T14:06:49.870+08:00"}}}`)}}

	load, err := testClient(d).Load(context.Background(), DefaultWire, LoadRequest{
		CaptchaID: "cid", RiskType: "slide", Challenge: "ch", UserInfo: "ui",
	})
	require.NoError(t, err)
	assert.Equal(t, fixtureLot, load.LotNumber)
	assert.Equal(t, "1", load.PayloadProtocol.String())
	assert.Equal(t, "1", load.PT.String())
	assert.Equal(t, "md5", load.PowDetail.HashFunc)
	assert.Equal(t, "pictures/bg.png", load.Bg)

	q := d.reqs[0].URL.Query()
	assert.Equal(t, "slide", q.Get("risk_type"))
	assert.Equal(t, "ui", q.Get("user_info"))
	assert.Equal(t, "ch", q.Get("challenge"))
}

func TestLoadWithoutLotFails(t *testing.T) {
	d := &scriptedDoer{replies: []reply{jsonpReply(`{"status":"success","data":{"captcha_type":"slide"}}`)}}
	_, err := testClient(d).Load(context.Background(), DefaultWire, LoadRequest{CaptchaID: "cid"})
	assert.ErrorIs(t, err, ErrCaptchaFailed)
}

func TestErrorEnvelope(t *testing.T) {
	d := &scriptedDoer{replies: []reply{jsonpReply(`{"status":"error","code":"-50002","msg":"<b>param</b> decrypt error"}`)}}
	_, err := testClient(d).Verify(context.Background(), DefaultWire, VerifyRequest{CaptchaID: "cid"})

	var failed *CaptchaFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "param decrypt error", failed.Message)
	assert.Equal(t, "captcha failed - param decrypt error", Reason(err))

	d = &scriptedDoer{replies: []reply{jsonpReply(`{"status":"error","code":-50005}`)}}
	_, err = testClient(d).Verify(context.Background(), DefaultWire, VerifyRequest{CaptchaID: "cid"})
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "-50005", failed.Message)
}

func TestMalformedJSONP(t *testing.T) {
	d := &scriptedDoer{replies: []reply{{status: http.StatusOK, body: "<html>blocked</html>"}}}
	_, err := testClient(d).Discover(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestVerifySendsRoundFields(t *testing.T) {
	d := &scriptedDoer{replies: []reply{jsonpReply(`{"status":"success","data":{"result":"success","seccode":{
		"captcha_id":"cid","lot_number":"L-1","pass_token":"T-1","gen_time":"1738850809","captcha_output":"out"}}}`)}}

	resp, err := testClient(d).Verify(context.Background(), DefaultWire, VerifyRequest{
		CaptchaID: "cid", RiskType: "slide", LotNumber: "L-0", Payload: "p", ProcessToken: "tok", PT: "1", W: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Result)
	assert.True(t, resp.SecCode.Complete())

	q := d.reqs[0].URL.Query()
	assert.Equal(t, "/verify", d.reqs[0].URL.Path)
	for k, want := range map[string]string{
		"lot_number": "L-0", "payload": "p", "process_token": "tok",
		"payload_protocol": "1", "pt": "1", "w": "abc", "risk_type": "slide",
	} {
		assert.Equal(t, want, q.Get(k), k)
	}
}

func TestFetchAsset(t *testing.T) {
	d := &scriptedDoer{replies: []reply{{status: http.StatusOK, body: "PNG"}}}
	b, err := testClient(d).FetchAsset(context.Background(), "/captcha_v4/bg.png")
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(b))
	assert.Equal(t, "https://static.geetest.com/captcha_v4/bg.png", d.reqs[0].URL.String())
	assert.Equal(t, []string{"image"}, d.reqs[0].Header["sec-fetch-dest"])

	_, err = testClient(d).FetchAsset(context.Background(), "")
	assert.ErrorIs(t, err, ErrCaptchaFailed)
}

func TestRedactQuery(t *testing.T) {
	assert.Equal(t, "https://h/load", redactQuery("https://h/load?w=secret"))
	assert.Equal(t, "::bad", redactQuery("::bad"))
}
