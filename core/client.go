package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	"go.uber.org/zap"

	"geekedapi/utils"
)

// Doer is the slice of tls_client.HttpClient the service client needs.
type Doer interface {
	Do(req *fhttp.Request) (*fhttp.Response, error)
}

type Endpoints struct {
	APIServer          string
	StaticServer       string
	AssetServer        string
	DiscoveryCaptchaID string
	Lang               string
}

var DefaultEndpoints = Endpoints{
	APIServer:          "https://gcaptcha4.geevisit.com",
	StaticServer:       "https://static.geevisit.com",
	AssetServer:        "https://static.geetest.com",
	DiscoveryCaptchaID: "588a5218557e1eadf33d682a6958c31b",
	Lang:               "eng",
}

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 500 * time.Millisecond}

var versionSegment = regexp.MustCompile(`^v\d+\.\d+`)

// Client talks to the four service endpoints plus the asset host.
type Client struct {
	doer      Doer
	platform  utils.Platform
	endpoints Endpoints
	retry     RetryPolicy
	logger    *zap.Logger
}

func NewClient(doer Doer, platform utils.Platform, endpoints Endpoints, retry RetryPolicy, logger *zap.Logger) *Client {
	if endpoints.Lang == "" {
		endpoints.Lang = DefaultEndpoints.Lang
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Client{
		doer:      doer,
		platform:  platform,
		endpoints: endpoints,
		retry:     retry,
		logger:    utils.OrNop(logger),
	}
}

// Dial builds a Client on a fresh browser-fingerprinted HTTP client.
func Dial(opts utils.ClientOptions, endpoints Endpoints, retry RetryPolicy, logger *zap.Logger) (*Client, error) {
	httpClient, err := utils.NewHttpClient(opts)
	if err != nil {
		return nil, err
	}
	return NewClient(httpClient, utils.LookupPlatform(opts.Platform), endpoints, retry, logger), nil
}

type LoadRequest struct {
	CaptchaID string
	RiskType  string
	Challenge string
	UserInfo  string
}

type VerifyRequest struct {
	CaptchaID       string
	RiskType        string
	LotNumber       string
	Payload         string
	ProcessToken    string
	PayloadProtocol string
	PT              string
	W               string
}

// Discover returns the static path of the script currently served.
func (c *Client) Discover(ctx context.Context) (string, error) {
	params := url.Values{
		"captcha_id":  {c.endpoints.DiscoveryCaptchaID},
		"challenge":   {utils.NewChallenge()},
		"client_type": {DefaultWire.ClientType},
		"lang":        {c.endpoints.Lang},
	}

	var data struct {
		StaticPath string `json:"static_path"`
	}
	if err := c.jsonp(ctx, c.endpoints.APIServer+DefaultWire.LoadPath, params, &data); err != nil {
		return "", fmt.Errorf("version probe: %w", err)
	}
	if data.StaticPath == "" {
		return "", fmt.Errorf("%w: version probe returned no static_path", ErrNetwork)
	}
	return data.StaticPath, nil
}

// VersionFromPath picks the dotted release segment (v1.9.3-26b399) out of a
// static path such as /v4/static/v1.9.3-26b399.
func VersionFromPath(staticPath string) (string, error) {
	for _, seg := range strings.Split(staticPath, "/") {
		if versionSegment.MatchString(seg) {
			return seg, nil
		}
	}
	return "", fmt.Errorf("%w: no version segment in static path %q", ErrDeobfuscation, staticPath)
}

func (c *Client) FetchScript(ctx context.Context, staticPath string) (string, error) {
	body, err := c.get(ctx, c.endpoints.StaticServer+staticPath+DefaultWire.ScriptPath, "script")
	if err != nil {
		return "", fmt.Errorf("script fetch: %w", err)
	}
	return string(body), nil
}

func (c *Client) Load(ctx context.Context, wire WireSpec, r LoadRequest) (*utils.LoadResponse, error) {
	params := url.Values{
		"captcha_id":  {r.CaptchaID},
		"challenge":   {r.Challenge},
		"client_type": {wire.ClientType},
		"risk_type":   {r.RiskType},
		"lang":        {c.endpoints.Lang},
	}
	if r.UserInfo != "" {
		params.Set("user_info", r.UserInfo)
	}

	var load utils.LoadResponse
	if err := c.jsonp(ctx, c.endpoints.APIServer+wire.LoadPath, params, &load); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if load.LotNumber == "" {
		return nil, captchaFailed("load returned no lot_number")
	}
	return &load, nil
}

func (c *Client) Verify(ctx context.Context, wire WireSpec, r VerifyRequest) (*utils.VerifyResponse, error) {
	protocol := r.PayloadProtocol
	if protocol == "" {
		protocol = wire.PayloadProtocol
	}
	params := url.Values{
		"captcha_id":       {r.CaptchaID},
		"client_type":      {wire.ClientType},
		"lot_number":       {r.LotNumber},
		"risk_type":        {r.RiskType},
		"payload":          {r.Payload},
		"process_token":    {r.ProcessToken},
		"payload_protocol": {protocol},
		"pt":               {r.PT},
		"w":                {r.W},
	}

	var verify utils.VerifyResponse
	if err := c.jsonp(ctx, c.endpoints.APIServer+wire.VerifyPath, params, &verify); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return &verify, nil
}

// FetchAsset downloads a challenge image by its relative path.
func (c *Client) FetchAsset(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, captchaFailed("challenge is missing an image path")
	}
	body, err := c.get(ctx, c.endpoints.AssetServer+"/"+strings.TrimPrefix(path, "/"), "image")
	if err != nil {
		return nil, fmt.Errorf("asset fetch: %w", err)
	}
	return body, nil
}

func (c *Client) jsonp(ctx context.Context, endpoint string, params url.Values, out any) error {
	callback := utils.RandomCallback()
	params.Set("callback", callback)

	body, err := c.get(ctx, endpoint+"?"+params.Encode(), "script")
	if err != nil {
		return err
	}

	envelope, err := utils.ParseJSONP(body, callback)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	switch envelope.Status {
	case "success":
	case "error":
		msg := utils.StripHTML(envelope.Msg)
		if msg == "" {
			msg = envelope.Code.String()
		}
		return &CaptchaFailedError{Message: msg}
	default:
		return fmt.Errorf("%w: unexpected status %q", ErrNetwork, envelope.Status)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: failed to decode response data: %v", ErrNetwork, err)
	}
	return nil
}

// get retries transport failures and 5xx responses with linear backoff.
func (c *Client) get(ctx context.Context, reqURL, dest string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.Attempts; attempt++ {
		if err := ctxError(ctx); err != nil {
			return nil, err
		}

		body, retry, err := c.getOnce(ctx, reqURL, dest)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || attempt == c.retry.Attempts {
			break
		}

		c.logger.Debug("retrying request",
			zap.String("url", redactQuery(reqURL)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctxError(ctx)
		case <-time.After(c.retry.Backoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, reqURL, dest string) ([]byte, bool, error) {
	req, err := fhttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.headers(dest)

	resp, err := c.doer.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctxError(ctx)
		}
		return nil, true, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctxError(ctx)
		}
		return nil, true, fmt.Errorf("%w: failed to read body: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: %s returned status %d", ErrNetwork, dest, resp.StatusCode)
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return nil, false, fmt.Errorf("%w: 407 proxy authentication required", ErrNetwork)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: %s returned status %d", ErrNetwork, dest, resp.StatusCode)
	}
	return body, false, nil
}

func (c *Client) headers(dest string) fhttp.Header {
	accept := "*/*"
	if dest == "image" {
		accept = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
	}

	h := fhttp.Header{
		"accept":          {accept},
		"accept-encoding": {"gzip, deflate, br"},
		"accept-language": {"en-US,en;q=0.9"},
		"referer":         {"https://gt4.geetest.com/"},
		"sec-fetch-dest":  {dest},
		"sec-fetch-mode":  {"no-cors"},
		"sec-fetch-site":  {"cross-site"},
		"user-agent":      {c.platform.UserAgent},
		fhttp.HeaderOrderKey: {
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"user-agent",
			"sec-ch-ua-platform",
			"accept",
			"sec-fetch-site",
			"sec-fetch-mode",
			"sec-fetch-dest",
			"referer",
			"accept-encoding",
			"accept-language",
		},
	}
	if c.platform.SecChUa != "" {
		h["sec-ch-ua"] = []string{c.platform.SecChUa}
		h["sec-ch-ua-mobile"] = []string{c.platform.Mobile}
		h["sec-ch-ua-platform"] = []string{c.platform.OSPlatform}
	}
	return h
}

func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
