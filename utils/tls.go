package utils

import (
	"fmt"
	"net"
	"sort"

	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

type Platform struct {
	Name       string
	Profile    profiles.ClientProfile
	UserAgent  string
	SecChUa    string // empty for browsers that don't send client hints
	Mobile     string
	OSPlatform string
}

var Platforms = map[string]Platform{
	"chrome": {
		Name:       "chrome",
		Profile:    profiles.Chrome_133,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
		SecChUa:    `"Not(A:Brand";v="99", "Google Chrome";v="133", "Chromium";v="133"`,
		Mobile:     "?0",
		OSPlatform: `"Windows"`,
	},
	"chrome130": {
		Name:       "chrome130",
		Profile:    chrome130Hello,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		SecChUa:    `"Chromium";v="130", "Google Chrome";v="130", "Not?A_Brand";v="99"`,
		Mobile:     "?0",
		OSPlatform: `"Windows"`,
	},
	"edge": {
		Name:       "edge",
		Profile:    profiles.Chrome_131,
		UserAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		SecChUa:    `"Microsoft Edge";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		Mobile:     "?0",
		OSPlatform: `"Windows"`,
	},
	"firefox": {
		Name:      "firefox",
		Profile:   profiles.Firefox_133,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	},
	"iphone": {
		Name:      "iphone",
		Profile:   profiles.Safari_IOS_18_0,
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 18_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Mobile/15E148 Safari/604.1",
	},
}

const DefaultPlatform = "chrome"

// LookupPlatform falls back to chrome for unknown or empty names.
func LookupPlatform(name string) Platform {
	if p, ok := Platforms[name]; ok {
		return p
	}
	return Platforms[DefaultPlatform]
}

func PlatformNames() []string {
	names := make([]string, 0, len(Platforms))
	for name := range Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type ClientOptions struct {
	Platform       string
	TimeoutSeconds int
	Proxy          string
	LocalAddress   string
}

func (o ClientOptions) httpClientOptions() ([]tls_client.HttpClientOption, error) {
	timeout := o.TimeoutSeconds
	if timeout <= 0 {
		timeout = 15
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeout),
		tls_client.WithClientProfile(LookupPlatform(o.Platform).Profile),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
		tls_client.WithRandomTLSExtensionOrder(),
	}
	if o.Proxy != "" {
		options = append(options, tls_client.WithProxyUrl(o.Proxy))
	}
	if o.LocalAddress != "" {
		ip := net.ParseIP(o.LocalAddress)
		if ip == nil {
			return nil, fmt.Errorf("invalid local address %q", o.LocalAddress)
		}
		options = append(options, tls_client.WithLocalAddr(net.TCPAddr{IP: ip}))
	}
	return options, nil
}

func NewHttpClient(o ClientOptions) (tls_client.HttpClient, error) {
	options, err := o.httpClientOptions()
	if err != nil {
		return nil, err
	}

	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}
