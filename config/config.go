package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration decodes TOML strings such as "500ms" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Server    Server    `toml:"server"`
	Cache     Cache     `toml:"cache"`
	Policy    Policy    `toml:"policy"`
	Endpoints Endpoints `toml:"endpoints"`
	Client    Client    `toml:"client"`
	Icon      Icon      `toml:"icon"`
	Log       Log       `toml:"log"`
}

type Server struct {
	Port        int      `toml:"port"`
	TaskTimeout Duration `toml:"task_timeout"`
}

type Cache struct {
	Dir string `toml:"dir"`
}

type Policy struct {
	MaxRounds        int      `toml:"max_rounds"`
	PowMaxIterations uint64   `toml:"pow_max_iterations"`
	PowWorkers       int      `toml:"pow_workers"`
	NetworkAttempts  int      `toml:"network_attempts"`
	NetworkBackoff   Duration `toml:"network_backoff"`
	ExtractTimeout   Duration `toml:"extract_timeout"`
}

type Endpoints struct {
	APIServer          string `toml:"api_server"`
	StaticServer       string `toml:"static_server"`
	AssetServer        string `toml:"asset_server"`
	DiscoveryCaptchaID string `toml:"discovery_captcha_id"`
	Lang               string `toml:"lang"`
}

type Client struct {
	Platform       string `toml:"platform"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Proxy          string `toml:"proxy"`
	LocalAddress   string `toml:"local_address"`
}

type Icon struct {
	RecognizerURL string   `toml:"recognizer_url"`
	RecognizerKey string   `toml:"recognizer_key"`
	PollInterval  Duration `toml:"poll_interval"`
	MaxPolls      int      `toml:"max_polls"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "geeked")
	}
	return ".cache"
}

func Default() Config {
	return Config{
		Server: Server{
			Port:        2323,
			TaskTimeout: Duration{60 * time.Second},
		},
		Cache: Cache{Dir: DefaultCacheDir()},
		Policy: Policy{
			MaxRounds:        10,
			PowMaxIterations: 1 << 24,
			PowWorkers:       min(runtime.NumCPU(), 8),
			NetworkAttempts:  3,
			NetworkBackoff:   Duration{500 * time.Millisecond},
			ExtractTimeout:   Duration{30 * time.Second},
		},
		Endpoints: Endpoints{
			APIServer:          "https://gcaptcha4.geevisit.com",
			StaticServer:       "https://static.geevisit.com",
			AssetServer:        "https://static.geetest.com",
			DiscoveryCaptchaID: "588a5218557e1eadf33d682a6958c31b",
			Lang:               "eng",
		},
		Client: Client{
			Platform:       "chrome",
			TimeoutSeconds: 30,
		},
		Icon: Icon{
			PollInterval: Duration{time.Second},
			MaxPolls:     30,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Server.TaskTimeout.Duration <= 0:
		return errors.New("server.task_timeout must be positive")
	case c.Cache.Dir == "":
		return errors.New("cache.dir is required")
	case c.Policy.MaxRounds < 1:
		return errors.New("policy.max_rounds must be at least 1")
	case c.Policy.PowMaxIterations == 0:
		return errors.New("policy.pow_max_iterations must be positive")
	case c.Policy.PowWorkers < 1:
		return errors.New("policy.pow_workers must be at least 1")
	case c.Policy.NetworkAttempts < 1:
		return errors.New("policy.network_attempts must be at least 1")
	case c.Endpoints.APIServer == "" || c.Endpoints.StaticServer == "" || c.Endpoints.AssetServer == "":
		return errors.New("endpoints must all be set")
	case c.Endpoints.DiscoveryCaptchaID == "":
		return errors.New("endpoints.discovery_captcha_id is required")
	}
	return nil
}
