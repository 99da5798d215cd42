package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"geekedapi/config"
	"geekedapi/core"
	"geekedapi/routes"
	"geekedapi/solvers"
	"geekedapi/utils"
)

var (
	configPath string
	cacheDir   string
	logLevel   string

	cfg    config.Config
	logger *zap.Logger
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "geekedapi",
		Short:         "Geetest v4 protocol engine and task API",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if cacheDir != "" {
				cfg.Cache.Dir = cacheDir
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err = utils.NewLogger(cfg.Log.Level, cfg.Log.Development)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "geeked.toml", "path to the TOML config file")
	root.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "constants cache directory (overrides cache.dir)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")

	root.AddCommand(serveCmd(), solveCmd(), constantsCmd())
	return root
}

type runtimeDeps struct {
	store  *core.Store
	engine *core.Engine
	dial   routes.DialFunc
}

func endpoints() core.Endpoints {
	return core.Endpoints{
		APIServer:          cfg.Endpoints.APIServer,
		StaticServer:       cfg.Endpoints.StaticServer,
		AssetServer:        cfg.Endpoints.AssetServer,
		DiscoveryCaptchaID: cfg.Endpoints.DiscoveryCaptchaID,
		Lang:               cfg.Endpoints.Lang,
	}
}

func clientOptions() utils.ClientOptions {
	return utils.ClientOptions{
		Platform:       cfg.Client.Platform,
		TimeoutSeconds: cfg.Client.TimeoutSeconds,
		Proxy:          cfg.Client.Proxy,
		LocalAddress:   cfg.Client.LocalAddress,
	}
}

func buildDeps() (*runtimeDeps, error) {
	retry := core.RetryPolicy{Attempts: cfg.Policy.NetworkAttempts, Backoff: cfg.Policy.NetworkBackoff.Duration}

	discovery, err := core.Dial(clientOptions(), endpoints(), retry, logger.Named("discovery"))
	if err != nil {
		return nil, err
	}
	extractor := core.NewExtractor(discovery, cfg.Policy.PowMaxIterations, logger.Named("extractor"))
	store, err := core.NewStore(cfg.Cache.Dir, extractor, cfg.Policy.ExtractTimeout.Duration, logger.Named("constants"))
	if err != nil {
		return nil, err
	}

	dispatch := core.NewDispatch()
	solvers.Register(dispatch, solvers.Options{
		RecognizerURL: cfg.Icon.RecognizerURL,
		RecognizerKey: cfg.Icon.RecognizerKey,
		PollInterval:  cfg.Icon.PollInterval.Duration,
		MaxPolls:      cfg.Icon.MaxPolls,
		Logger:        logger.Named("icon"),
	})

	engine := core.NewEngine(store, dispatch, core.Policy{
		MaxRounds:        cfg.Policy.MaxRounds,
		PowWorkers:       cfg.Policy.PowWorkers,
		PowMaxIterations: cfg.Policy.PowMaxIterations,
	}, logger.Named("engine"))

	dial := func(opts utils.ClientOptions) (core.Transport, error) {
		return core.Dial(opts, endpoints(), retry, logger.Named("client"))
	}
	return &runtimeDeps{store: store, engine: engine, dial: dial}, nil
}

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP task API",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.Server.Port
			}

			e := echo.New()

			// Debug Setting
			e.Logger.SetOutput(io.Discard)
			e.HideBanner = true
			e.Debug = false

			// Middleware
			e.Use(middleware.Recover())
			e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
				AllowOrigins:     []string{"*"},
				AllowMethods:     []string{"*"},
				AllowHeaders:     []string{"*"},
				AllowCredentials: true,
			}))

			server := routes.NewServer(deps.engine, deps.store, deps.dial, clientOptions(), cfg.Server.TaskTimeout.Duration, logger.Named("api"))
			server.Register(e)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server is running", zap.Int("port", port))
				errCh <- e.Start(fmt.Sprintf(":%d", port))
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				return err
			}
			server.Wait()
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func solveCmd() *cobra.Command {
	var (
		preset    string
		riskType  string
		userInfo  string
		proxy     string
		localAddr string
		platform  string
		history   bool
	)
	cmd := &cobra.Command{
		Use:   "solve [captcha_id]",
		Short: "Solve one challenge and print the seccode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			captchaID := ""
			if len(args) == 1 {
				captchaID = args[0]
			}
			if preset != "" {
				p, err := utils.FindPresetByCaptchaIDOrName(preset)
				if err != nil {
					return err
				}
				captchaID = p.CaptchaID
				if riskType == "" {
					riskType = p.RiskType
				}
				if userInfo == "" {
					userInfo = p.UserInfo
				}
			}
			if captchaID == "" {
				return errors.New("a captcha id or --preset is required")
			}
			rt, err := core.ParseRiskType(riskType)
			if err != nil {
				return err
			}

			deps, err := buildDeps()
			if err != nil {
				return err
			}
			opts := clientOptions()
			if proxy != "" {
				opts.Proxy = proxy
			}
			if localAddr != "" {
				opts.LocalAddress = localAddr
			}
			if platform != "" {
				opts.Platform = platform
			}
			transport, err := deps.dial(opts)
			if err != nil {
				return err
			}

			task, err := deps.engine.NewTask(core.SessionOptions{
				CaptchaID: captchaID,
				RiskType:  rt,
				UserInfo:  userInfo,
				Proxy:     opts.Proxy,
				LocalAddr: opts.LocalAddress,
			}, transport)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Server.TaskTimeout.Duration)
			defer cancel()

			result, solveErr := task.Solve(ctx)
			out := map[string]interface{}{"rounds": task.State().Rounds}
			if solveErr != nil {
				out["error"] = core.Reason(solveErr)
			} else {
				out["seccode"] = result
			}
			if history {
				out["session"] = task.State().Session
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			return solveErr
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "preset name or captcha id")
	cmd.Flags().StringVar(&riskType, "risk-type", "", "slide, gobang, icon or ai")
	cmd.Flags().StringVar(&userInfo, "user-info", "", "optional user binding string")
	cmd.Flags().StringVar(&proxy, "proxy", "", "proxy URL")
	cmd.Flags().StringVar(&localAddr, "local-address", "", "local IP to bind outgoing connections to")
	cmd.Flags().StringVar(&platform, "platform", "", "browser platform to impersonate")
	cmd.Flags().BoolVar(&history, "history", false, "include the round history in the output")
	return cmd
}

func constantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "constants",
		Short: "Inspect or manage the constants cache",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print cached constants entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			return printJSON(cmd, deps.store.Entries())
		},
	}

	var force bool
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Probe the live version and extract it if the cache is stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Policy.ExtractTimeout.Duration)
			defer cancel()

			refreshFn := deps.store.Current
			if force {
				refreshFn = deps.store.Refresh
			}
			c, err := refreshFn(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
	refresh.Flags().BoolVar(&force, "force", false, "re-extract even if the cached version is current")

	invalidate := &cobra.Command{
		Use:   "invalidate <version>",
		Short: "Mark a cached version unusable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			return deps.store.Invalidate(args[0])
		},
	}

	cmd.AddCommand(show, refresh, invalidate)
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
