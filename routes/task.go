package routes

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"geekedapi/core"
	"geekedapi/utils"
)

type Request struct {
	TaskID       string `json:"task_id"`
	CaptchaID    string `json:"captcha_id"`
	Preset       string `json:"preset"`
	RiskType     string `json:"risk_type"`
	Proxy        string `json:"proxy"`
	LocalAddress string `json:"local_address"`
	UserInfo     string `json:"user_info"`
	Platform     string `json:"platform"`
}

const Service = "geeked"

// ConstantAdmin is the cache surface the API exposes.
type ConstantAdmin interface {
	core.ConstantProvider
	Refresh(ctx context.Context) (*core.ProtocolConstants, error)
	Latest() *core.CacheEntry
}

// DialFunc opens a per-task connection to the service.
type DialFunc func(opts utils.ClientOptions) (core.Transport, error)

type taskEntry struct {
	task   *core.GeekedTask
	preset utils.Preset
}

type Server struct {
	engine      *core.Engine
	constants   ConstantAdmin
	dial        DialFunc
	defaults    utils.ClientOptions
	taskTimeout time.Duration
	logger      *zap.Logger

	taskPool sync.Map
	wg       sync.WaitGroup
}

func NewServer(engine *core.Engine, constants ConstantAdmin, dial DialFunc, defaults utils.ClientOptions, taskTimeout time.Duration, logger *zap.Logger) *Server {
	if taskTimeout <= 0 {
		taskTimeout = 60 * time.Second
	}
	return &Server{
		engine:      engine,
		constants:   constants,
		dial:        dial,
		defaults:    defaults,
		taskTimeout: taskTimeout,
		logger:      utils.OrNop(logger),
	}
}

func (s *Server) Register(e *echo.Echo) {
	// Solver
	e.POST("/createTask", s.CreateTaskRoute)
	e.POST("/getTask", s.GetTaskRoute)
	e.GET("/getPlatforms", s.GetPlatformDetails)

	// Constants
	e.GET("/constants", s.GetConstantsRoute)
	e.POST("/constants/refresh", s.RefreshConstantsRoute)
	e.POST("/constants/invalidate", s.InvalidateConstantsRoute)
}

// Wait blocks until every background solve has finished.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) GetPlatformDetails(c echo.Context) error {
	platformDetails := make(map[string]string)
	for _, name := range utils.PlatformNames() {
		platformDetails[name] = utils.Platforms[name].UserAgent
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"platforms": platformDetails,
	})
}

// Main Solver
func (s *Server) CreateTaskRoute(c echo.Context) error {
	contentType := c.Request().Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, echo.MIMEApplicationJSON) {
		return c.JSON(http.StatusUnsupportedMediaType, map[string]interface{}{
			"success": false,
			"error":   "Unsupported Content-Type",
			"details": fmt.Sprintf("Expected 'Content-Type: application/json' but got '%s'", contentType),
		})
	}

	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request"})
	}

	preset, err := resolvePreset(req)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
	}

	riskType, err := core.ParseRiskType(preset.RiskType)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid risk_type"})
	}
	if !s.engine.Dispatch().Supports(riskType) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "challenge type not supported"})
	}

	if err := validateProxy(req.Proxy); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": err.Error()})
	}

	opts := s.defaults
	if req.Platform != "" {
		if _, ok := utils.Platforms[req.Platform]; !ok {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid platform"})
		}
		opts.Platform = req.Platform
	}
	if req.Proxy != "" {
		opts.Proxy = req.Proxy
	}
	if req.LocalAddress != "" {
		opts.LocalAddress = req.LocalAddress
	}

	transport, err := s.dial(opts)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "failed to create task"})
	}

	task, err := s.engine.NewTask(core.SessionOptions{
		CaptchaID: preset.CaptchaID,
		RiskType:  riskType,
		UserInfo:  preset.UserInfo,
		Proxy:     opts.Proxy,
		LocalAddr: opts.LocalAddress,
	}, transport)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "failed to create task"})
	}

	s.taskPool.Store(task.ID, &taskEntry{task: task, preset: preset})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
		defer cancel()

		start := time.Now()
		_, err := task.Solve(ctx)
		s.logTaskCompletion(preset, task, err == nil, time.Since(start))
	}()

	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "task_id": task.ID})
}

func (s *Server) GetTaskRoute(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request"})
	}

	val, exists := s.taskPool.Load(req.TaskID)
	if !exists {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid task_id"})
	}
	state := val.(*taskEntry).task.State()

	switch state.Status {
	case core.StatusCompleted:
		s.taskPool.Delete(req.TaskID)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": true,
			"status":  state.Status,
			"seccode": state.Result,
			"rounds":  state.Rounds,
			"time":    math.Round(state.ProcessTime*100) / 100,
		})

	case core.StatusError:
		s.taskPool.Delete(req.TaskID)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"status":  state.Status,
			"error":   state.ErrorReason,
			"rounds":  state.Rounds,
		})

	case core.StatusProcessing:
		return c.JSON(http.StatusOK, map[string]interface{}{
			"success": false,
			"status":  state.Status,
		})

	default:
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "unknown task status",
		})
	}
}

func (s *Server) GetConstantsRoute(c echo.Context) error {
	entry := s.constants.Latest()
	if entry == nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{"success": false, "error": "no cached constants"})
	}
	return c.JSON(http.StatusOK, constantsBody(entry.Constants, entry))
}

func (s *Server) RefreshConstantsRoute(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.taskTimeout)
	defer cancel()

	refresh := s.constants.Current
	if c.QueryParam("force") == "true" {
		refresh = s.constants.Refresh
	}
	constants, err := refresh(ctx)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{"success": false, "error": core.Reason(err)})
	}
	return c.JSON(http.StatusOK, constantsBody(constants, s.constants.Latest()))
}

func (s *Server) InvalidateConstantsRoute(c echo.Context) error {
	var req struct {
		Version string `json:"version"`
	}
	if err := c.Bind(&req); err != nil || req.Version == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "version is required"})
	}
	if err := s.constants.Invalidate(req.Version); err != nil {
		return c.JSON(http.StatusNotFound, map[string]interface{}{"success": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "version": req.Version})
}

func constantsBody(constants *core.ProtocolConstants, entry *core.CacheEntry) map[string]interface{} {
	body := map[string]interface{}{
		"success":     true,
		"version":     constants.Version,
		"script_hash": constants.ScriptHash,
		"key_source":  constants.PublicKey.Source,
		"device_id":   constants.DeviceID,
	}
	if entry != nil && entry.Version == constants.Version {
		body["extracted_at"] = entry.ExtractedAt
		body["invalidated"] = entry.Invalidated
	}
	return body
}

// resolvePreset accepts a preset name or id, or a bare captcha_id + risk_type.
func resolvePreset(req Request) (utils.Preset, error) {
	if req.Preset != "" {
		preset, err := utils.FindPresetByCaptchaIDOrName(req.Preset)
		if err != nil {
			return utils.Preset{}, errors.New("invalid preset")
		}
		if req.UserInfo != "" {
			preset.UserInfo = req.UserInfo
		}
		return preset, nil
	}
	if req.CaptchaID == "" {
		return utils.Preset{}, errors.New("preset or captcha_id wasn't provided")
	}
	if preset, err := utils.FindPresetByCaptchaIDOrName(req.CaptchaID); err == nil && req.RiskType == "" {
		if req.UserInfo != "" {
			preset.UserInfo = req.UserInfo
		}
		return preset, nil
	}
	if req.RiskType == "" {
		return utils.Preset{}, errors.New("risk_type wasn't provided")
	}
	return utils.Preset{
		Name:        req.CaptchaID,
		WebsiteName: req.CaptchaID,
		CaptchaID:   req.CaptchaID,
		RiskType:    req.RiskType,
		UserInfo:    req.UserInfo,
	}, nil
}

func validateProxy(proxy string) error {
	if proxy == "" {
		return nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" || u.Port() == "" {
		return errors.New("invalid proxy")
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return errors.New("invalid proxy scheme")
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "0.0.0.0" {
		return errors.New("invalid proxy host")
	}
	return nil
}

func (s *Server) logTaskCompletion(preset utils.Preset, task *core.GeekedTask, success bool, duration time.Duration) {
	state := task.State()
	fields := []zap.Field{
		zap.String("service", Service),
		zap.String("task_id", task.ID),
		zap.String("site", preset.WebsiteName),
		zap.String("risk_type", preset.RiskType),
		zap.Int("rounds", state.Rounds),
		zap.Duration("took", duration),
	}
	if !success {
		s.logger.Warn("task failed", append(fields, zap.String("reason", state.ErrorReason))...)
		return
	}
	if state.Result != nil && len(state.Result.PassToken) > 16 {
		fields = append(fields, zap.String("pass_token", state.Result.PassToken[:16]+"..."))
	}
	s.logger.Info("task solved", fields...)
}
