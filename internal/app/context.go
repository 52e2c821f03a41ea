// Package app wires a workspace into a runnable engine. Every command goes
// through Load so the CLI and the server agree on how components are
// assembled.
package app

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"matchline/internal/config"
	"matchline/internal/db"
	"matchline/internal/engine"
	"matchline/internal/executor"
	"matchline/internal/gate"
	"matchline/internal/llm"
	"matchline/internal/loop"
	"matchline/internal/metrics"
	"matchline/internal/migrate"
	"matchline/internal/planner"
	"matchline/internal/safety"
	"matchline/internal/store"
)

// Options carries command-line overrides that never live in matchline.yml.
// API keys arrive here from the environment; the config file stays free of
// secrets.
type Options struct {
	Workspace     string
	FixturePath   string
	PlannerAPIKey string
	AdvisorAPIKey string
}

// Context is the assembled application. The caller owns it and must Close
// it when done.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     store.Store
	Logger    *zap.Logger
	Engine    engine.Engine

	driver executor.Driver
}

// Prometheus registration is process-global, so the collector is too.
var (
	collectorOnce sync.Once
	collector     *metrics.Collector
)

func sharedCollector() *metrics.Collector {
	collectorOnce.Do(func() {
		collector = metrics.New(metrics.Namespace)
	})
	return collector
}

// Load opens the workspace and wires every component a run needs: the
// safety store, the decision gate, the planner, the UI driver, and the
// engine around them.
func Load(opts Options) (*Context, error) {
	a, err := LoadControl(opts)
	if err != nil {
		return nil, err
	}

	g, err := buildGate(a.Config, opts.AdvisorAPIKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	drv, err := buildDriver(a.Config, opts.FixturePath)
	if err != nil {
		a.Close()
		return nil, err
	}

	e := a.Engine
	e.Gate = g
	e.Loop = &loop.Controller{
		Planner: buildPlanner(a.Config, opts.PlannerAPIKey),
		Driver:  drv,
		Cancel:  e.Monitor,
		Config:  loop.Config{MaxTurns: a.Config.Loop.MaxTurns},
		Logger:  a.Logger,
	}
	a.Engine = e
	a.driver = drv
	return a, nil
}

// LoadControl wires the database, store, and engine without the run loop.
// Control commands (status, cancel, apikey, serve) use it so they work
// without an executor or advisor configured.
func LoadControl(opts Options) (*Context, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	st, err := openStore(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := engine.New(conn, cfg)
	e.Store = st
	e.Monitor = safety.New(st, safety.Limits{
		Daily:       cfg.Safety.DailyLimit,
		Weekly:      cfg.Safety.WeeklyLimit,
		MinInterval: time.Duration(cfg.Safety.MinIntervalSeconds) * time.Second,
	})
	e.Metrics = sharedCollector()
	e.Logger = logger

	return &Context{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Store:     st,
		Logger:    logger,
		Engine:    e,
	}, nil
}

// Close releases the driver, the store, and the database, in that order.
func (a *Context) Close() error {
	var firstErr error
	if a.driver != nil {
		if err := a.driver.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return firstErr
}

func openStore(cfg *config.Config, conn *sql.DB) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		st, err := store.NewRedis(store.RedisOptions{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return st, nil
	default:
		return store.NewSQLite(conn), nil
	}
}

func buildGate(cfg *config.Config, advisorKey string) (gate.Gate, error) {
	gateCfg := gate.Config{
		Mode:       cfg.Decision.Mode,
		Threshold:  cfg.Decision.Threshold,
		BlendAlpha: cfg.Decision.BlendAlpha,
		FloorScore: cfg.Decision.FloorScore,
		RedFlags:   cfg.Decision.RedFlags,
	}
	var client gate.ChatClient
	if cfg.Decision.Mode != "rubric" {
		if cfg.Advisor.Endpoint == "" {
			return nil, fmt.Errorf("config.advisor.endpoint is required for %s mode", cfg.Decision.Mode)
		}
		client = llm.New(llm.Config{
			Endpoint:          cfg.Advisor.Endpoint,
			APIKey:            advisorKey,
			Model:             cfg.Advisor.Model,
			Timeout:           time.Duration(cfg.Advisor.TimeoutSeconds) * time.Second,
			RequestsPerMinute: cfg.Advisor.RequestsPerMinute,
		})
	}
	return gate.New(gateCfg, client)
}

// buildPlanner returns the remote planner when an endpoint is configured,
// otherwise the direct planner that emits fixed capture and send scripts.
func buildPlanner(cfg *config.Config, plannerKey string) planner.Planner {
	if cfg.Planner.Endpoint == "" {
		return planner.Direct{}
	}
	client := llm.New(llm.Config{
		Endpoint:          cfg.Planner.Endpoint,
		APIKey:            plannerKey,
		Model:             cfg.Planner.Model,
		Timeout:           time.Duration(cfg.Planner.TimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.Planner.RequestsPerMinute,
	})
	return planner.NewRemote(client)
}

func buildDriver(cfg *config.Config, fixturePath string) (executor.Driver, error) {
	if fixturePath != "" {
		drv, err := executor.NewScript(fixturePath)
		if err != nil {
			return nil, fmt.Errorf("load fixture: %w", err)
		}
		return drv, nil
	}
	if cfg.Executor.Endpoint == "" {
		return nil, fmt.Errorf("config.executor.endpoint is required (or pass --fixture)")
	}
	timeout := time.Duration(cfg.Executor.TimeoutSeconds) * time.Second
	return executor.NewRemote(cfg.Executor.Endpoint, timeout), nil
}

// NewLogger builds the process logger from the logging section. The console
// format is for humans at a terminal; json is for collectors.
func NewLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "", "info":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	encoding := format
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case "", "console":
		encoding = "console"
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	case "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapCfg.Build()
}
