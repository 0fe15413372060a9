package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GalaxyXieyu/xhs-runner/internal/broker"
	"github.com/GalaxyXieyu/xhs-runner/internal/config"
	"github.com/GalaxyXieyu/xhs-runner/internal/dataset"
	"github.com/GalaxyXieyu/xhs-runner/internal/db"
	"github.com/GalaxyXieyu/xhs-runner/internal/engine"
	"github.com/GalaxyXieyu/xhs-runner/internal/manager"
	"github.com/GalaxyXieyu/xhs-runner/internal/worker"
)

const brokerBufferSize = 256

// runtime is the in-process task engine shared by serve and mcp.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	db       *db.DB
	broker   *broker.Broker
	script   *engine.ScriptEngine
	recorder *dataset.JSONLRecorder
	manager  *manager.Manager
}

func newEngine(cfg config.Config, logger *slog.Logger) (engine.Engine, *engine.ScriptEngine, error) {
	switch cfg.Engine.Kind {
	case config.EngineRemote:
		return engine.NewRemoteEngine(cfg.Engine.RemoteURL), nil, nil
	default:
		script, err := engine.NewScriptEngine(cfg.Engine.ScriptDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load workflow scripts: %w", err)
		}
		return script, script, nil
	}
}

// openRuntime wires store, broker, engine, worker and manager, then fails any
// task a previous process left unfinished.
func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := database.Init(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, db: database}

	eng, script, err := newEngine(cfg, logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	rt.script = script

	workerOpts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithRecursionLimit(cfg.Engine.RecursionLimit),
	}
	if cfg.Dataset.Enabled {
		rec, err := dataset.NewJSONLRecorder(cfg.Dataset.Path, cfg.Dataset.MaxSize)
		if err != nil {
			database.Close()
			return nil, err
		}
		rt.recorder = rec
		workerOpts = append(workerOpts, worker.WithRecorder(rec))
	}

	rt.broker = broker.New(brokerBufferSize, logger)
	w := worker.NewWorker(database, eng, rt.broker, workerOpts...)
	rt.manager = manager.New(database, w, rt.broker,
		manager.WithLogger(logger),
		manager.WithMaxConcurrent(cfg.Worker.MaxConcurrent),
	)

	if _, err := rt.manager.RecoverInterrupted(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// watchScripts hot-reloads workflow scripts until ctx is done.
func (rt *runtime) watchScripts(ctx context.Context) {
	if rt.script == nil {
		return
	}
	go func() {
		if err := rt.script.Watch(ctx); err != nil {
			rt.logger.Error("script watcher stopped", "err", err)
		}
	}()
}

// Close waits for running workflows to stop before releasing the store.
func (rt *runtime) Close() {
	rt.manager.Close()
	rt.broker.Close()
	if rt.recorder != nil {
		if err := rt.recorder.Close(); err != nil {
			rt.logger.Error("failed to close dataset recorder", "err", err)
		}
	}
	if err := rt.db.Close(); err != nil {
		rt.logger.Error("failed to close database", "err", err)
	}
}
