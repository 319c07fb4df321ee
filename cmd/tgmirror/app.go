package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"tgmirror/internal/copier"
	"tgmirror/internal/driver/telegram"
	"tgmirror/internal/engine"
	"tgmirror/internal/logsink"
	"tgmirror/internal/mapping"
	"tgmirror/internal/metrics"
	"tgmirror/internal/pipeline"
	"tgmirror/internal/ratelimit"
	"tgmirror/internal/statusapi"
	"tgmirror/internal/store"
	"tgmirror/internal/topics"
	"tgmirror/pkg/mirror"
)

// app holds one worker's fully wired mirroring stack.
type app struct {
	cfg      appConfig
	logger   *slog.Logger
	store    *store.Store
	logs     *logsink.Handler
	tracer   *sdktrace.TracerProvider
	registry *prometheus.Registry

	runtime   *telegram.Runtime
	transport *telegram.Transport
	source    *telegram.EventSource
	engine    *engine.Engine
}

func newApp(ctx context.Context, cfg appConfig, logOutput io.Writer) (built *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	base := slog.NewJSONHandler(logOutput, &slog.HandlerOptions{
		Level:       cfg.logLevel,
		ReplaceAttr: logsink.ReplaceLevel,
	})
	baseLogger := slog.New(base)

	if err := ensureDatabaseDir(cfg.databaseDSN); err != nil {
		return nil, err
	}
	a.store, err = store.Open(ctx, cfg.databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.logs, err = logsink.New(base, a.store, cfg.worker,
		logsink.WithFlushInterval(cfg.logFlushInterval),
		logsink.WithBatchSize(cfg.logBatchSize),
		logsink.WithErrorLogger(baseLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("new log sink: %w", err)
	}
	a.logger = slog.New(a.logs).With("worker_id", cfg.worker.ID)
	slog.SetDefault(a.logger)

	if cfg.tracing {
		a.tracer, err = newTracerProvider(cfg.tracingPretty)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(a.tracer)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(a.registry)

	a.runtime, err = telegram.NewRuntime(cfg.telegram, a.logger)
	if err != nil {
		return nil, fmt.Errorf("new telegram runtime: %w", err)
	}
	a.transport, err = a.runtime.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("new telegram transport: %w", err)
	}
	a.source, err = a.runtime.NewEventSource()
	if err != nil {
		return nil, fmt.Errorf("new telegram event source: %w", err)
	}

	policy := ratelimit.New(ratelimit.WithLogger(a.logger), ratelimit.WithMetrics(collector))

	mappings, err := mapping.New(a.store, cfg.worker,
		mapping.WithCapacity(cfg.cacheCapacity),
		mapping.WithLogger(a.logger),
		mapping.WithMetrics(collector),
	)
	if err != nil {
		return nil, fmt.Errorf("new mapping manager: %w", err)
	}
	synchronizer, err := topics.New(a.transport, a.store, cfg.worker,
		topics.WithLogger(a.logger),
		topics.WithIconColor(cfg.topicIconColor),
		topics.WithTopicLimit(cfg.topicLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("new topic synchronizer: %w", err)
	}
	copyEngine, err := copier.New(a.transport, mappings, synchronizer,
		copier.WithBatchSize(cfg.batchSize),
		copier.WithBatchPause(cfg.batchPause),
		copier.WithProgressInterval(cfg.progressInterval),
		copier.WithLogger(a.logger),
		copier.WithMetrics(collector),
		copier.WithRetryPolicy(policy),
	)
	if err != nil {
		return nil, fmt.Errorf("new copy engine: %w", err)
	}
	a.engine, err = engine.New(cfg.worker, a.transport, mappings, synchronizer, copyEngine,
		engine.WithLogger(a.logger),
		engine.WithMetrics(collector),
		engine.WithPreloadLimit(cfg.preloadLimit),
		engine.WithPipelineOptions(pipeline.WithRetryPolicy(policy)),
	)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	if !cfg.source.IsZero() {
		if err := a.engine.BindSource(cfg.source); err != nil {
			return nil, err
		}
	}
	if !cfg.target.IsZero() {
		if err := a.engine.BindTarget(cfg.target); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Close flushes pending log records, then releases tracing and the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.logs != nil {
		if err := a.logs.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close log sink: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	return errors.Join(errs...)
}

// resolveBindings looks up both configured chats through the live session so
// their titles are known and unreachable chats fail before any copy starts.
func (a *app) resolveBindings(ctx context.Context) error {
	session := a.engine.Session()
	source, target := session.Source(), session.Target()
	if source.IsZero() || target.IsZero() {
		return fmt.Errorf("configure mirror.source and mirror.target: %w", mirror.ErrNotBound)
	}

	resolvedSource, err := a.transport.Resolve(ctx, source)
	if err != nil {
		return fmt.Errorf("resolve source chat %d: %w", source.ID, err)
	}
	resolvedTarget, err := a.transport.Resolve(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve target chat %d: %w", target.ID, err)
	}
	if err := a.transport.CheckWritable(ctx, resolvedTarget); err != nil {
		return fmt.Errorf("target chat %d is not writable: %w", target.ID, err)
	}
	if err := a.engine.BindSource(resolvedSource); err != nil {
		return err
	}

	return a.engine.BindTarget(resolvedTarget)
}

// runMirror performs the initial copy and mirrors live changes until ctx ends.
func (a *app) runMirror(ctx context.Context) error {
	return a.runtime.Run(ctx, func(runCtx context.Context) error {
		if err := a.resolveBindings(runCtx); err != nil {
			return err
		}

		group, groupCtx := errgroup.WithContext(runCtx)
		group.Go(func() error {
			return a.source.Consume(groupCtx, a.engine.Handle)
		})
		if a.cfg.statusAddr != "" {
			server, err := statusapi.New(a.engine,
				statusapi.WithLogger(a.logger),
				statusapi.WithPinger(a.store),
				statusapi.WithGatherer(a.registry),
			)
			if err != nil {
				return fmt.Errorf("new status server: %w", err)
			}
			group.Go(func() error {
				return server.Run(groupCtx, a.cfg.statusAddr)
			})
		}
		group.Go(func() error {
			result, err := a.engine.Start(groupCtx)
			if err != nil {
				if groupCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("start mirroring: %w", err)
			}
			a.logger.InfoContext(groupCtx, "live mirroring running",
				"copied", result.Copy.Copied,
				"failed", result.Copy.Failed,
				"preloaded", result.Preloaded,
				"topics", result.Topics,
			)

			<-groupCtx.Done()
			if err := a.engine.Stop(); err != nil && !errors.Is(err, mirror.ErrNotActive) {
				return err
			}
			return nil
		})

		return group.Wait()
	})
}

// runCopy bulk-copies history from fromID while draining live updates.
func (a *app) runCopy(ctx context.Context, fromID int) (copier.Result, error) {
	var result copier.Result
	err := a.runtime.Run(ctx, func(runCtx context.Context) error {
		if err := a.resolveBindings(runCtx); err != nil {
			return err
		}

		group, groupCtx := errgroup.WithContext(runCtx)
		drainCtx, stopDrain := context.WithCancel(groupCtx)
		group.Go(func() error {
			return a.source.Consume(drainCtx, a.engine.Handle)
		})
		group.Go(func() error {
			defer stopDrain()

			copied, err := a.engine.Copy(groupCtx, fromID, a.reportProgress)
			result = copied
			return err
		})

		return group.Wait()
	})

	return result, err
}

// cloneTarget creates a supergroup mirroring the source's title and
// description and binds it as the target.
func (a *app) cloneTarget(ctx context.Context) (mirror.ChatRef, error) {
	source := a.engine.Session().Source()
	if source.IsZero() {
		return mirror.ChatRef{}, fmt.Errorf("configure mirror.source: %w", mirror.ErrNotBound)
	}

	var clone mirror.ChatRef
	err := a.runtime.Run(ctx, func(runCtx context.Context) error {
		created, err := a.transport.CloneChat(runCtx, source)
		if err != nil {
			return fmt.Errorf("clone source chat %d: %w", source.ID, err)
		}
		clone = created
		return a.engine.BindTarget(created)
	})
	if err != nil {
		return mirror.ChatRef{}, err
	}

	a.logger.Log(ctx, logsink.LevelSuccess, fmt.Sprintf("target group created: %s", clone),
		"source_chat_id", source.ID,
		"target_chat_id", clone.ID,
	)

	return clone, nil
}

// listDialogs returns every chat the logged-in account can mirror from or to.
func (a *app) listDialogs(ctx context.Context) ([]telegram.Dialog, error) {
	var dialogs []telegram.Dialog
	err := a.runtime.Run(ctx, func(runCtx context.Context) error {
		listed, err := a.transport.Dialogs(runCtx)
		dialogs = listed
		return err
	})

	return dialogs, err
}

func (a *app) reportProgress(ctx context.Context, progress copier.Progress) error {
	a.logger.InfoContext(ctx, "copy progress",
		"run_id", progress.RunID,
		"mode", progress.Mode,
		"copied", progress.Copied,
	)

	return nil
}

func newTracerProvider(pretty bool) (*sdktrace.TracerProvider, error) {
	options := []stdouttrace.Option{stdouttrace.WithWriter(os.Stderr)}
	if pretty {
		options = append(options, stdouttrace.WithPrettyPrint())
	}

	exporter, err := stdouttrace.New(options...)
	if err != nil {
		return nil, fmt.Errorf("new stdout trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

// ensureDatabaseDir creates the parent directory of a plain SQLite file path.
func ensureDatabaseDir(dsn string) error {
	if store.DialectForDSN(dsn) != store.DialectSQLite {
		return nil
	}
	if strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}

	return nil
}
