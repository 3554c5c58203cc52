package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dispatch"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"github.com/loqalabs/loqa-dictate/internal/lifecycle"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/status"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Options carry what the binary supplies: its version and the native
// audio and keyboard integrations.
type Options struct {
	Version string
	Device  audio.Device
	Hook    hotkey.KeyHook
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	opts   Options

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	history  *history
	status   *status.Broadcaster
	coord    *lifecycle.Coordinator
	subs     []*nats.Subscription
	gauges   metric.Registration
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
	}
}

// Start brings up telemetry, storage, the bus and the pipeline, then
// serves until ctx is cancelled. Startup failures are returned before
// anything is served.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.opts.Version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/transcripts", r.handleTranscripts)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	if err := r.coord.Start(ctx); err != nil {
		r.shutdownHTTP()
		r.stopServices()
		return fmt.Errorf("start pipeline: %w", err)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	r.shutdownHTTP()
	r.stopServices()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	r.history = newHistory(r.bus, r.store, r.logger)
	r.status = status.NewBroadcaster(r.logger, r.history)

	backend, err := dispatch.NewBackend(r.cfg.Backend, r.logger)
	if err != nil {
		return fmt.Errorf("create transcription backend: %w", err)
	}

	coord, err := lifecycle.New(r.cfg, lifecycle.Deps{
		Device:   r.opts.Device,
		Backend:  backend,
		Status:   r.status,
		Hook:     r.opts.Hook,
		Recorder: r.history,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	r.coord = coord

	if r.bus != nil {
		if err := r.subscribeControl(); err != nil {
			return err
		}
	}
	if err := r.registerGauges(); err != nil {
		r.logger.Warn("failed to register runtime gauges", slogError(err))
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded NATS: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	retention := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureStream(protocol.StreamTranscripts, []string{protocol.SubjectTranscript}, retention); err != nil {
		r.logger.Warn("transcript stream unavailable", slogError(err))
	}
	return nil
}

// stopServices releases everything startServices acquired. Safe to call
// on a partially started runtime.
func (r *Runtime) stopServices() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if r.coord != nil {
		if err := r.coord.Stop(ctx); err != nil {
			r.logger.Error("pipeline stop error", slogError(err))
		}
	}
	if r.gauges != nil {
		_ = r.gauges.Unregister()
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	if r.history != nil {
		r.history.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slogError(err))
		}
	}()
}

func (r *Runtime) shutdownHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) registerGauges() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/runtime")
	running, err := meter.Int64ObservableGauge("loqa.dictate.pipeline.running", metric.WithDescription("1 while the capture pipeline runs"))
	if err != nil {
		return err
	}
	level, err := meter.Float64ObservableGauge("loqa.dictate.input.level", metric.WithDescription("Latest input meter reading"))
	if err != nil {
		return err
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var v int64
		if r.coord.Running() {
			v = 1
		}
		o.ObserveInt64(running, v)
		o.ObserveFloat64(level, r.coord.Level())
		return nil
	}, running, level)
	if err != nil {
		return err
	}
	r.gauges = reg
	return nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
