package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/orator/internal/activity"
	"github.com/loqalabs/orator/internal/analysis"
	"github.com/loqalabs/orator/internal/api"
	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/bus"
	"github.com/loqalabs/orator/internal/config"
	"github.com/loqalabs/orator/internal/evaluation"
	"github.com/loqalabs/orator/internal/lifecycle"
	"github.com/loqalabs/orator/internal/natsserver"
	"github.com/loqalabs/orator/internal/relay"
	"github.com/loqalabs/orator/internal/storage"
	"github.com/loqalabs/orator/internal/store"
	"github.com/loqalabs/orator/internal/telemetry"
	"github.com/loqalabs/orator/internal/transcribe"
)

// eventStream retains lifecycle events published on the bus.
const eventStream = "ORATOR_EVENTS"

var defaultChallenges = []store.Challenge{
	{ID: 1, Title: "Elevator pitch", Description: "Present your project to an investor in under a minute."},
	{ID: 2, Title: "Difficult conversation", Description: "Tell a client that the release date has slipped."},
	{ID: 3, Title: "Self introduction", Description: "Introduce yourself at the start of a job interview."},
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *store.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	activity *activity.Tracker
	relay    *relay.Server
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every service, binds the listener and serves until ctx is
// cancelled. Listener and dependency failures are returned before serving.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.initServices(ctx, metricsHandler)
	if err != nil {
		r.closeServices(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.closeServices(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.store.RunPruner(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("relay_path", r.cfg.Relay.Path))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.closeServices(shutdownCtx)

	return nil
}

func (r *Runtime) initServices(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	cfg := r.cfg

	st, err := store.Open(ctx, cfg.Store, r.logger.With(slog.String("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.store = st
	if err := st.EnsureUser(ctx, cfg.Auth.DefaultUserID, cfg.Auth.DefaultUserEmail, cfg.Auth.SeedCredits); err != nil {
		return nil, fmt.Errorf("seed default user: %w", err)
	}
	if err := st.SeedChallenges(ctx, defaultChallenges); err != nil {
		return nil, fmt.Errorf("seed challenges: %w", err)
	}
	recorder := telemetry.NewRecorder(st, r.logger)

	files, err := storage.NewLocal(cfg.Storage.UploadDir, cfg.Storage.MaxUploadBytes, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	conv, err := audio.NewConverter(cfg.Audio, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init audio converter: %w", err)
	}
	gateway, err := transcribe.NewGateway(cfg.Transcription, conv, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init transcription: %w", err)
	}
	analyzer, err := analysis.New(cfg.Analysis, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init analysis: %w", err)
	}

	if err := r.initBus(ctx); err != nil {
		return nil, err
	}

	pipeline := evaluation.New(st, files, gateway, analyzer, conv, evaluation.Options{
		Language:        cfg.Analysis.Language,
		AnalysisTimeout: time.Duration(cfg.Analysis.Timeout) * time.Millisecond,
		BytesPerSecond:  cfg.Evaluation.EstimateBytesPerSecond,
	}, r.logger)
	controller := lifecycle.NewController(lifecycle.Deps{
		Store:        st,
		Files:        files,
		Evaluator:    pipeline,
		Cleaner:      conv,
		Events:       r.bus,
		Recorder:     recorder,
		DefaultModel: gateway.DefaultModel(),
		Logger:       r.logger,
	})

	r.relay = relay.New(cfg.Relay, func() (relay.Upstream, error) {
		s, err := gateway.Streaming()
		if err != nil {
			return nil, err
		}
		return s, nil
	}, recorder, r.logger)

	apiHandler := api.New(controller, st, gateway, recorder, api.Options{
		UserHeader:     cfg.Auth.UserHeader,
		DefaultUserID:  cfg.Auth.DefaultUserID,
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		TokenTimeout:   time.Duration(cfg.Relay.TokenTimeout) * time.Millisecond,
	}, r.logger)
	if r.activity != nil {
		apiHandler.WithActivity(r.activity)
	}

	recorder.Record(ctx, telemetry.Event{
		Level:    slog.LevelInfo,
		Category: telemetry.CategorySystem,
		Action:   "runtime_started",
		Metadata: map[string]any{
			"environment":   cfg.Environment,
			"batch_driver":  cfg.Transcription.Batch.Driver,
			"stream_driver": cfg.Transcription.Streaming.Driver,
			"analysis_mode": cfg.Analysis.Mode,
		},
	})
	return r.routes(apiHandler, metricsHandler), nil
}

// initBus starts the embedded server when configured and connects the
// publisher. A disabled bus leaves r.bus nil, which drops events.
func (r *Runtime) initBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	maxAge := time.Duration(r.cfg.Store.TelemetryRetentionDays) * 24 * time.Hour
	if err := client.EnsureStream(eventStream, maxAge); err != nil {
		r.logger.Warn("event stream unavailable", slog.String("error", err.Error()))
	}
	tracker, err := activity.NewTracker(ctx, client, time.Duration(busCfg.ActivityTTL)*time.Millisecond, r.logger)
	if err != nil {
		return fmt.Errorf("start activity tracker: %w", err)
	}
	r.activity = tracker
	return nil
}

func (r *Runtime) routes(apiHandler *api.Handler, metricsHandler http.Handler) http.Handler {
	if r.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", gin.WrapF(r.handleHealth))
	engine.GET("/readyz", gin.WrapF(r.handleReady))
	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
	engine.GET(r.cfg.Relay.Path, gin.WrapH(r.relay))
	apiHandler.Register(engine)
	return engine
}

func (r *Runtime) closeServices(ctx context.Context) {
	r.activity.Close()
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if err := r.store.Ping(req.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
