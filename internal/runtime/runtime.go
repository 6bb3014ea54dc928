package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/bus"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/config"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/eventstore"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/natsserver"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/observe"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/playback"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/presence"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/speaker"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/studio"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/tts"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/voice"
)

// Version is advertised to bus peers.
var Version = "dev"

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	closers  []func()
	bus      *bus.Client
	bridge   *studio.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP until ctx is done and then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	handler, err := r.build(ctx, metrics)
	defer r.close()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle("/", handler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("public_url", r.cfg.HTTP.PublicURL),
		slog.String("backend_shape", r.cfg.Backend.Shape))

	return g.Wait()
}

// build creates the studio and its collaborators and returns the API
// handler. Cleanup functions are queued on r.closers even on error.
func (r *Runtime) build(ctx context.Context, metrics *observe.Metrics) (http.Handler, error) {
	cfg := r.cfg

	blobs := media.NewBlobStore(cfg.HTTP.PublicURL)
	blobs.OnLiveChange(metrics.BlobDelta)
	resolver := media.NewResolver(blobs, nil)

	client, err := tts.New(cfg.Backend.BaseURL,
		tts.WithShape(tts.Shape(cfg.Backend.Shape)),
		tts.WithToken(cfg.Backend.Token),
		tts.WithTimeout(time.Duration(cfg.Backend.TimeoutMS)*time.Millisecond),
		tts.WithBlobs(blobs),
		tts.WithLogger(r.logger),
	)
	if err != nil {
		return nil, err
	}

	var lister voice.Lister
	if cfg.Catalog.Remote && client.Shape() == tts.ShapeFunction {
		lister = client
	}
	voices := voice.NewLoader(lister, r.logger)
	voices.Refresh(ctx)

	element := r.element(resolver)
	tracker := playback.New(element,
		playback.WithLogger(r.logger),
		playback.WithInitialVolume(cfg.Playback.InitialVolume),
		playback.WithStaleHook(func(ev playback.Event) {
			metrics.RecordStaleEvent(context.Background(), ev.Kind.String())
		}),
	)
	r.closers = append(r.closers, tracker.Dispose)

	history, err := eventstore.Open(ctx, cfg.History, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	r.closers = append(r.closers, func() {
		if err := history.Close(); err != nil {
			r.logger.Warn("history close error", slogError(err))
		}
	})

	opts := []studio.Option{
		studio.WithHistory(history),
		studio.WithMetrics(metrics),
		studio.WithLogger(r.logger),
		studio.WithShape(cfg.Backend.Shape),
	}
	if err := r.connectBus(ctx); err != nil {
		return nil, err
	}
	if r.bus != nil {
		opts = append(opts, studio.WithPublisher(r.bus))
	}
	st := studio.New(client, voices, tracker, opts...)

	if r.bus != nil {
		r.bridge = studio.NewService(ctx, r.bus, st, r.logger)
		if err := r.bridge.Start(); err != nil {
			return nil, fmt.Errorf("start studio bridge: %w", err)
		}
		r.closers = append(r.closers, r.bridge.Close)

		r.presence, err = presence.Start(ctx, cfg.Bus, r.bus, presence.Local{
			BackendShape: cfg.Backend.Shape,
			Version:      Version,
			Describe: func() (string, int) {
				c := st.Voices()
				return string(c.Source()), c.Len()
			},
			Busy: st.Busy,
		}, otel.Meter("github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/presence"), r.logger)
		if err != nil {
			return nil, fmt.Errorf("start presence: %w", err)
		}
		r.closers = append(r.closers, r.presence.Close)
	}

	mux := http.NewServeMux()
	a := &api{
		studio:      st,
		blobs:       blobs,
		fetch:       resolver,
		downloadDir: cfg.Playback.DownloadDir,
		logger:      r.logger.With(slog.String("component", "api")),
	}
	if r.presence != nil {
		a.peers = r.presence
	}
	a.register(mux)
	return mux, nil
}

// element picks the media primitive. A speaker that cannot initialise falls
// back to the headless clock.
func (r *Runtime) element(fetch media.Fetcher) playback.Element {
	interval := time.Duration(r.cfg.Playback.UpdateIntervalMS) * time.Millisecond
	if r.cfg.Playback.Output == config.OutputSpeaker {
		spk := speaker.New(fetch, speaker.Config{
			FramesPerBuffer: r.cfg.Playback.FramesPerBuffer,
			UpdateInterval:  interval,
		}, r.logger)
		if err := spk.Init(); err != nil {
			r.logger.Warn("audio output unavailable, using headless clock", slogError(err))
			return playback.NewClockElement(fetch, interval, r.logger)
		}
		r.closers = append(r.closers, func() {
			if err := spk.Close(); err != nil {
				r.logger.Warn("speaker close error", slogError(err))
			}
		})
		return spk
	}
	return playback.NewClockElement(fetch, interval, r.logger)
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if !busCfg.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		r.closers = append(r.closers, embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	r.closers = append(r.closers, client.Close)
	return nil
}

// close runs the queued cleanups in reverse order.
func (r *Runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) busHealthy() bool {
	if r.bus == nil {
		return true
	}
	return r.bus.Healthy() && r.bridge.Healthy() && r.presence.Healthy()
}
