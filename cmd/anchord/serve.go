package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chunkanchor.ai/internal/anchor"
	"chunkanchor.ai/internal/config"
	"chunkanchor.ai/internal/host"
	"chunkanchor.ai/internal/logging"
	persistlog "chunkanchor.ai/internal/persistence/log"
	"chunkanchor.ai/internal/persistence/r2s3"
	"chunkanchor.ai/internal/residency"
	"chunkanchor.ai/internal/service"
	"chunkanchor.ai/internal/transport/ws"
	"chunkanchor.ai/internal/visualize"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the anchor service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, warns := config.LoadWithFallback(configPath)
		if listenAddr != "" {
			cfg.Listen = listenAddr
		}
		logger := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
		for _, w := range warns {
			logger.Warn().Str("field", w.Field).Str("value", w.Value).Str("using", w.Used).Msg("invalid config value")
		}

		d, err := newDaemon(cfg, logger)
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return d.Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "http listen address (overrides config listen)")
}

// daemon is the wired process: one store, one controller and the
// transports around them.
type daemon struct {
	cfg      config.Config
	log      zerolog.Logger
	persist  persister
	mirror   *r2s3.Mirror
	audit    *persistlog.ResidencyLogger
	store    *anchor.Store
	worlds   *host.Worlds
	ctl      *residency.Controller
	presence *host.Presence
	svc      *service.Service
	started  time.Time
}

func newDaemon(cfg config.Config, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, log: logger, started: time.Now()}

	mirror, err := buildMirror(cfg.Offsite, logging.Component(logger, "offsite"))
	if err != nil {
		return nil, err
	}
	d.mirror = mirror

	p, err := openPersister(cfg.Storage, mirror, logging.Component(logger, "persistence"))
	if err != nil {
		mirror.Close()
		return nil, err
	}
	d.persist = p

	d.store, err = anchor.Open(cfg.Limit, p, logging.Component(logger, "store"))
	if err != nil {
		_ = p.Close()
		mirror.Close()
		return nil, err
	}

	d.worlds = host.NewWorlds(cfg.Worlds...)

	var opts []residency.Option
	if cfg.Audit.Dir != "" {
		d.audit = persistlog.NewResidencyLoggerWithOptions(cfg.Audit.Dir, logging.Component(logger, "audit"),
			persistlog.LoggerOptions{OnClose: mirror.Enqueue})
		opts = append(opts, residency.WithObserver(d.audit))
	}
	d.ctl = residency.New(d.worlds, d.store, residency.Config{
		ChunkRadius:   cfg.ChunkRadius,
		DefaultPolicy: cfg.DefaultPolicy,
	}, logging.Component(logger, "residency"), opts...)
	d.presence = host.NewPresence(d.ctl.OnPresenceArrived, d.ctl.OnPresenceDeparted)

	viz := visualize.New(d.store, cfg.ChunkRadius, cfg.ShowDuration(), cfg.ShowInterval(), d.worlds.IsLoaded, logging.Component(logger, "visualize"))
	d.svc = service.New(d.store, d.ctl, viz, logging.Component(logger, "service"))

	d.ctl.ActivateAlways()
	d.log.Info().
		Int("owners", len(d.store.ListAll())).
		Int("resident", len(d.ctl.Resident())).
		Str("default_policy", string(cfg.DefaultPolicy)).
		Int("chunk_radius", cfg.ChunkRadius).
		Msg("anchors loaded")
	return d, nil
}

func (d *daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/status", d.handleStatus)
	mux.HandleFunc("/v1/ws", ws.NewServer(d.svc, d.presence, logging.Component(d.log, "ws")).Handler())
	return mux
}

type statusResponse struct {
	UptimeSeconds  int64       `json:"uptime_seconds"`
	Limit          int         `json:"limit"`
	ChunkRadius    int         `json:"chunk_radius"`
	DefaultPolicy  string      `json:"default_policy"`
	OnlineOwners   int         `json:"online_owners"`
	PresenceLoaded bool        `json:"presence_loaded"`
	Owners         int         `json:"owners"`
	Anchors        int         `json:"anchors"`
	Resident       []string    `json:"resident"`
	Tickets        int         `json:"tickets"`
	LastSaveError  string      `json:"last_save_error,omitempty"`
	Offsite        *r2s3.Stats `json:"offsite,omitempty"`
}

func (d *daemon) status() statusResponse {
	snap := d.store.ListAll()
	resident := d.ctl.Resident()
	keys := make([]string, 0, len(resident))
	for _, k := range resident {
		keys = append(keys, k.String())
	}
	st := statusResponse{
		UptimeSeconds:  int64(time.Since(d.started).Seconds()),
		Limit:          d.store.Limit(),
		ChunkRadius:    d.ctl.ChunkRadius(),
		DefaultPolicy:  string(d.ctl.DefaultPolicy()),
		OnlineOwners:   d.presence.Count(),
		PresenceLoaded: d.ctl.PresenceLoaded(),
		Owners:         len(snap),
		Anchors:        snap.Len(),
		Resident:       keys,
		Tickets:        d.worlds.TotalTickets(),
	}
	if err := d.store.LastSaveError(); err != nil {
		st.LastSaveError = err.Error()
	}
	if d.mirror != nil {
		ms := d.mirror.Stats()
		st.Offsite = &ms
	}
	return st
}

func (d *daemon) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(d.status())
}

// Serve blocks until ctx is done, then shuts the http server down and
// releases every held region.
func (d *daemon) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.Listen,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.log.Info().Str("addr", d.cfg.Listen).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx2)
	d.log.Info().Msg("shutting down")
	return nil
}

// Close releases all residency and closes the persistence backends. It is
// safe to call once after Serve returns.
func (d *daemon) Close() {
	d.ctl.ReleaseAll()
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close audit log")
		}
	}
	d.mirror.Close()
	if err := d.persist.Close(); err != nil {
		d.log.Warn().Err(err).Msg("close persistence")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
