// Package agent runs the learner's local process: the on-device store, the
// outbox syncer, the connectivity poller and the local HTTP API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-co-op/gocron"

	"github.com/mind-engage/nihongo/internal/config"
	"github.com/mind-engage/nihongo/internal/content"
	"github.com/mind-engage/nihongo/internal/romaji"
	"github.com/mind-engage/nihongo/internal/storage"
	"github.com/mind-engage/nihongo/pkg/offline-progress/httpchi"
	"github.com/mind-engage/nihongo/pkg/offline-progress/progress"
	"github.com/mind-engage/nihongo/pkg/offline-progress/sqlstore"
	"github.com/mind-engage/nihongo/pkg/offline-progress/synchttp"
)

// Options override what New would build from the config. Tests use them to
// swap in a fake remote and a fixed clock.
type Options struct {
	Remote  progress.Remote
	Catalog *content.Catalog
	Now     progress.Clock
}

type Agent struct {
	Config   config.Agent
	Store    *sqlstore.Store
	Tracker  *progress.Tracker
	Syncer   *progress.Syncer
	Conn     *progress.Connectivity
	Catalog  *content.Catalog
	Romaji   romaji.Converter
	Settings *SettingsWriter
	Backups  *Backups

	kick chan struct{}
}

func New(ctx context.Context, cfg config.Agent, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	resolve, err := progress.ResolverByName(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("data dir: %w", err)
		}
	}
	st, err := sqlstore.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	remote := opts.Remote
	if remote == nil {
		remote, err = synchttp.New(synchttp.Config{
			BaseURL: cfg.ServerURL,
			Token:   cfg.Token,
			Timeout: cfg.RequestTimeout,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	cat := opts.Catalog
	if cat == nil {
		if cat, err = content.Default(); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	blobs, err := storage.NewFSStore(cfg.BackupDir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("backup dir: %w", err)
	}

	conn := progress.NewConnectivity(cfg.FailureThreshold, now)
	syncer := progress.New(st, remote, conn, now)
	syncer.ClientID = cfg.ClientID
	syncer.MaxRetries = cfg.MaxRetries
	syncer.MaxBatch = cfg.MaxBatch
	syncer.Resolve = resolve

	a := &Agent{
		Config:  cfg,
		Store:   st,
		Tracker: progress.NewTracker(st, now),
		Syncer:  syncer,
		Conn:    conn,
		Catalog: cat,
		Romaji:  romaji.Cached{Next: romaji.NewKanaConverter(cat.KanaTable()), KV: st},
		Backups: &Backups{Store: st, Blobs: blobs, Now: now},
		kick:    make(chan struct{}, 1),
	}
	a.Settings = NewSettingsWriter(st, syncer, cfg.SettingsDebounce)
	a.Settings.Timeout = cfg.RequestTimeout

	a.Tracker.OnWrite = func(progress.Item) {
		if a.Conn.Online() {
			a.Kick()
		}
	}
	a.Conn.OnChange(func(online bool) {
		log.Printf("agent: connectivity online=%v", online)
		if online {
			a.Kick()
		}
	})
	return a, nil
}

func (a *Agent) Close() error {
	return a.Store.Close()
}

// Kick asks the loop for a sync round. Kicks coalesce while one is queued.
func (a *Agent) Kick() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Levels reports the unlock state of every catalog level from local progress.
func (a *Agent) Levels(ctx context.Context) (any, error) {
	items, err := a.Tracker.Section(ctx, content.WordsSection)
	if err != nil {
		return nil, err
	}
	return a.Catalog.Unlocks(items), nil
}

func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	api := &httpchi.API{
		Tracker:  a.Tracker,
		Syncer:   a.Syncer,
		Settings: a.Settings,
		Romaji:   a.Romaji,
		Backups:  a.Backups,
		Levels:   a.Levels,
	}
	api.Routes(r)
	return r
}

// Run starts the background loops and serves the local API until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if a.Config.HydrateOnStart {
		a.hydrate(ctx)
	}

	sched, err := a.schedule(ctx)
	if err != nil {
		return err
	}
	sched.StartAsync()
	defer sched.Stop()

	go a.loop(ctx)

	srv := &http.Server{
		Addr:              a.Config.Listen,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("agent: listening on %s (server=%s)", a.Config.Listen, a.Config.ServerURL)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Settings.Flush(shutdownCtx); err != nil && !errors.Is(err, progress.ErrOffline) {
		log.Printf("agent: flush settings: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// schedule registers the periodic retry round and, when configured, backups.
func (a *Agent) schedule(ctx context.Context) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	if _, err := s.Every(a.Config.RetryInterval).SingletonMode().Do(a.round, ctx, "retry"); err != nil {
		return nil, fmt.Errorf("schedule retry: %w", err)
	}
	if a.Config.BackupInterval > 0 {
		_, err := s.Every(a.Config.BackupInterval).WaitForSchedule().SingletonMode().Do(func() {
			key, err := a.Backups.Backup(ctx)
			if err != nil {
				log.Printf("agent: backup: %v", err)
				return
			}
			log.Printf("agent: backup written to %s", key)
		})
		if err != nil {
			return nil, fmt.Errorf("schedule backup: %w", err)
		}
	}
	return s, nil
}

// loop probes the endpoint every PollInterval and runs kicked rounds.
func (a *Agent) loop(ctx context.Context) {
	t := time.NewTicker(a.Config.PollInterval)
	defer t.Stop()
	a.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.probe(ctx)
		case <-a.kick:
			a.round(ctx, "kick")
		}
	}
}

func (a *Agent) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, a.Config.RequestTimeout)
	defer cancel()
	_ = a.Syncer.Probe(pctx)
}

// round runs one outbox round and pushes settings left dirty by an earlier
// offline save.
func (a *Agent) round(ctx context.Context, why string) {
	if ctx.Err() != nil || !a.Conn.Online() {
		return
	}
	res, err := a.Syncer.SyncPending(ctx)
	switch {
	case errors.Is(err, progress.ErrSyncInProgress), errors.Is(err, progress.ErrOffline):
		return
	case err != nil:
		log.Printf("agent: %s sync: %v", why, err)
		return
	}
	if res.Sent > 0 {
		log.Printf("agent: %s sync batch=%s sent=%d synced=%d failed=%d conflicts=%d",
			why, res.BatchID, res.Sent, res.Synced, res.Failed, res.Conflicts)
	}
	if err := a.Settings.Flush(ctx); err != nil && !errors.Is(err, progress.ErrOffline) {
		log.Printf("agent: push settings: %v", err)
	}
}

func (a *Agent) hydrate(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, a.Config.RequestTimeout)
	defer cancel()
	if err := a.Syncer.Probe(hctx); err != nil {
		log.Printf("agent: hydrate skipped, server unreachable: %v", err)
		return
	}
	n, err := a.Syncer.Hydrate(hctx)
	if err != nil {
		log.Printf("agent: hydrate: %v", err)
		return
	}
	log.Printf("agent: hydrated %d records", n)
}
