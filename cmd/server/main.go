package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bank-ledger/internal/config"
	"bank-ledger/internal/httpapi"
	"bank-ledger/internal/ledger"
	"bank-ledger/internal/social"
	"bank-ledger/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

// backend is what the server needs from a storage choice.
type backend struct {
	accounts ledger.AccountStore
	owners   ledger.OwnerResolver
	friends  ledger.FriendResolver
	dir      httpapi.Directory
	close    func()
}

func main() {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("[startup] config", "error", err)
		os.Exit(1)
	}
	log := cfg.NewLogger(os.Stdout)
	slog.SetDefault(log)

	log.Info("[startup] begin", "addr", cfg.HTTPAddr, "store", cfg.Store, "migrate", cfg.DBMigrate)

	// Startup context
	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	be, err := openBackend(startCtx, cfg, log)
	if err != nil {
		log.Error("[startup] storage", "error", err)
		os.Exit(1)
	}
	defer be.close()

	eng := ledger.New(be.accounts, be.owners, be.friends, ledger.Config{
		LockTimeout:   cfg.LockTimeout,
		CreditRetries: cfg.CreditRetries,
		Logger:        log,
	})
	h := httpapi.NewHandlers(eng, be.dir, log)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, cfg.HTTPMaxInflight),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Info("[startup] ready",
		"elapsed", time.Since(start).Truncate(time.Millisecond).String(),
		"addr", cfg.HTTPAddr,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("[shutdown] signal received, draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("[shutdown] incomplete", "error", err)
		}
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	if cfg.Store == config.StoreMemory {
		log.Info("[startup] using in-memory store; state is lost on exit")
		dir := social.NewDirectory()
		return &backend{
			accounts: store.NewMemory(),
			owners:   dir,
			friends:  dir,
			dir:      dir,
			close:    func() {},
		}, nil
	}

	log.Info("[startup] parsing DB config", "max_conns", cfg.DBMaxConns)
	pcfg, err := pgxpool.ParseConfig(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = int32(cfg.DBMaxConns)
	pcfg.MinConns = 1
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	log.Info("[startup] connecting to DB")
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	log.Info("[startup] ping DB")
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.DBMigrate {
		log.Info("[startup] running migrations")
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("[startup] migrations complete")
	} else {
		log.Info("[startup] migrations disabled")
	}

	st := store.New(pool)
	return &backend{
		accounts: st,
		owners:   st,
		friends:  st,
		dir:      st,
		close:    pool.Close,
	}, nil
}
