package acquirer

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/simplifysolutions/payment-moneris/internal/gateway"
	"github.com/simplifysolutions/payment-moneris/internal/lock"
	"github.com/simplifysolutions/payment-moneris/internal/middleware"
	"github.com/simplifysolutions/payment-moneris/internal/rest"
	"github.com/simplifysolutions/payment-moneris/internal/stamp"
	"golang.org/x/exp/slog"
)

// App is the main application, it contains all the components of the acquirer service
// and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config

	Repository *Repository
	db         *sql.DB
	redisLock  *lock.Redis
	poller     *Poller
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "moneris"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	if err := a.start(); err != nil {
		a.release()
		return err
	}
	return nil
}

func (a *App) start() error {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(chimw.Recoverer)

	repository, err := a.openRepository()
	if err != nil {
		return err
	}
	a.Repository = repository

	if a.config.StampTZ != "" {
		if loc, err := time.LoadLocation(a.config.StampTZ); err == nil {
			stamp.SetDefaultLocation(loc)
		} else {
			a.logger.Info("invalid StampTZ; using default UTC", slog.String("tz", a.config.StampTZ), slog.Any("err", err))
		}
	}

	var locker lock.Locker = lock.NewMem()
	if a.config.Redis.Addr != "" {
		rl := lock.NewRedis(a.config.Redis.Addr, a.config.Redis.Password, a.config.Redis.DB)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rl.Ping(ctx)
		cancel()
		if err != nil {
			rl.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		a.redisLock = rl
		locker = rl
	}

	deps := Dependencies{
		Transactions: repository,
		Acquirers:    NewConfigAcquirers(a.config.Acquirers),
		Verifier:     gateway.NewVerifier(a.logger, a.config.Gateway, nil),
		Locker:       locker,
	}
	for _, acq := range a.config.Acquirers {
		if acq.APIEnabled {
			deps.REST = rest.New(a.logger, a.config.REST, nil)
			break
		}
	}
	svc := NewService(a.logger, a.config, deps)

	if deps.REST != nil && a.config.PollInterval > 0 {
		poller, err := NewPoller(a.logger, svc, a.config.PollInterval)
		if err != nil {
			return fmt.Errorf("creating poller: %w", err)
		}
		poller.Start()
		a.poller = poller
	}

	api := NewAPI(a.logger, svc)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if a.redisLock != nil {
			if err := a.redisLock.Ping(ctx); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// openRepository picks the storage backend from REPO_BACKEND (pg or mem).
func (a *App) openRepository() (*Repository, error) {
	backend := getenv("REPO_BACKEND", "pg")
	switch backend {
	case "pg":
		dsn := getenv("DB_DSN", "")
		if dsn == "" {
			return nil, fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.db = db
		return NewPGRepository(db), nil
	case "mem":
		a.logger.Warn("using in-memory repository; transactions are lost on restart")
		return NewRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", backend)
	}
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	if a.srv != nil {
		a.srv.Shutdown(context.Background())
	}

	a.wg.Wait()
	a.release()

	a.logger.Info("app stopped")
}

// release stops the poller and closes the redis and database clients that Start
// opened. It is safe to call more than once.
func (a *App) release() {
	if a.poller != nil {
		if err := a.poller.Shutdown(); err != nil {
			a.logger.Error("stopping poller", "err", err)
		}
		a.poller = nil
	}
	if a.redisLock != nil {
		if err := a.redisLock.Close(); err != nil {
			a.logger.Error("closing redis", "err", err)
		}
		a.redisLock = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("closing db", "err", err)
		}
		a.db = nil
	}
}
