package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"curio/internal/auth"
	"curio/internal/billing"
	"curio/internal/cloudapi"
	"curio/internal/config"
	"curio/internal/entitlements"
	"curio/internal/notify"
	"curio/internal/observability"
	"curio/internal/store"
)

type App struct {
	Config       config.Config
	Store        *store.Store
	Notifier     *notify.Notifier
	Observer     *observability.EntitlementObserver
	Entitlements *entitlements.Service
	Reconciler   *billing.Reconciler
	Normalizer   *billing.Normalizer
	Billing      *billing.Client
	Handler      *cloudapi.Handler
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, st.DB()); err != nil {
		return nil, err
	}

	var notifier *notify.Notifier
	if cfg.Redis.URL != "" {
		notifier, err = notify.New(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
	}

	observer := observability.NewEntitlementObserver(log.Default())
	entSvc := entitlements.NewService(cfg, st, observer)
	client := billing.NewClient(cfg)
	reconciler := billing.NewReconciler(st, client, observer)
	normalizer := billing.NewNormalizer(cfg, st, reconciler, observer)

	// Every durable write invalidates the read cache and pokes the push
	// channel so watchers re-read.
	onChange := func(ctx context.Context, userID string) {
		entSvc.Invalidate(userID)
		if notifier != nil {
			if err := notifier.PublishChange(ctx, userID); err != nil {
				log.Printf("notify publish failed user_id=%s err=%v", userID, err)
			}
		}
	}
	reconciler.OnChange = onChange
	entSvc.OnChange = onChange

	authSvc := auth.NewService(cfg)
	handler := cloudapi.NewHandler(cfg, st, authSvc, entSvc, normalizer, client, reconciler)

	return &App{
		Config:       cfg,
		Store:        st,
		Notifier:     notifier,
		Observer:     observer,
		Entitlements: entSvc,
		Reconciler:   reconciler,
		Normalizer:   normalizer,
		Billing:      client,
		Handler:      handler,
	}, nil
}

func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.Notifier != nil {
		_ = a.Notifier.Close()
	}
	return err
}

func (a *App) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if a.Notifier != nil {
			if err := a.Notifier.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	a.Handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
