// cmd/gateway-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaygate/internal/authtoken"
	"relaygate/internal/gateway"
	"relaygate/internal/oauth"
	"relaygate/internal/provider"
	"relaygate/internal/provider/custom"
	"relaygate/internal/provider/drive"
	"relaygate/internal/provider/onedrive"
	"relaygate/internal/relay"
	"relaygate/pkg/config"
	"relaygate/pkg/db"
	"relaygate/pkg/logger"
	"relaygate/pkg/middleware"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	if cfg.TokenSecret == "" || cfg.StateSecret == "" {
		log.Fatalw("TOKEN_SECRET and STATE_SECRET must be set")
	}

	codec, err := authtoken.NewCodec(cfg.TokenSecret)
	if err != nil {
		log.Fatalw("token codec", "err", err)
	}
	signer, err := oauth.NewSigner(cfg.StateSecret, cfg.StateTTL)
	if err != nil {
		log.Fatalw("state signer", "err", err)
	}

	shutdownCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	adapters := []provider.Adapter{
		drive.New(drive.Options{
			ClientID:     cfg.DriveClientID,
			ClientSecret: cfg.DriveClientSecret,
			RedirectURL:  cfg.BasePublicURL + "/drive/callback",
			Timeout:      cfg.UpstreamTimeout,
			Log:          log,
		}),
		onedrive.New(onedrive.Options{
			ClientID:     cfg.OneDriveClientID,
			ClientSecret: cfg.OneDriveClientSecret,
			RedirectURL:  cfg.BasePublicURL + "/onedrive/callback",
			Timeout:      cfg.UpstreamTimeout,
			Log:          log,
		}),
	}
	if cfg.ProvidersFile != "" {
		defs, err := custom.LoadFile(cfg.ProvidersFile)
		if err != nil {
			log.Fatalw("provider definitions", "err", err)
		}
		for _, def := range defs {
			a, err := custom.New(def, cfg.BasePublicURL+"/"+def.Name+"/callback", cfg.UpstreamTimeout, log)
			if err != nil {
				log.Fatalw("provider definition", "name", def.Name, "err", err)
			}
			adapters = append(adapters, a)
		}
	}
	reg := provider.NewRegistry(adapters...)
	log.Infow("providers registered", "names", reg.Names())

	var states oauth.StateStore
	if rdb := db.MustRedis(cfg, log); rdb != nil {
		states = oauth.NewRedisStore(rdb)
	} else {
		log.Infow("no REDIS_URL set, pending OAuth states kept in memory")
		states = oauth.NewMemoryStore(shutdownCtx)
	}

	var jobs relay.JobStore
	if pool := db.MustConnect(cfg, log); pool != nil {
		if err := relay.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		jobs = relay.NewPostgresJobs(pool, log)
	} else {
		log.Infow("no DATABASE_URL set, transfer jobs kept in memory")
		jobs = relay.NewMemoryJobs()
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bridge := oauth.NewBridge(signer, states, oauth.HTTPBroker{Base: cfg.BrokerBaseURL}, reg, cfg.StateTTL, log)
	rl := relay.New(reg, jobs, map[string]relay.Destination{
		"tus": relay.NewTusDestination(nil),
	}, cfg.MaxTransfers, log, prom)

	h := gateway.NewHandler(cfg, codec, reg, bridge, rl, jobs, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.DebugWriteHeader(log))
	r.Use(middleware.Tracing())
	r.Use(middleware.Identity(cfg.BasePublicURL))
	r.Use(middleware.Metrics(prom))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.HandlerFor(prom, promhttp.HandlerOpts{}).ServeHTTP)
	h.Routes(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("gateway-service listening", "addr", cfg.HTTPAddr, "base", cfg.BasePublicURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	rl.Shutdown()
	fmt.Println("gateway-service stopped")
}
