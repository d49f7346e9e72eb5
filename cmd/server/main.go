package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hivetrade/shares-engine/internal/config"
	"github.com/hivetrade/shares-engine/internal/curve"
	"github.com/hivetrade/shares-engine/internal/engine"
	"github.com/hivetrade/shares-engine/internal/event"
	"github.com/hivetrade/shares-engine/internal/factory"
	"github.com/hivetrade/shares-engine/internal/metrics"
	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/signer"
	"github.com/hivetrade/shares-engine/internal/store"
	"github.com/hivetrade/shares-engine/internal/token"
	"github.com/hivetrade/shares-engine/internal/venue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Settlement, collectibles, roles ---
	// In-process development collaborators. A production deployment swaps
	// these for adapters to the external asset systems.
	vault := token.NewVault()
	items := token.NewItemRegistry()
	roles := token.NewRoleTable()
	admin := model.Address(cfg.AdminAddress)
	roles.Grant(admin, token.RoleAdmin|token.RoleRegistrar)

	// --- Audit feed ---
	feed := event.NewFeed()

	// --- Factory with the standard template ---
	factoryAddr := model.NewInstanceAddress("fct")
	f := factory.New(factory.Config{
		Address: factoryAddr,
		Admin:   admin,
		Domain: signer.Domain{
			Name:    cfg.DomainName,
			Version: cfg.DomainVersion,
			ChainID: cfg.DomainChainID,
			Factory: factoryAddr,
		},
		Settlement:  engine.NewNativeSettlement(vault),
		Bank:        vault,
		Collectible: items,
		Roles:       roles,
		Feed:        feed,
	})

	unitPrice, ok := new(big.Int).SetString(cfg.CurveUnitPrice, 10)
	if !ok {
		slog.Error("invalid curve_unit_price", "value", cfg.CurveUnitPrice)
		os.Exit(1)
	}
	crv, err := curve.New(curve.Config{
		UnitPrice: unitPrice,
		Scale:     big.NewInt(cfg.CurveScale),
		Shift:     big.NewInt(cfg.CurveShift),
	})
	if err != nil {
		slog.Error("invalid curve config", "err", err)
		os.Exit(1)
	}
	if err := f.AddTemplate(admin, factory.Template{
		Name:  "standard",
		Curve: crv,
		Fees: model.FeeConfig{
			ProtocolDestination: model.Address(cfg.ProtocolDest),
			ProtocolPercent:     feePct(cfg.ProtocolFeePct),
			HoldersPercent:      feePct(cfg.HoldersFeePct),
			SubjectPercent:      feePct(cfg.SubjectFeePct),
		},
		WithLedger: true,
	}); err != nil {
		slog.Error("template install failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub relaying the audit feed ---
	wsHub := venue.NewWSHub()
	go wsHub.Run()
	go wsHub.Relay(feed.Subscribe(256))

	// --- Venue service ---
	svc := venue.NewService(f, st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"shares-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time audit events.
		r.Get("/ws", wsHub.HandleWS)

		// Deployment and registry.
		r.Post("/instances", svc.DeployInstance)
		r.Post("/instances/signed", svc.DeploySigned)
		r.Get("/instances", svc.ListInstances)
		r.Get("/instances/{instance}", svc.GetInstance)
		r.Post("/instances/{instance}/rebind", svc.RebindInstance)
		r.Get("/bindings", svc.ListBindings)
		r.Post("/bindings", svc.RegisterBinding)
		r.Post("/nonces", svc.AdvanceNonce)

		// Pricing and trade execution.
		r.Get("/instances/{instance}/quote", svc.GetQuote)
		r.Post("/trade", svc.ExecuteTrade)
		r.Get("/instances/{instance}/trades", svc.GetTradeHistory)
		r.Get("/traders/{trader}/trades", svc.GetTraderHistory)

		// Holder rewards.
		r.Get("/instances/{instance}/rewards/{holder}", svc.GetPendingReward)
		r.Post("/instances/{instance}/claim", svc.ClaimReward)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("shares-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down shares-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("shares-engine stopped")
}

// feePct converts whole percents into the fixed-point fee unit.
func feePct(n int64) *big.Int {
	p := new(big.Int).Mul(model.PercentUnit, big.NewInt(n))
	return p.Div(p, big.NewInt(100))
}
