// Command vigie runs the change-monitoring service: the scheduler, the HTTP
// query API, the MCP endpoint and the Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/vigie/dbopen"
	"github.com/hazyhaar/vigie/kit"
	"github.com/hazyhaar/vigie/monitor"
	"github.com/hazyhaar/vigie/notify"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	port := env("PORT", "8086")
	dbPath := env("DB_PATH", "db/vigie.db")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := monitor.New(db, &monitor.Config{
		MaxConcurrency: envInt("MAX_CONCURRENCY", 0),
		RetentionDays:  envInt("RETENTION_DAYS", 0),
		AdapterURL:     env("ADAPTER_URL", ""),
		AdapterToken:   env("ADAPTER_TOKEN", ""),
	}, logger, monitor.WithMetrics(reg))
	if err != nil {
		slog.Error("monitor service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	closers := registerChannels(svc)
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	if path := env("SOURCES_FILE", ""); path != "" {
		registry, err := monitor.LoadRegistry(path)
		if err != nil {
			slog.Error("load sources", "path", path, "error", err)
			os.Exit(1)
		}
		res, err := svc.SyncRegistry(ctx, registry)
		if err != nil {
			slog.Error("sync sources", "path", path, "error", err)
			os.Exit(1)
		}
		slog.Info("sources synced", "path", path, "added", res.Added, "updated", res.Updated)

		reload, err := time.ParseDuration(env("SOURCES_RELOAD_INTERVAL", "10s"))
		if err != nil {
			slog.Error("SOURCES_RELOAD_INTERVAL", "error", err)
			os.Exit(1)
		}
		if reload > 0 {
			if err := svc.WatchRegistry(ctx, path, reload); err != nil {
				slog.Error("watch sources", "path", path, "error", err)
				os.Exit(1)
			}
		}
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "vigie", Version: "1.0.0"}, nil)
	svc.RegisterMCP(mcpSrv)

	svc.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(kit.HTTPContext)
	r.Use(svc.HTTPMetrics)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{"status": "ok", "channels": svc.Channels()})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	svc.Routes(r)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// registerChannels registers every delivery channel whose settings are
// present. The returned funcs release channel resources.
func registerChannels(svc *monitor.Service) []func() {
	var closers []func()

	svc.RegisterChannel(notify.NewWebhookChannel(env("WEBHOOK_SECRET", ""), nil))
	svc.RegisterChannel(notify.NewSlackChannel(nil))

	if token := env("TELEGRAM_BOT_TOKEN", ""); token != "" {
		ch, err := notify.NewTelegramChannel(token)
		if err != nil {
			slog.Error("telegram channel", "error", err)
		} else {
			svc.RegisterChannel(ch)
		}
	}

	if gw := env("SMS_GATEWAY_URL", ""); gw != "" {
		svc.RegisterChannel(notify.NewSMSChannel(gw, env("SMS_GATEWAY_TOKEN", ""), nil))
	}

	if addr := env("REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: env("REDIS_PASSWORD", ""),
		})
		svc.RegisterChannel(notify.NewRedisChannel(client))
		closers = append(closers, func() { client.Close() })
	}

	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := notify.NewKafkaProducer(strings.Split(brokers, ","), "vigie")
		if err != nil {
			slog.Error("kafka channel", "error", err)
		} else {
			svc.RegisterChannel(notify.NewKafkaChannel(producer))
			closers = append(closers, func() { producer.Close() })
		}
	}
	return closers
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
