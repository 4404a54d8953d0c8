package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicflow/queue-service/internal/allocator"
	"clinicflow/queue-service/internal/archiver"
	"clinicflow/queue-service/internal/config"
	"clinicflow/queue-service/internal/httpapi"
	"clinicflow/queue-service/internal/hub"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store/postgres"
	"clinicflow/queue-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	location, err := time.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		log.Fatalf("load timezone %q: %v", cfg.ClinicTimezone, err)
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{
		UseLockAllocator: cfg.UseLockAllocator,
		Allocator: allocator.Options{
			LockTTL:       cfg.AllocatorLockTTL,
			MaxTries:      uint(cfg.AllocatorMaxTries),
			RetryInterval: cfg.AllocatorRetryDelay,
		},
	})

	h := hub.New()
	handler := httpapi.NewHandler(st, h, httpapi.Options{
		Location:        location,
		RegisterTimeout: cfg.RegisterTimeout,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())

	sockjsHandler := sockjs.NewHandler("/board", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		// The pump closes the session when the Send channel is closed by
		// Unregister or PruneStale, which unblocks the Recv loop below.
		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
			_ = session.Close(4000, "connection pruned")
		}()

		sendSnapshot(st, h, location, client)

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseClientMessage([]byte(msg))
			if !ok {
				continue
			}
			switch parsed.Action {
			case "ping":
				h.Ping(client, time.Now())
			case "watch":
				if parsed.Day != "" && !models.ValidDay(parsed.Day) {
					continue
				}
				h.SetDay(client, parsed.Day)
				sendSnapshot(st, h, location, client)
			}
		}
	})
	mux.Handle("/board/", sockjsHandler)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	sweeper := archiver.New(st, h, archiver.Config{Location: location})
	go archiver.Start(rootCtx, cfg.ArchiveInterval, sweeper)
	go archiver.StartLockSweep(rootCtx, cfg.LockSweepInterval, sweeper)

	go func() {
		ticker := time.NewTicker(cfg.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if pruned := h.PruneStale(cfg.PingTTL, time.Now()); pruned > 0 {
					log.Printf("pruned %d stale board clients", pruned)
				}
			}
		}
	}()

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancelRoot()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// sendSnapshot pushes the full day view to one client so a board is complete
// immediately after connecting or switching days.
func sendSnapshot(st *postgres.Store, h *hub.Hub, location *time.Location, client *hub.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	day := client.Day
	if day == "" {
		day = models.DayOf(now, location)
	}
	tickets, err := st.ListDay(ctx, day)
	if err != nil {
		log.Printf("snapshot list day=%s: %v", day, err)
		return
	}
	summary, err := st.Summary(ctx, day)
	if err != nil {
		log.Printf("snapshot summary day=%s: %v", day, err)
		return
	}
	event := hub.Event{
		Type:    hub.EventSnapshot,
		Day:     day,
		Tickets: tickets,
		Summary: &summary,
		SentAt:  now,
	}
	h.SendTo(client, event)
}
