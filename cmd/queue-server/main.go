package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qflow/internal/config"
	"qflow/internal/httpapi"
	"qflow/internal/hub"
	"qflow/internal/store"
	"qflow/internal/store/postgres"
	"qflow/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-server")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool, postgres.Options{TxTimeout: cfg.TxTimeout})
	eventHub := hub.New()
	handler := httpapi.NewHandler(st, eventHub, httpapi.Options{
		CallLogLimit: cfg.CallLogLimit,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/api/", httpapi.AuthMiddleware(st, handler.Routes()))
	mux.Handle("/healthz", handler.Routes())

	// RawWebsocket exposes <prefix>/websocket for non-browser consumers
	// such as the serial bridge.
	socketOpts := sockjs.DefaultOptions
	socketOpts.RawWebsocket = true
	publicSocket := sockjs.NewHandler("/socket/public", socketOpts, sessionLoop(eventHub, hub.TierPublic, nil))
	staffSocket := sockjs.NewHandler("/socket/staff", socketOpts, sessionLoop(eventHub, hub.TierStaff, st))
	mux.Handle("/socket/public/", publicSocket)
	mux.Handle("/socket/staff/", staffSocket)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-server")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// sessionLoop runs one subscriber connection: register with the hub, pump
// outbound events, and apply join-queue/leave-queue requests until the
// transport drops. Staff connections must present a valid session first.
func sessionLoop(eventHub *hub.Hub, tier hub.Tier, sessions store.QueueStore) func(sockjs.Session) {
	return func(session sockjs.Session) {
		if tier == hub.TierStaff {
			sessionID := socketSessionID(session)
			if sessionID == "" {
				_ = session.Close(4001, "missing session")
				return
			}
			if _, err := sessions.GetSession(context.Background(), sessionID); err != nil {
				_ = session.Close(4002, "invalid session")
				return
			}
		}

		client := &hub.Client{ID: uuid.NewString(), Tier: tier, Send: make(chan []byte, 16)}
		eventHub.Register(client)
		defer eventHub.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseControl([]byte(msg))
			if !ok {
				continue
			}
			switch parsed.Action {
			case "join-queue":
				eventHub.Join(client, parsed.QueueID)
			case "leave-queue":
				eventHub.Leave(client, parsed.QueueID)
			}
		}
	}
}

func socketSessionID(session sockjs.Session) string {
	return sessionIDFromHTTP(session.Request())
}

func sessionIDFromHTTP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}
