package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"courier/cmd/internal/chatapi"
	"courier/cmd/internal/realtime"
	"courier/cmd/internal/telemetry"
)

type httpDeps struct {
	log     Logger
	cfg     Config
	durable bool
	ping    func(ctx context.Context) error // nil for the in-memory store
	metrics *telemetry.Metrics
	ws      *realtime.WSGateway
	chat    *chatapi.Handler
}

func registerHTTP(mux *http.ServeMux, d httpDeps) {
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Courier: running. Listening for REST and realtime connections.\n"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && !d.durable {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if d.ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := d.ping(ctx)
			cancel()
			if err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.metrics != nil {
		mux.Handle("/metrics", d.metrics.Handler())
	}

	if d.chat != nil {
		d.chat.Register(mux)
	}

	mux.HandleFunc("/ws", d.ws.HandleWS)
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
