// Package obsv is the broadcaster's ops-only observability surface: a
// private Prometheus registry plus a tiny HTTP server exposing /metrics and
// /healthz. It is not the catalog/admin web surface the project explicitly
// excludes — there is no video submission UI or catalog browsing here, only
// counters and gauges an operator's monitoring stack scrapes.
package obsv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter the broadcaster updates over its
// lifetime, registered against a private registry rather than the global
// default one so tests can build independent instances.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth             prometheus.Gauge
	CurrentPlaylistItemID  prometheus.Gauge
	AnimatorTicks          prometheus.Counter
	VolumeRepublishes      prometheus.Counter
	ControlMessagesSent    *prometheus.CounterVec
	ControlMessagesDropped *prometheus.CounterVec
}

// New builds a Metrics instance with every series registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "piwallgo",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of items currently queued or playing.",
		}),
		CurrentPlaylistItemID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "piwallgo",
			Subsystem: "queue",
			Name:      "current_playlist_item_id",
			Help:      "playlist_video_id of the item currently playing, or 0 if idle.",
		}),
		AnimatorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "piwallgo",
			Subsystem: "animator",
			Name:      "ticks_total",
			Help:      "Number of animator tick loop iterations.",
		}),
		VolumeRepublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "piwallgo",
			Subsystem: "volume",
			Name:      "republishes_total",
			Help:      "Number of times the volume republish loop sent a VOLUME message.",
		}),
		ControlMessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piwallgo",
			Subsystem: "control",
			Name:      "messages_sent_total",
			Help:      "Control messages sent, by msg_type.",
		}, []string{"msg_type"}),
		ControlMessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "piwallgo",
			Subsystem: "control",
			Name:      "messages_dropped_total",
			Help:      "Control messages that failed to send, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.CurrentPlaylistItemID,
		m.AnimatorTicks,
		m.VolumeRepublishes,
		m.ControlMessagesSent,
		m.ControlMessagesDropped,
	)
	return m
}

// Server exposes Metrics over /metrics and a liveness probe over /healthz.
type Server struct {
	http *http.Server
	log  *slog.Logger
}

// NewServer builds (but does not start) the metrics HTTP server.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		http: &http.Server{Addr: addr, Handler: mux},
		log:  logger.With("component", "obsv"),
	}
}

// Start runs the server until ctx is cancelled, then shuts it down within a
// 5-second grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("obsv: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("obsv: shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
