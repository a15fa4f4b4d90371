package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total lifecycle events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	earningsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_earnings_recorded_total",
		Help: "Total earnings rows written",
	})
	earningsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_earnings_duplicate_total",
		Help: "Completed events whose earning was already recorded",
	})
	earningsErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_earnings_errors_total",
		Help: "Total earnings store errors after retries",
	})
	holdErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_payment_hold_errors_total",
		Help: "Total failed payment holds",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, earningsRecorded, earningsDuplicate, earningsErrors, holdErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := storage.Backend{PGDSN: cfg.PGDSN, MongoURI: cfg.MongoURI, MongoDB: cfg.MongoDB}
	store, err := storage.Open(ctx, backend)
	if err != nil {
		logger.Error("store unavailable", "backend", backend.Name(), "err", err)
		os.Exit(1)
	}
	defer store.Close()

	h := &earningsHandler{earnings: store, logger: logger, attempts: 3, delay: 200 * time.Millisecond}
	if cfg.StripeAPIKey != "" {
		h.holder = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
	}
	go serveMetrics(cfg.MetricsAddr, rc, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup, "store", backend.Name())

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()
		h.handle(ctx, m)
	}
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if rc != nil {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

// EarningsRecorder is the subset of the store the consumer writes to.
type EarningsRecorder interface {
	RecordEarning(ctx context.Context, e storage.Earning) (bool, error)
}

// FareHolder places a payment hold for a completed fare.
type FareHolder interface {
	HoldFare(ctx context.Context, requestID string, amount float64, currency string) (string, error)
}

type earningsHandler struct {
	earnings EarningsRecorder
	holder   FareHolder // nil disables payment holds
	logger   *slog.Logger
	attempts int
	delay    time.Duration
}

// handle records the provider earning of a completed request. Other event
// types are skipped. Replays are harmless: the earning is keyed by request
// id and only a fresh earning triggers a payment hold.
func (h *earningsHandler) handle(ctx context.Context, m kafka.Message) {
	e, err := ingest.DecodeEvent(m)
	if err != nil {
		msgsInvalid.Inc()
		h.logger.Warn("invalid message", "err", err, "offset", m.Offset)
		return
	}
	if e.Type != models.EventRequestCompleted {
		return
	}
	if e.Payment == nil || e.ProviderID == "" {
		msgsInvalid.Inc()
		h.logger.Warn("completed event without payment or provider", "request_id", e.RequestID)
		return
	}

	earning := storage.Earning{
		RequestID:  e.RequestID,
		ProviderID: e.ProviderID,
		Role:       e.ProviderRole,
		Amount:     e.Payment.Amount,
		Currency:   e.Payment.Currency,
		At:         e.At,
	}
	recorded, err := recordEarningWithRetry(ctx, h.earnings, earning, h.attempts, h.delay)
	if err != nil {
		earningsErrors.Inc()
		h.logger.Error("earning not recorded", "request_id", e.RequestID, "err", err)
		return
	}
	if !recorded {
		earningsDuplicate.Inc()
		h.logger.Debug("earning already recorded", "request_id", e.RequestID)
		return
	}
	earningsRecorded.Inc()

	if h.holder == nil || earning.Amount <= 0 {
		return
	}
	id, err := h.holder.HoldFare(ctx, earning.RequestID, earning.Amount, earning.Currency)
	if err != nil {
		holdErrors.Inc()
		h.logger.Error("payment hold failed", "request_id", earning.RequestID, "err", err)
		return
	}
	h.logger.Info("payment held", "request_id", earning.RequestID, "payment_intent", id, "amount", earning.Amount)
}

// recordEarningWithRetry writes the earning with retry and exponential backoff.
func recordEarningWithRetry(ctx context.Context, rec EarningsRecorder, e storage.Earning, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var recorded bool
		recorded, err = rec.RecordEarning(ctx, e)
		if err == nil {
			return recorded, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, err
}
