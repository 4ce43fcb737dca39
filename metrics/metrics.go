package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	Acquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunewave_acquisitions_total",
			Help: "Track acquisitions by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunewave_acquisition_step_failures_total",
			Help: "Failed acquisition steps",
		},
		[]string{"step"},
	)

	AudioBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunewave_audio_bytes_total",
			Help: "Audio bytes downloaded",
		},
	)

	BatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunewave_batch_items_total",
			Help: "Batch items by final status",
		},
		[]string{"status"},
	)
)

const (
	OutcomeAcquired = "acquired"
	OutcomeCached   = "cached"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

// Serve exposes the default registry on addr until ctx is done.
func Serve(ctx context.Context, logger zerolog.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); nil != err {
			logger.Error().Err(err).Msg("Failed to shutdown metrics server")
		}
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); nil != err && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
