package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/config"
)

// New returns the limiter shared by every catalog request. A non-positive
// rate disables limiting.
func New(conf config.RateLimit) *rate.Limiter {
	if conf.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	interval := time.Duration(float64(time.Second) / conf.RequestsPerSecond)

	return rate.NewLimiter(rate.Every(interval), max(conf.Burst, 1))
}
