package api

// middleware.go — request logging and the optional inbound-latency
// injection used by the synthetic scenario driver (MIN_DELAY/MAX_DELAY).
// Grounded on walletserver/middleware.Logger.

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

func loggingMiddleware(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method": r.Method, "path": r.RequestURI, "duration": time.Since(start),
			}).Info("request handled")
		})
	}
}

// delayMiddleware sleeps a uniformly random duration in [min, max) before
// dispatching, simulating network jitter for the scenario driver. A no-op
// when both bounds are zero.
func delayMiddleware(min, max time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max > min {
				d := min + time.Duration(rand.Int63n(int64(max-min)))
				time.Sleep(d)
			} else if min > 0 {
				time.Sleep(min)
			}
			next.ServeHTTP(w, r)
		})
	}
}
