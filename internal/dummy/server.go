// Package dummy is a local target server with endpoints of known latency
// and failure behaviour.
package dummy

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Endpoints lists the paths served by Handler.
var Endpoints = []string{"/ok", "/fast", "/medium", "/slow", "/spike", "/error", "/status/{code}"}

func Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})

	// 10-50ms
	r.HandleFunc("/fast", delayed(10*time.Millisecond, 40*time.Millisecond, "Fast response"))
	// 100-300ms
	r.HandleFunc("/medium", delayed(100*time.Millisecond, 200*time.Millisecond, "Medium response"))
	// 1-2s, long enough to exercise read timeouts
	r.HandleFunc("/slow", delayed(time.Second, time.Second, "Slow response"))

	// Usually fast, 5% of requests stall: P99 is terrible, P50 is fine.
	r.HandleFunc("/spike", func(w http.ResponseWriter, req *http.Request) {
		d := 20 * time.Millisecond
		if rand.Float32() < 0.05 {
			d = 2 * time.Second
		}
		if !sleep(req.Context(), d) {
			return
		}
		w.Write([]byte("Spikey response"))
	})

	r.HandleFunc("/error", func(w http.ResponseWriter, _ *http.Request) {
		switch rnd := rand.Float32(); {
		case rnd < 0.2:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("500 Internal Server Error"))
		case rnd < 0.4:
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("429 Too Many Requests"))
		default:
			w.Write([]byte("OK"))
		}
	})

	r.HandleFunc("/status/{code:[0-9]{3}}", func(w http.ResponseWriter, req *http.Request) {
		code, _ := strconv.Atoi(mux.Vars(req)["code"])
		w.WriteHeader(code)
	})

	return r
}

func delayed(base, jitter time.Duration, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := base + time.Duration(rand.Int63n(int64(jitter)))
		if !sleep(r.Context(), d) {
			return
		}
		w.Write([]byte(body))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Strs("endpoints", Endpoints).Msg("dummy server running")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
