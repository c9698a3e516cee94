// Package ratelimit gates write endpoints with a fixed-window counter per
// source key.
package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Limiter allows at most max events per key within each window.
type Limiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	calls   int
}

// New creates a Limiter. Non-positive arguments fall back to 30 per minute.
func New(win time.Duration, max int) *Limiter {
	if win <= 0 {
		win = time.Minute
	}
	if max <= 0 {
		max = 30
	}
	return &Limiter{
		window:  win,
		max:     max,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow records an event for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.allow(key)
	return ok
}

// allow also returns when the current window for key resets.
func (l *Limiter) allow(key string) (bool, time.Time) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%1024 == 0 {
		l.sweep(now)
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.windows[key] = w
	}
	reset := w.start.Add(l.window)
	if w.count >= l.max {
		return false, reset
	}
	w.count++
	return true, reset
}

// sweep drops expired windows. Caller holds mu.
func (l *Limiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, k)
		}
	}
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
// Mount it after middleware.RealIP so RemoteAddr carries the real client.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		ok, reset := l.allow(key)
		if !ok {
			retry := int(reset.Sub(l.now()).Seconds()) + 1
			slog.Warn("rate limit exceeded", "client", key, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"message": "too many requests, retry later",
					"type":    "rate_limit_error",
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
