package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/socialchat/internal/logger"
)

// RequestLog логирует method, шаблон маршрута, статус и длительность.
// Шаблон (/api/chats/{id}) вместо сырого пути, чтобы id комнат не попадали в лог.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap, ok := w.(*responseWriter)
		if !ok {
			wrap = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(wrap, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		logger.LogDuration("http "+r.Method+" "+route+" "+strconv.Itoa(wrap.status), start)
	})
}
