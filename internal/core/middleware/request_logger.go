package middleware

import (
	"net/http"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/logger"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// RequestLogger logs one access line per request. Failed requests are logged at
// info; the handler or the recovery middleware logs the cause.
type RequestLogger struct {
	handler http.Handler
	log     logger.Logger
}

func WithRequestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return &RequestLogger{handler: h, log: log}
	}
}

func (rl *RequestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	rl.handler.ServeHTTP(rec, r)

	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	fields := []logger.Field{
		logger.StringField("method", r.Method),
		logger.StringField("path", r.URL.Path),
		logger.IntField("status", rec.status),
		logger.StringField("elapsed", time.Since(start).String()),
	}

	switch {
	case rec.status >= http.StatusInternalServerError:
		rl.log.Info("request failed", fields...)
	case rec.status >= http.StatusBadRequest:
		rl.log.Info("request rejected", fields...)
	default:
		rl.log.Debug("request served", fields...)
	}
}
