package observe

import (
	"go.uber.org/zap"

	"github.com/vireolabs/janus/internal/logging"
)

// AccessLogSink writes one structured log line per proxied request.
type AccessLogSink struct{}

// Observe implements Sink.
func (AccessLogSink) Observe(ev Event) {
	fields := []zap.Field{
		zap.String("request_id", ev.RequestID),
		zap.String("method", ev.Method),
		zap.String("path", ev.Path),
		zap.Int("status", ev.StatusCode),
		zap.Duration("duration", ev.Duration),
		zap.String("ip", ev.IP),
		zap.Int64("bytes_in", ev.BytesIn),
		zap.Int64("bytes_out", ev.BytesOut),
	}
	if ev.Backend != "" {
		fields = append(fields, zap.String("backend", ev.Backend))
	}
	if ev.Principal != "" {
		fields = append(fields, zap.String("principal", ev.Principal))
	}
	if ev.RateLimit.Outcome != "" {
		fields = append(fields, zap.String("ratelimit", ev.RateLimit.Outcome))
	}
	if ev.RateLimit.FailedOpen {
		fields = append(fields, zap.Bool("ratelimit_fail_open", true))
	}
	if ev.WebSocket {
		fields = append(fields, zap.Bool("websocket", true))
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
		logging.Warn("request", fields...)
		return
	}
	logging.Info("request", fields...)
}
