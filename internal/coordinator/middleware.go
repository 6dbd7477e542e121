package coordinator

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pushpals/pushpals/internal/otelx"
	"github.com/pushpals/pushpals/internal/shared"
)

// withTraceID stamps every request with a trace_id, grounded on the
// teacher's gateway.go request-entry pattern (shared.NewTraceID +
// shared.WithTraceID, then logged explicitly rather than injected via a
// handler-level ReplaceAttr). Handlers that emit bus envelopes read it back
// through shared.TraceID to default Envelope.CorrelationID when the caller
// didn't supply one.
func (s *Server) withTraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		slog.Debug("coordinator request", "method", r.Method, "path", r.URL.Path, "trace_id", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withOtel wraps every request with a server span and records its duration
// in the coordinator.request.duration histogram (§4.7 "OTEL middleware"),
// grounded on internal/otel/metrics.go's RequestDuration histogram.
func (s *Server) withOtel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Otel == nil || s.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ctx, span := otelx.StartServerSpan(r.Context(), s.cfg.Otel.Tracer, "coordinator.request",
			otelx.AttrMethod.String(r.Method),
			otelx.AttrRoute.String(r.URL.Path),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))

		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	})
}
