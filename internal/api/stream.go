package api

import (
	"context"
	"net/http"
	"time"

	"github.com/serviceability-scanner/internal/logging"
	"github.com/serviceability-scanner/internal/progress"
)

// streamEvents runs fn and relays its events as server-sent events until fn returns.
// A client that goes away cancels fn through the request context.
func streamEvents(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sink progress.Sink)) {
	// long uploads and enrichments outlive the server write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logging.FromContext(r.Context()).WithError(err).Debug("Write deadline not adjustable")
	}

	sse, err := progress.NewSSEWriter(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Streaming unsupported", nil)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := progress.Generate(ctx, fn)
	for ev := range events {
		if err := sse.Emit(ev); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Progress stream closed by client")
			cancel()
			for range events {
			}
			return
		}
	}
}
