package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ledgerd/internal/core"
)

// handleStream serves a server-sent event stream carrying the full current
// state of one collection on connect and after every committed change.
// Slow readers only ever see the latest state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, owner string) {
	collection := r.PathValue("collection")
	switch collection {
	case "accounts":
		streamState(s, w, r, collection, func(ctx context.Context, cb func([]core.Account)) func() {
			return s.svc.Query.SubscribeAccounts(ctx, owner, cb)
		})
	case "transactions":
		filter, err := parseTransactionFilter(r.URL.Query())
		if err != nil {
			writeError(w, r, err)
			return
		}
		streamState(s, w, r, collection, func(ctx context.Context, cb func([]core.Transaction)) func() {
			return s.svc.Query.SubscribeTransactions(ctx, owner, filter, cb)
		})
	case "summary":
		streamState(s, w, r, collection, func(ctx context.Context, cb func(core.BalanceSummary)) func() {
			return s.svc.Query.SubscribeBalanceSummary(ctx, owner, cb)
		})
	case "budgets":
		streamState(s, w, r, collection, func(ctx context.Context, cb func([]core.Budget)) func() {
			return s.svc.Query.SubscribeBudgets(ctx, owner, cb)
		})
	case "categories":
		streamState(s, w, r, collection, func(ctx context.Context, cb func([]core.Category)) func() {
			return s.svc.Categories.Subscribe(ctx, owner, cb)
		})
	default:
		writeError(w, r, &core.NotFoundError{Entity: "stream", ID: collection})
	}
}

func streamState[T any](s *Server, w http.ResponseWriter, r *http.Request, event string, subscribe func(context.Context, func(T)) func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("streaming unsupported by response writer"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.baseCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	latest := make(chan T, 1)
	stop := subscribe(ctx, func(v T) {
		for {
			select {
			case latest <- v:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	})
	defer stop()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for seq := 1; ; {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case v := <-latest:
			data, err := json.Marshal(nonNilState(v))
			if err != nil {
				slog.ErrorContext(ctx, "Failed to encode stream event", "event", event, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data); err != nil {
				return
			}
			flusher.Flush()
			seq++
		}
	}
}

// nonNilState turns nil slices into empty ones so every event carries a
// JSON array or object.
func nonNilState(v any) any {
	switch x := v.(type) {
	case []core.Account:
		return nonNil(x)
	case []core.Transaction:
		return nonNil(x)
	case []core.Budget:
		return nonNil(x)
	case []core.Category:
		return nonNil(x)
	}
	return v
}
