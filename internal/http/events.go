package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/obs"
)

const sseHeartbeat = 15 * time.Second

type sseEvent struct {
	Sequence   uint64    `json:"sequence"`
	Topic      string    `json:"topic"`
	ReceivedAt time.Time `json:"received_at"`
	Payload    any       `json:"payload"`
}

// eventsHandler streams bus events as Server-Sent Events. ?kinds=a,b filters by kind.
func (a *App) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if a.refuseWhenClosing(w) {
		return
	}
	var kinds []model.Kind
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			k, err := model.ParseKind(strings.TrimSpace(s))
			if err != nil {
				WriteJSONError(w, http.StatusBadRequest, "invalid_kind", err.Error())
				return
			}
			kinds = append(kinds, k)
		}
	}

	rc := http.NewResponseController(w)
	// streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	sub := a.Bus.Subscribe(a.Cfg.BusBuffer, kinds...)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		obs.Logger.Warn("sse_flush_unsupported", "error", err)
		return
	}
	obs.Logger.Info("sse_subscribed", "subscription", sub.ID, "request_id", RequestIDFromContext(r.Context()))

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-a.done:
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(sseEvent{
				Sequence:   ev.Sequence,
				Topic:      ev.Kind.Topic(),
				ReceivedAt: ev.ReceivedAt,
				Payload:    ev.Payload(),
			})
			if err != nil {
				obs.Logger.Warn("sse_encode_failed", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind.Topic(), data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
