package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/room"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// handleRoomEvents attaches an SSE stream to a room. The subscription's
// backlog (gap marker plus hot-window replay for ?from_seq reconnects) is
// flushed first, then live events as they arrive, with a comment
// keepalive on the configured interval. The stream ends when the client
// disconnects or the room drops a slow subscriber.
func (s *Server) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, uerr.New(uerr.Internal, "streaming unsupported"))
		return
	}
	fromSeq, err := optionalSeq(r.URL.Query().Get("from_seq"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	sub, err := s.svc.Subscribe(r.Context(), IdentityFrom(r.Context()),
		r.PathValue("id"), fromSeq, RequestIDFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range sub.Backlog {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent emits one SSE frame. data is single-line JSON by
// construction (json.Marshal never emits newlines).
func writeEvent(w io.Writer, ev room.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Event, data)
	return err
}
