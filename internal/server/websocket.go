package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maauso/audiosculptor/internal/job"
)

const writeWait = 10 * time.Second

func (h *Handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header, same-host origins
// and the configured allowed origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// WatchProgress handles GET /edits/{id}/progress by upgrading to a websocket
// and sending a ProgressMessage on every job update. The last message has
// Done set and is followed by a normal close.
func (h *Handlers) WatchProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	updates, stop, err := h.service.Watch(r.Context(), jobID)
	if err != nil {
		if _, ok := h.findJob(w, r); !ok {
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to watch job", "JOB_WATCH_FAILED")
		return
	}
	defer stop()

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.logger.Warn("websocket upgrade failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	var last *job.Job
	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				h.sendFinal(ctx, conn, jobID, last)
				return
			}
			last = snapshot
			if err := writeProgress(conn, snapshot, false); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handlers) sendFinal(ctx context.Context, conn *websocket.Conn, jobID string, last *job.Job) {
	if final, err := h.service.GetJob(ctx, jobID); err == nil {
		last = final
	}
	if last != nil {
		if err := writeProgress(conn, last, last.IsTerminal()); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(writeWait))
}

func writeProgress(conn *websocket.Conn, j *job.Job, done bool) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ProgressMessage{
		ID:       j.ID,
		Status:   string(j.Status),
		Progress: j.Progress,
		Error:    j.Error,
		Done:     done,
	})
}

// readUntilClosed discards client messages and calls cancel once the
// connection fails or the client closes it.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
