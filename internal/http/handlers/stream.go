package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"genpipeline/internal/domain"
	"genpipeline/internal/middleware"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// eventFrame is one progress update as sent to clients.
type eventFrame struct {
	TaskID     string            `json:"taskId"`
	Status     domain.TaskStatus `json:"status"`
	Progress   int               `json:"progress"`
	RetryCount int               `json:"retryCount,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

func newFrame(locale string, ev domain.ProgressEvent) eventFrame {
	code := ev.Message
	if code == "" {
		code = statusCode(ev.Status)
	}
	return eventFrame{
		TaskID:     ev.TaskID,
		Status:     ev.Status,
		Progress:   ev.Progress,
		RetryCount: ev.RetryCount,
		Code:       code,
		Message:    localizeCode(locale, code),
		Timestamp:  ev.Timestamp.UTC(),
	}
}

// TaskEvents streams progress as Server-Sent Events until the task finishes
// or the client goes away.
func (a *App) TaskEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, r, http.StatusInternalServerError, codeInternal)
		return
	}
	events, err := a.Gateway.Stream(r.Context(), workspace(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	locale := middleware.LocaleFromContext(r.Context())
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(newFrame(locale, ev))
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the bearer token already scopes the stream to one workspace
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TaskSocket sends the same frames as TaskEvents over a WebSocket and closes
// the connection normally after the terminal frame.
func (a *App) TaskSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := a.Gateway.Stream(ctx, workspace(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		a.Logger.Warn().Err(err).Msg("http: websocket upgrade failed")
		return
	}
	defer conn.Close()

	// the client never sends anything meaningful; reading only notices when
	// it goes away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	locale := middleware.LocaleFromContext(r.Context())
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(newFrame(locale, ev)); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
