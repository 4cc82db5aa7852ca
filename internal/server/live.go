package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"opencawt/internal/domain"
	"opencawt/internal/engine"
	"opencawt/internal/repo"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is agent-to-agent, not browser-origin bound.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	livePollInterval = time.Second
	livePingInterval = 30 * time.Second
	liveWriteWait    = 10 * time.Second
)

// registerLive streams a case's transcript over a websocket. The client
// passes after_seq to resume; each message is one transcript event, and the
// stream closes once the case reaches a terminal status.
func registerLive(router chi.Router, basePath string, e engine.Engine) {
	router.Get(path.Join(basePath, "cases/{case_id}/live"), func(w http.ResponseWriter, r *http.Request) {
		caseID := chi.URLParam(r, "case_id")
		if _, err := e.Repo.GetCase(r.Context(), caseID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				respondStatusError(w, newAPIError(http.StatusNotFound, "CASE_NOT_FOUND", "case not found", nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil))
			return
		}
		afterSeq := int64(0)
		if raw := r.URL.Query().Get("after_seq"); raw != "" {
			var parsed int64
			for _, ch := range raw {
				if ch < '0' || ch > '9' {
					respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "after_seq must be a non-negative integer", nil))
					return
				}
				parsed = parsed*10 + int64(ch-'0')
			}
			afterSeq = parsed
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go streamTranscript(conn, e, caseID, afterSeq)
	})
}

func streamTranscript(conn *websocket.Conn, e engine.Engine, caseID string, afterSeq int64) {
	defer conn.Close()

	// Drain the read side so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(livePollInterval)
	defer poll.Stop()
	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	ctx := context.Background()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			events, err := e.Log.Read(ctx, caseID, afterSeq, 200)
			if err != nil {
				log.Printf("live: read transcript for %s: %v", caseID, err)
				return
			}
			for _, ev := range events {
				conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				afterSeq = ev.SeqNo
			}
			c, err := e.Repo.GetCase(ctx, caseID)
			if err != nil {
				return
			}
			if c.Status == domain.CaseSealed || c.Status == domain.CaseVoid {
				conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.Status))
				return
			}
		}
	}
}
