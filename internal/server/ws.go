package server

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"foundry/internal/board"
)

// registerBoardWS serves the real-time board feed. Each connection subscribes
// to the project's bus events and forwards them until the peer goes away.
func registerBoardWS(router chi.Router, basePath string, cfg Config) {
	router.Get(path.Join(basePath, "board/{project_id}/ws"), func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "project_id")
		if _, err := cfg.Repo.GetProject(r.Context(), projectID); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		sub := cfg.Bus.Subscribe(projectID)
		defer cfg.Bus.Unsubscribe(projectID, sub)

		ctx := r.Context()
		if err := wsjson.Write(ctx, conn, board.Event{
			Event: "connected",
			TS:    time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return
		}

		// Drain the read side so pings and close frames are handled.
		readCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.Read(readCtx); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-readCtx.Done():
				return
			case evt, ok := <-sub.Ch():
				if !ok {
					return
				}
				writeCtx, writeCancel := context.WithTimeout(readCtx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, evt)
				writeCancel()
				if err != nil {
					return
				}
			}
		}
	})
}
