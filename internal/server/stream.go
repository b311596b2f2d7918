package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleStreamRun streams progress updates for a running backtest over a
// websocket. The connection closes normally when the run finishes; for
// unknown or already finished runs the current state is sent once.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, ok := s.manager.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin is enforced by the CORS middleware
	})
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", id).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	s.log.Debug().Str("run_id", id).Msg("Progress stream opened")

	if err := s.streamWrite(r.Context(), conn, run.Progress); err != nil {
		return
	}

	updates, live := s.manager.Subscribe(id)
	if !live {
		// Run already finished; the snapshot above is the final word.
		conn.Close(websocket.StatusNormalClosure, "run finished")
		return
	}

	for {
		select {
		case <-r.Context().Done():
			conn.Close(websocket.StatusGoingAway, "client context done")
			return
		case p, open := <-updates:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := s.streamWrite(r.Context(), conn, p); err != nil {
				s.log.Debug().Err(err).Str("run_id", id).Msg("Progress stream write failed")
				return
			}
		}
	}
}

func (s *Server) streamWrite(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}
