package server

import (
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
)

// handleEvents streams a trial's events over a websocket, one JSON event per
// text message. The first message is always the snapshot; the connection
// closes normally when the trial's subscriptions are terminated.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.db.GetTrial(id); err != nil {
		s.fail(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	stream := s.hub.Subscribe(id)
	defer stream.Cancel()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-stream.C:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "trial stream ended")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "client disconnected")
			return
		}
	}
}
