// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/turnroom/internal/middleware"
	"github.com/jason-s-yu/turnroom/internal/models"
	"github.com/sirupsen/logrus"
)

// roomsSubprotocol is the only subprotocol the event stream speaks.
const roomsSubprotocol = "rooms"

// roomEventsHandler streams room lifecycle events from every node to the client. With
// ?room=<id> only that room's events are forwarded. The stream is one-way: client messages
// are discarded.
func (s *APIServer) roomEventsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserID(r.Context())
	filter := r.URL.Query().Get("room")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{roomsSubprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket accept error")
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != roomsSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the rooms subprotocol")
		return
	}
	if s.events == nil {
		c.Close(StreamDisabledError, "room events are not available")
		return
	}

	log := s.log.WithFields(logrus.Fields{"user_id": userID, "room_filter": filter})
	middleware.LogWebSocketConnect(log, r.RemoteAddr, r.URL.Path)

	// CloseRead cancels ctx once the client goes away.
	ctx := c.CloseRead(r.Context())
	err = s.pumpEvents(ctx, c, filter, log)
	middleware.LogWebSocketDisconnect(log, r.RemoteAddr, r.URL.Path, err)
	if err == nil {
		c.Close(websocket.StatusNormalClosure, "")
	}
}

func (s *APIServer) pumpEvents(ctx context.Context, c *websocket.Conn, filter string, log logrus.FieldLogger) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	events := s.events.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if filter != "" && ev.RoomID != filter {
				continue
			}
			if err := writeEvent(ctx, c, ev); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, c *websocket.Conn, ev models.RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Write(writeCtx, websocket.MessageText, data)
}
