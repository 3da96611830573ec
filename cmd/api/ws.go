package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/anvaya/chatrelay/internal/event"
	"github.com/anvaya/chatrelay/internal/gateway"
	"github.com/anvaya/chatrelay/internal/live"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// non-browser clients send no origin
			return origin == "" || s.frontendURL == "" || origin == s.frontendURL
		},
	}
}

// serveWS upgrades the request to a WebSocket live channel. The token comes
// from ?token= or the Authorization header.
func (s *Server) serveWS(c *gin.Context) {
	authorization := c.GetHeader("Authorization")
	if tok := c.Query("token"); tok != "" {
		authorization = "Bearer " + tok
	}
	identity, err := s.identify(authorization, c.GetHeader("X-User-ID"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ws, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	p := &gateway.Peer{
		Conn:     live.NewConn(s.queueSize),
		Identity: identity,
		Remote:   c.ClientIP(),
	}
	s.gateway.Connect(p)

	go s.writePump(ws, p)
	s.readPump(c, ws, p)
}

// readPump feeds inbound frames to the gateway until the socket fails.
func (s *Server) readPump(c *gin.Context, ws *websocket.Conn, p *gateway.Peer) {
	defer func() {
		s.gateway.Disconnect(p)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := c.Request.Context()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read failed", zap.String("conn", p.Conn.ID), zap.Error(err))
			}
			return
		}

		var ev event.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			_ = p.Conn.Send(event.Failure(event.CodeBadRequest, "malformed frame", ""))
			continue
		}
		s.gateway.Handle(ctx, p, ev)
	}
}

// writePump is the only writer on the socket.
func (s *Server) writePump(ws *websocket.Conn, p *gateway.Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case ev := <-p.Conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", zap.String("conn", p.Conn.ID), zap.Error(err))
				p.Conn.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Conn.Close()
				return
			}
		case <-p.Conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
