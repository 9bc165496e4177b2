package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"glimpse/internal/session"
)

const (
	clientBuffer = 16
	writeWait    = 5 * time.Second
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan session.Event, clientBuffer)}

	s.mu.Lock()
	select {
	case <-s.pumped:
		// The controller is gone; nothing will ever be sent.
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Debugf("event client %s connected (%d total)", conn.RemoteAddr(), n)

	go s.writeEvents(c)

	// Drain and discard client frames so close and ping are handled.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.drop(c)
}

func (s *Server) writeEvents(c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			s.log.Debugf("event client %s: %v", c.conn.RemoteAddr(), err)
			s.drop(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// drop unregisters c and ends its writer. Safe to call more than once.
func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// pump fans controller events out to every client. A client that cannot
// keep up misses frame events rather than slowing the others.
func (s *Server) pump() {
	defer func() {
		s.mu.Lock()
		close(s.pumped)
		s.mu.Unlock()
		s.closeClients()
	}()
	for ev := range s.ctl.Events() {
		if ev.Kind != session.EventFrameSent && ev.Kind != session.EventFrameReceived {
			s.log.Debugf("event %s viewers=%d err=%q", ev.Kind, ev.Viewers, ev.Err)
		}
		s.mu.Lock()
		for c := range s.clients {
			session.Deliver(c.send, ev)
		}
		s.mu.Unlock()
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}
