package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"joinbot/internal/control"
	"joinbot/internal/eventbus"
	"joinbot/internal/session"
	logx "joinbot/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	subBuffer      = 256
)

// frame is the wire envelope in both directions.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type (
	createSessionReq struct {
		SessionID   string `json:"sessionId"`
		Method      string `json:"method"`
		PhoneNumber string `json:"phoneNumber"`
	}
	deleteSessionReq struct {
		SessionID string `json:"sessionId"`
	}
	addLinksReq struct {
		SessionIDs []string `json:"sessionIds"`
		Links      string   `json:"links"`
	}
	controlReq struct {
		SessionIDs []string        `json:"sessionIds"`
		Action     string          `json:"action"`
		Value      json.RawMessage `json:"value"`
	}
	subscribeReq struct {
		SessionIDs []string `json:"sessionIds"`
	}
)

type wsConn struct {
	id      string
	conn    *websocket.Conn
	log     logx.Logger
	writeMu sync.Mutex
}

func (c *wsConn) send(f outFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", logx.Err(err))
		return
	}
	c := &wsConn{id: uuid.NewString(), conn: conn}
	c.log = s.log.With(logx.String("conn", c.id))
	c.log.Info("observer connected", logx.String("remote", r.RemoteAddr))

	sub := s.bus.Subscribe(subBuffer)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(c, sub, done)
	}()

	if err := c.send(outFrame{Type: eventbus.TypeInit, Data: scoped(s.ctl.Snapshot(), sub.Scope())}); err != nil {
		c.log.Debug("send init failed", logx.Err(err))
	}
	s.readLoop(r.Context(), c, sub)

	close(done)
	sub.Close()
	wg.Wait()
	_ = conn.Close()
	c.log.Info("observer disconnected")
}

func (s *Server) writeLoop(c *wsConn, sub *eventbus.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := c.send(outFrame{Type: e.Type, Data: e.Data}); err != nil {
				c.log.Debug("write failed", logx.Err(err))
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsConn, sub *eventbus.Subscription) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	actor := "ws:" + c.id
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.log.Debug("ws read ended", logx.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(ctx, c, sub, actor, f)
	}
}

// dispatch runs one observer command. Malformed commands are logged and
// dropped; the connection stays open.
func (s *Server) dispatch(ctx context.Context, c *wsConn, sub *eventbus.Subscription, actor string, f frame) {
	log := c.log.With(logx.String("cmd", f.Type))
	switch f.Type {
	case "createSession":
		var req createSessionReq
		if err := json.Unmarshal(f.Data, &req); err != nil || req.SessionID == "" {
			log.Debug("bad request", logx.Err(err))
			return
		}
		if err := s.ctl.CreateSession(ctx, actor, req.SessionID, req.Method, req.PhoneNumber); err != nil {
			s.reply(c, "failed to create session "+req.SessionID+": "+err.Error())
		}

	case "deleteSession":
		// Accepts a bare session ID or {"sessionId": ...}.
		var id string
		if err := json.Unmarshal(f.Data, &id); err != nil {
			var req deleteSessionReq
			if err := json.Unmarshal(f.Data, &req); err != nil {
				log.Debug("bad request", logx.Err(err))
				return
			}
			id = req.SessionID
		}
		if id == "" {
			return
		}
		if err := s.ctl.DeleteSession(ctx, actor, id); err != nil {
			s.reply(c, err.Error())
		}

	case "addLinks":
		var req addLinksReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			log.Debug("bad request", logx.Err(err))
			return
		}
		if res := s.ctl.AddLinks(ctx, actor, req.SessionIDs, req.Links); res.Message != "" {
			s.reply(c, res.Message)
		}

	case "control":
		var req controlReq
		if err := json.Unmarshal(f.Data, &req); err != nil {
			log.Debug("bad request", logx.Err(err))
			return
		}
		s.ctl.Control(ctx, actor, req.SessionIDs, control.Action(req.Action), rawValue(req.Value))

	case "subscribe":
		var req subscribeReq
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &req); err != nil {
				log.Debug("bad request", logx.Err(err))
				return
			}
		}
		sub.SetScope(req.SessionIDs)
		if err := c.send(outFrame{Type: eventbus.TypeInit, Data: scoped(s.ctl.Snapshot(), sub.Scope())}); err != nil {
			log.Debug("send init failed", logx.Err(err))
		}

	default:
		log.Debug("unknown command")
	}
}

// scoped drops sessions outside scope from snap. A nil scope keeps everything.
func scoped(snap control.InitData, scope []string) control.InitData {
	if scope == nil {
		return snap
	}
	out := control.InitData{Sessions: []string{}, Users: make(map[string]session.Record, len(scope))}
	for _, id := range snap.Sessions {
		if slices.Contains(scope, id) {
			out.Sessions = append(out.Sessions, id)
		}
	}
	for _, id := range scope {
		if r, ok := snap.Users[id]; ok {
			out.Users[id] = r
		}
	}
	return out
}

// reply sends a log line to the requesting observer only.
func (s *Server) reply(c *wsConn, msg string) {
	if err := c.send(outFrame{Type: eventbus.TypeLog, Data: eventbus.LogData{Message: msg}}); err != nil {
		c.log.Debug("reply failed", logx.Err(err))
	}
}

// rawValue accepts both "30" and 30 for control values.
func rawValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
