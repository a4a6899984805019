package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/forge3d/uerelay/internal/protocol"
	"github.com/forge3d/uerelay/internal/relay"
	"github.com/forge3d/uerelay/internal/telemetry"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1 << 20 // scene payloads can get large
	wsSendBuffer     = 64
	wsIdentifyWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Engine and dashboard clients connect from their own origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient wraps one websocket connection with a buffered outbound queue.
// SafeSend never blocks and never panics on a closed connection.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    atomic.Bool
	closeOnce sync.Once
	log       zerolog.Logger
}

func newWSClient(conn *websocket.Conn, log zerolog.Logger) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		log:  log,
	}
}

// SafeSend queues data for the write pump. Returns false if the client is
// closed or its queue is full; a full queue means the peer stopped reading.
func (c *wsClient) SafeSend(data []byte) (sent bool) {
	// close() can run between the closed check and the channel send, so the
	// send can still hit a closed channel.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn().Msg("websocket send queue full, dropping message")
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) prepareRead() {
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
}

// engineSender pushes command frames over one engine websocket. It is the
// push half of the transport; a send failure makes the relay fall back to
// the poll backlog.
type engineSender struct {
	client *wsClient
}

func (e *engineSender) Send(cmd protocol.Command) error {
	data, err := relay.EncodeCommandFrame(cmd)
	if err != nil {
		return err
	}
	if !e.client.SafeSend(data) {
		return fmt.Errorf("engine channel unavailable")
	}
	return nil
}

func (s *Server) handleEngineWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("engine websocket upgrade failed")
		return
	}

	// The first frame must identify the project or the socket is useless.
	_ = conn.SetReadDeadline(time.Now().Add(wsIdentifyWait))
	var frame protocol.Frame
	if err := conn.ReadJSON(&frame); err != nil || frame.Type != protocol.FrameIdentify {
		_ = conn.Close()
		return
	}
	var ident protocol.IdentifyPayload
	if err := frame.Decode(&ident); err != nil || ident.ProjectID == "" {
		_ = conn.Close()
		return
	}

	log := s.log.With().Str("project", ident.ProjectID).Logger()
	s.registry.Register(relay.ProjectMeta{
		ProjectID:     ident.ProjectID,
		ProjectName:   ident.ProjectName,
		EngineVersion: ident.EngineVersion,
		Capabilities:  ident.Capabilities,
	})
	if s.catalog != nil {
		if err := s.catalog.UpsertProject(r.Context(), ident.ProjectID, ident.ProjectName, ident.EngineVersion); err != nil {
			log.Error().Err(err).Msg("catalog upsert failed")
		}
	}

	client := newWSClient(conn, log)
	sender := &engineSender{client: client}
	if old := s.adapter.AttachChannel(ident.ProjectID, sender); old != nil {
		if prev, ok := old.(*engineSender); ok {
			prev.client.close()
		}
	}
	telemetry.CounterGlobal("relay_engine_connects", 1, nil)
	log.Info().Msg("engine channel attached")

	go client.writePump()
	client.prepareRead()
	defer func() {
		s.adapter.DetachChannel(ident.ProjectID, sender)
		client.close()
		log.Info().Msg("engine channel detached")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var in protocol.Frame
		if err := json.Unmarshal(data, &in); err != nil {
			log.Debug().Err(err).Msg("malformed engine frame")
			continue
		}
		switch in.Type {
		case protocol.FrameHeartbeat:
			if err := s.registry.Heartbeat(ident.ProjectID); err != nil {
				log.Debug().Err(err).Msg("heartbeat for deregistered project")
			}
		case protocol.FrameResponse:
			var resp protocol.Response
			if err := in.Decode(&resp); err != nil {
				log.Debug().Err(err).Msg("malformed response frame")
				continue
			}
			if s.adapter.DeliverResponse(ident.ProjectID, resp) {
				telemetry.CounterGlobal("relay_responses_matched", 1, nil)
			}
		default:
			log.Debug().Str("type", string(in.Type)).Msg("ignoring unexpected frame")
		}
	}
}

// dashboardObserver forwards relay events to one dashboard websocket.
type dashboardObserver struct {
	client *wsClient
}

func (d *dashboardObserver) Notify(event protocol.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if !d.client.SafeSend(data) {
		return fmt.Errorf("dashboard channel unavailable")
	}
	return nil
}

func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("dashboard websocket upgrade failed")
		return
	}

	client := newWSClient(conn, s.log.With().Str("component", "dashboard-ws").Logger())
	obs := &dashboardObserver{client: client}
	s.fanout.Subscribe(obs)
	telemetry.CounterGlobal("relay_dashboard_connects", 1, nil)

	go client.writePump()
	client.prepareRead()
	defer func() {
		s.fanout.Unsubscribe(obs)
		client.close()
	}()

	// Dashboards only listen. The read loop exists to service control
	// frames and notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}
