// Package ws implements the gorilla/websocket SessionActor adapter: the
// concrete transport connecting browser clients to a Coordinator's
// OpenModel/OperationSubmission/outbound messages. Grounded on the
// teacher's websocket/client.go Client (upgrade, readPump/writePump,
// JSON-framed messages), generalized from canvas strokes to the operation
// algebra.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rectcircle/convergence-server/internal/coordinator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire shape of every JSON frame exchanged over the
// connection, in both directions, mirroring the teacher's Message{Type,
// Data} framing in websocket/client.go.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Session is one open websocket connection, playing coordinator.SessionActor
// on the inbound side and a JSON-framed writer on the outbound side.
type Session struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	modelID   string
	registry  *coordinator.Registry
	logger    *log.Logger
}

// ServeModel upgrades r into a websocket connection bound to the model id
// parsed from the URL path (expected shape: /ws/model/{modelId}, the
// generalization of the teacher's /ws/room/{roomId}), then issues OpenModel
// against the registry and starts the read/write pumps.
func ServeModel(registry *coordinator.Registry, logger *log.Logger, w http.ResponseWriter, r *http.Request) {
	if logger == nil {
		logger = log.Default()
	}
	parts := strings.Split(r.URL.Path, "/")
	var modelID string
	if len(parts) >= 4 && parts[2] == "model" {
		modelID = parts[3]
	} else {
		http.Error(w, "invalid model id in path", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("[ws] upgrade failed: %v", err)
		return
	}

	s := &Session{
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: uuid.New().String(),
		modelID:   modelID,
		registry:  registry,
		logger:    logger,
	}

	registry.Dispatch(modelID, coordinator.OpenModel{SessionID: s.sessionID, ModelID: modelID, Actor: s})

	go s.writePump()
	go s.readPump()
}

// Send implements coordinator.SessionActor. Unlike the teacher's hub
// broadcast (which drops and disconnects a client as soon as its send buffer
// is full), this blocks the calling coordinator goroutine while the buffer
// is full, for up to 3*writeWait. If the buffer is still full after that,
// the message is dropped and the connection closed. A slow reader therefore
// stalls its own model's coordinator (and so that model's other
// participants, since broadcastExcept calls Send sequentially per
// recipient), not the coordinators of other models.
func (s *Session) Send(msg coordinator.OutboundMessage) {
	payload, err := encodeOutbound(msg)
	if err != nil {
		s.logger.Printf("[ws] %s: failed to encode outbound message %T: %v", s.sessionID, msg, err)
		return
	}
	select {
	case s.send <- payload:
	case <-time.After(writeWait * 3):
		s.logger.Printf("[ws] %s: send buffer stuck, closing connection", s.sessionID)
		s.conn.Close()
	}
}

func (s *Session) readPump() {
	defer func() {
		s.registry.Dispatch(s.modelID, coordinator.CloseModel{SessionID: s.sessionID})
		s.conn.Close()
	}()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Printf("[ws] %s: read error: %v", s.sessionID, err)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Printf("[ws] %s: malformed frame: %v", s.sessionID, err)
			continue
		}
		msg, err := decodeInbound(s.sessionID, env)
		if err != nil {
			s.logger.Printf("[ws] %s: bad %s frame: %v", s.sessionID, env.Type, err)
			continue
		}
		if msg != nil {
			s.registry.Dispatch(s.modelID, msg)
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var errUnknownFrameType = fmt.Errorf("ws: unknown frame type")
