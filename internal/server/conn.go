package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/proctorly/engine/internal/logging"
	"github.com/proctorly/engine/internal/manager"
	"github.com/proctorly/engine/internal/session"
)

// inbound is the client envelope. Only the fields relevant to the given
// type are populated; the rest stay zero.
type inbound struct {
	Type      string  `json:"type"`
	StudentID string  `json:"studentId"`
	ExamID    string  `json:"examId"`
	Frame     string  `json:"frame"`
	Timestamp float64 `json:"timestamp"` // unix milliseconds, optional
}

type connectionResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

type startedResponse struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type violationEvent struct {
	Type       string              `json:"type"`
	Violations []session.Violation `json:"violations"`
	Timestamp  time.Time           `json:"timestamp"`
	Source     string              `json:"source,omitempty"`
}

type statusEvent struct {
	Type string `json:"type"`
	manager.Status
}

type endedResponse struct {
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Report *session.Report `json:"report"`
}

type errorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// conn is one examinee connection. It implements manager.Sink, so runner
// goroutines push events straight into the send queue.
type conn struct {
	id  string
	ws  *websocket.Conn
	mgr *manager.Manager

	send chan []byte
	done chan struct{}
	once sync.Once

	// One decode warning per substream per connection, not per frame.
	decodeWarned map[session.Substream]bool
	routeWarned  bool
}

func newConn(ws *websocket.Conn, mgr *manager.Manager) *conn {
	return &conn{
		id:           uuid.NewString(),
		ws:           ws,
		mgr:          mgr,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		decodeWarned: make(map[session.Substream]bool),
	}
}

// push queues an outbound envelope without blocking. A full queue drops
// the message; the session record in the store stays authoritative.
func (c *conn) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal outbound message", logging.KeySessionID, c.id, logging.KeyError, err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("send queue full, dropping message", logging.KeySessionID, c.id)
	}
}

// Violations implements manager.Sink.
func (c *conn) Violations(vs []session.Violation, source string) {
	c.push(violationEvent{
		Type:       "violation_detected",
		Violations: vs,
		Timestamp:  vs[len(vs)-1].Timestamp,
		Source:     source,
	})
}

// Status implements manager.Sink.
func (c *conn) Status(st manager.Status) {
	c.push(statusEvent{Type: "proctor_status", Status: st})
}

// Ended implements manager.Sink. Fires both for a client-requested end and
// for a reaped idle session.
func (c *conn) Ended(report *session.Report) {
	c.push(endedResponse{Type: "proctoring_ended", Status: "success", Report: report})
}

func (c *conn) fail(msg string) {
	c.push(errorResponse{Type: "error", Message: msg})
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.KeySessionID, c.id, logging.KeyError, err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail("invalid message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg inbound) {
	switch msg.Type {
	case "start_proctoring":
		sid, err := c.mgr.Start(c.id, msg.StudentID, msg.ExamID, c)
		if err != nil {
			c.fail(err.Error())
			return
		}
		c.push(startedResponse{
			Type:      "proctoring_started",
			Status:    "success",
			Message:   "Proctoring session started",
			SessionID: sid,
		})

	case "video_frame":
		c.routeFrame(session.SubstreamCamera, msg)

	case "screen_frame":
		c.routeFrame(session.SubstreamScreen, msg)

	case "end_proctoring":
		if _, err := c.mgr.End(c.id); err != nil {
			c.fail("No active session")
		}
		// The final report reaches the client through Ended.

	default:
		c.fail("unknown message type: " + msg.Type)
	}
}

func (c *conn) routeFrame(stream session.Substream, msg inbound) {
	img, err := decodeDataURL(msg.Frame)
	if err != nil {
		if !c.decodeWarned[stream] {
			log.Warn("frame decode failed, dropping frames with this fault",
				logging.KeySessionID, c.id, logging.KeySubstream, string(stream), logging.KeyError, err)
			c.decodeWarned[stream] = true
		}
		return
	}

	at := frameTime(msg.Timestamp, time.Now())

	if err := c.mgr.Route(c.id, stream, manager.Frame{Image: img, At: at}); err != nil {
		if !c.routeWarned {
			log.Warn("frame before session start, dropping",
				logging.KeySessionID, c.id, logging.KeySubstream, string(stream))
			c.routeWarned = true
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown ends the session (if the client never sent end_proctoring) and
// tears down both pumps.
func (c *conn) shutdown() {
	c.once.Do(func() {
		if _, err := c.mgr.End(c.id); err != nil && !errors.Is(err, manager.ErrNoSession) {
			log.Error("ending session on disconnect", logging.KeySessionID, c.id, logging.KeyError, err)
		}
		close(c.done)
		c.ws.Close()
	})
}

// frameTime resolves a client capture timestamp (unix milliseconds) against
// the arrival time. Missing or implausible values fall back to arrival: a
// client sending unix seconds would otherwise land its frames in 1970.
func frameTime(ts float64, now time.Time) time.Time {
	if ts <= 0 {
		return now
	}
	at := time.UnixMilli(int64(ts))
	if d := now.Sub(at); d > maxTimestampSkew || d < -maxTimestampSkew {
		return now
	}
	return at
}

// decodeDataURL decodes a base64 data URL (or bare base64) into an image.
func decodeDataURL(s string) (image.Image, error) {
	if s == "" {
		return nil, errors.New("empty frame")
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}
