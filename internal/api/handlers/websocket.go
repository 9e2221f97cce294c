package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portscan/internal/api/middleware"
	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/scanning"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer
	requestWait    = 30 * time.Second // Time allowed for the client to send its scan request
	maxMessageSize = 4096             // Maximum message size allowed from peer
	streamBacklog  = 1024             // Outcomes queued for a slow client before the scan is cancelled
)

// Stream message types.
const (
	MessageOutcome = "outcome"
	MessageReport  = "report"
	MessageError   = "error"
)

// StreamMessage is one server-to-client message on a scan stream.
type StreamMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// StreamHandler runs a scan over a websocket: the client sends one
// ScanRequest, the server answers with an "outcome" message per finished
// probe and a final "report" message, then closes the connection.
type StreamHandler struct {
	scans    *ScanHandler
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a stream handler sharing the scan slots of scans.
func NewStreamHandler(scans *ScanHandler, checkOrigin func(r *http.Request) bool) *StreamHandler {
	return &StreamHandler{
		scans: scans,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

type messageSender interface {
	send(msgType string, data interface{}) error
}

// outcomeStream queues outcomes from the scan's collector for a writer
// goroutine. observe never blocks; a full queue or a failed write calls
// onFail once.
type outcomeStream struct {
	out        messageSender
	queue      chan scanning.ProbeOutcome
	done       chan struct{}
	hideClosed bool
	onFail     func()
	failOnce   sync.Once
}

func newOutcomeStream(out messageSender, backlog int, hideClosed bool, onFail func()) *outcomeStream {
	s := &outcomeStream{
		out:        out,
		queue:      make(chan scanning.ProbeOutcome, backlog),
		done:       make(chan struct{}),
		hideClosed: hideClosed,
		onFail:     onFail,
	}
	go s.run()
	return s
}

func (s *outcomeStream) run() {
	defer close(s.done)
	failed := false
	for o := range s.queue {
		if failed {
			continue
		}
		if err := s.out.send(MessageOutcome, o); err != nil {
			failed = true
			s.fail()
		}
	}
}

func (s *outcomeStream) observe(o scanning.ProbeOutcome) {
	if s.hideClosed && o.Status == scanning.StatusClosed {
		return
	}
	select {
	case s.queue <- o:
	default:
		s.fail()
	}
}

func (s *outcomeStream) fail() {
	s.failOnce.Do(s.onFail)
}

// finish waits for every queued outcome to be written. observe must not be
// called afterwards.
func (s *outcomeStream) finish() {
	close(s.queue)
	<-s.done
}

// streamConn serialises writes from the outcome writer and the handler.
type streamConn struct {
	conn      *websocket.Conn
	requestID string
	mu        sync.Mutex
	failed    bool
}

func (c *streamConn) send(msgType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return websocket.ErrCloseSent
	}

	msg := StreamMessage{Type: msgType, Timestamp: time.Now().UTC(), Data: data, RequestID: c.requestID}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.failed = true
		return err
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.failed = true
		return err
	}
	return nil
}

func (c *streamConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = c.conn.Close()
}

// sendError reports err to the client and closes the stream.
func (c *streamConn) sendError(err error) {
	_ = c.send(MessageError, ErrorResponse{
		Error:     http.StatusText(statusForError(err)),
		Message:   errors.Message(err),
		Code:      string(errors.GetCode(err)),
		Timestamp: time.Now().UTC(),
		RequestID: c.requestID,
	})
	c.close(websocket.ClosePolicyViolation, errors.Message(err))
}

// Stream handles GET /api/v1/scans/stream.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)
	log := h.scans.logger.WithFields("request_id", requestID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	sc := &streamConn{conn: conn, requestID: requestID}

	var body ScanRequest
	if err := conn.SetReadDeadline(time.Now().Add(requestWait)); err != nil {
		sc.close(websocket.CloseInternalServerErr, "")
		return
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		log.Debug("stream closed before a scan request arrived", "error", err)
		_ = conn.Close()
		return
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		sc.sendError(errors.WrapScanError(errors.CodeValidation, "invalid JSON: "+err.Error(), err))
		return
	}

	req, cfg, err := h.scans.toScan(&body)
	if err != nil {
		sc.sendError(err)
		return
	}

	// The client going away cancels the scan.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("stream client went away", "error", err)
				}
				return
			}
		}
	}()

	release, err := h.scans.acquire(ctx)
	if err != nil {
		sc.sendError(err)
		return
	}
	defer release()

	stream := newOutcomeStream(sc, streamBacklog, body.HideClosed, func() {
		log.Warn("stream client cannot keep up, cancelling scan")
		cancel()
	})
	report, err := h.scans.scanner.Scan(ctx, req, cfg, scanning.WithObserver(stream.observe))
	stream.finish()
	if report == nil {
		sc.sendError(err)
		return
	}

	if err := sc.send(MessageReport, newScanResponse(report, body.HideClosed)); err != nil {
		log.Debug("failed to send final report", "error", err)
	}
	sc.close(websocket.CloseNormalClosure, "scan finished")
}
