package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/kikitori/internal/transcription"
	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

// A reliable frame that cannot be queued within this window means the client
// stopped reading; the connection is closed instead.
const reliableEnqueueTimeout = 5 * time.Second

var (
	errConnectionClosed = errors.New("websocket connection closed")
	errSendQueueStalled = errors.New("websocket send queue stalled")
)

// connection owns the single writer goroutine gorilla/websocket allows per conn.
type connection struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newConnection(conn *websocket.Conn, logger *slog.Logger) *connection {
	c := &connection{
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writeLoop()
	return c
}

func (c *connection) SendTranscript(t transcription.Transcript) error {
	msg := transcriptionMessage{
		Event:      eventTranscription,
		Transcript: t.Text,
		SpeakerTag: t.SpeakerTag,
		IsFinal:    t.IsFinal,
	}
	if !t.IsFinal {
		return c.enqueueDroppable(msg)
	}
	return c.enqueueReliable(msg)
}

func (c *connection) SendRestartRequired(reason transcription.RestartReason, detail string) error {
	return c.enqueueReliable(restartRequiredMessage{
		Event:  eventRestartRequired,
		Reason: string(reason),
		Detail: detail,
	})
}

func (c *connection) sendSessionReady(sessionID string) error {
	return c.enqueueReliable(sessionReadyMessage{Event: eventSessionReady, SessionID: sessionID})
}

// enqueueDroppable is for interim transcripts only; a full queue drops them.
func (c *connection) enqueueDroppable(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.sendCh <- b:
	case <-c.done:
		return errConnectionClosed
	default:
		c.logger.Debug("dropping interim transcript; send queue full", "queue_size", sendQueueSize)
	}
	return nil
}

// enqueueReliable waits for queue space. Losing a restart instruction would
// stall the session, so a stalled queue closes the connection.
func (c *connection) enqueueReliable(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	timer := time.NewTimer(reliableEnqueueTimeout)
	defer timer.Stop()
	select {
	case c.sendCh <- b:
		return nil
	case <-c.done:
		return errConnectionClosed
	case <-timer.C:
		c.logger.Warn("closing connection; send queue stalled", "queue_size", sendQueueSize)
		c.close()
		return errSendQueueStalled
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("failed to write websocket message", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
