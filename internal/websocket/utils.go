package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// MaxMessageSize bounds one client message; a landmark frame is a few KB.
	MaxMessageSize = 64 << 10
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// PrepareReader applies the read limit and keeps the read deadline moving
// while the client answers pings.
func PrepareReader(conn *websocket.Conn) {
	conn.SetReadLimit(MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// Writer is the only goroutine that writes to a connection. Other goroutines
// enqueue messages with Send.
type Writer struct {
	conn *websocket.Conn
	out  chan interface{}
	log  zerolog.Logger

	once sync.Once
	done chan struct{}
}

// NewWriter creates a Writer with room for size pending messages.
func NewWriter(conn *websocket.Conn, size int, log zerolog.Logger) *Writer {
	return &Writer{
		conn: conn,
		out:  make(chan interface{}, size),
		log:  log,
		done: make(chan struct{}),
	}
}

// Send enqueues v. It never blocks: when the client cannot keep up the
// connection is closed, since a reconnect restores the full state.
func (w *Writer) Send(v interface{}) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.out <- v:
		return true
	case <-w.done:
		return false
	default:
		w.log.Warn().Msg("Outbound queue full, closing connection")
		w.Stop()
		return false
	}
}

// Stop ends Run and closes the connection.
func (w *Writer) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.conn.Close()
	})
}

// Done is closed once the writer stopped.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Run writes queued messages and keepalive pings until ctx ends or Stop is
// called. Messages still queued at that point are flushed first when ctx
// ended, so a final result is not lost.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer w.Stop()

	for {
		select {
		case v := <-w.out:
			if err := WriteTyped(w.conn, v); err != nil {
				w.log.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			w.drain()
			w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-w.done:
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case v := <-w.out:
			if err := WriteTyped(w.conn, v); err != nil {
				return
			}
		default:
			return
		}
	}
}
