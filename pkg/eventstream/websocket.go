package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
)

const (
	websocketQueueSize     = 256
	maxReconnectDelay      = 60 * time.Second
	websocketWriteDeadline = 5 * time.Second
)

// ErrSinkClosed is returned when publishing to a closed sink.
var ErrSinkClosed = errors.New("event sink closed")

// WebsocketSink forwards events as JSON text messages to a websocket
// endpoint. Events are queued while the connection is down; when the
// queue is full the oldest event is dropped.
type WebsocketSink struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    logflags.Logger

	maxReconnectAttempts int
	reconnectDelay       time.Duration

	queue chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	mu        sync.Mutex
	connected bool
	closed    bool
}

// NewWebsocketSink returns a sink for url. Start has to be called to
// connect.
func NewWebsocketSink(url string) *WebsocketSink {
	return &WebsocketSink{
		url:                  url,
		header:               http.Header{},
		dialer:               websocket.DefaultDialer,
		log:                  logflags.EventStreamLogger().WithField("url", url),
		maxReconnectAttempts: 10,
		reconnectDelay:       time.Second,
		queue:                make(chan []byte, websocketQueueSize),
		done:                 make(chan struct{}),
	}
}

// Start connects in the background and keeps reconnecting until ctx is
// done, Close is called or the reconnect attempts are exhausted.
func (w *WebsocketSink) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Connected reports whether the sink currently has a connection.
func (w *WebsocketSink) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *WebsocketSink) run(ctx context.Context) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}

		conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
		if err != nil {
			attempts++
			if attempts > w.maxReconnectAttempts {
				w.log.Error("max reconnect attempts reached, giving up")
				return
			}
			delay := w.reconnectDelay * time.Duration(1<<uint(attempts-1))
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			w.log.WithError(err).Debugf("reconnecting in %v (attempt %d)", delay, attempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
			continue
		}

		attempts = 0
		w.setConnected(true)
		w.log.Debug("connected")
		stop := w.writeLoop(ctx, conn)
		w.setConnected(false)
		conn.Close()
		if stop {
			return
		}
	}
}

func (w *WebsocketSink) setConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

// writeLoop sends queued messages until the connection breaks (false) or
// the sink is shut down (true).
func (w *WebsocketSink) writeLoop(ctx context.Context, conn *websocket.Conn) bool {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.flush(conn)
			return true
		case <-w.done:
			w.flush(conn)
			return true
		case <-readDone:
			w.log.Warn("connection lost")
			return false
		case msg := <-w.queue:
			if err := w.write(conn, msg); err != nil {
				w.log.WithError(err).Warn("write failed")
				return false
			}
		}
	}
}

func (w *WebsocketSink) write(conn *websocket.Conn, msg []byte) error {
	conn.SetWriteDeadline(time.Now().Add(websocketWriteDeadline))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// flush writes what is left in the queue and says goodbye.
func (w *WebsocketSink) flush(conn *websocket.Conn) {
	for {
		select {
		case msg := <-w.queue:
			if err := w.write(conn, msg); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(websocketWriteDeadline))
			return
		}
	}
}

func (w *WebsocketSink) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrSinkClosed
	}
	select {
	case w.queue <- data:
	default:
		select {
		case <-w.queue:
		default:
		}
		w.queue <- data
	}
	return nil
}

// Close flushes queued events if connected and stops the sink.
func (w *WebsocketSink) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	close(w.done)
	w.wg.Wait()
	return nil
}
