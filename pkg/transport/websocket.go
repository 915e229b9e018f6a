package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla websocket connection to Conn.
type WebSocket struct {
	conn        *websocket.Conn
	messageType int

	wmtx sync.Mutex

	frames chan result
	done   chan struct{}
	once   sync.Once
}

// NewWebSocket wraps conn. Frames are sent as binary messages unless text is true.
func NewWebSocket(conn *websocket.Conn, text bool) *WebSocket {
	mt := websocket.BinaryMessage
	if text {
		mt = websocket.TextMessage
	}
	ws := &WebSocket{
		conn:        conn,
		messageType: mt,
		frames:      make(chan result, 16),
		done:        make(chan struct{}),
	}
	go ws.readLoop()
	return ws
}

// DialWebSocket connects to a host serving the bridge at url.
func DialWebSocket(ctx context.Context, url string, header http.Header, text bool) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocket(conn, text), nil
}

// Upgrader is used by hosts serving the bridge over HTTP.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (ws *WebSocket) readLoop() {
	for {
		_, frame, err := ws.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) || errors.Is(err, websocket.ErrCloseSent) {
				err = ErrClosed
			}
		}
		select {
		case ws.frames <- result{frame: frame, err: err}:
		case <-ws.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (ws *WebSocket) Send(ctx context.Context, frame []byte) error {
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	ws.wmtx.Lock()
	defer ws.wmtx.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.conn.SetWriteDeadline(deadline)
		defer ws.conn.SetWriteDeadline(time.Time{})
	}
	if err := ws.conn.WriteMessage(ws.messageType, frame); err != nil {
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	return nil
}

func (ws *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	select {
	case r := <-ws.frames:
		if r.err != nil {
			select {
			case ws.frames <- r:
			default:
			}
		}
		return r.frame, r.err
	case <-ws.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ws *WebSocket) Close() error {
	var err error
	ws.once.Do(func() {
		close(ws.done)
		ws.wmtx.Lock()
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ws.wmtx.Unlock()
		err = ws.conn.Close()
	})
	return err
}
