// Package transport carries sync messages between nodes over websockets
// and gRPC streams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/ssd-technologies/covalue/internal/cojson"
)

var logger = logging.MustGetLogger("covalue.transport")

// MaxMessageBytes bounds one incoming sync message.
const MaxMessageBytes = 4 << 20

// Conn is a cojson.Conn that reports when it has been closed.
type Conn interface {
	cojson.Conn
	Done() <-chan struct{}
}

// WSConn adapts a websocket connection to cojson.Conn. gorilla/websocket
// connections do not support concurrent writers, so every write is
// serialized.
type WSConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex // guards writes

	done chan struct{}
	once sync.Once
}

var _ Conn = (*WSConn)(nil)

// NewWSConn wraps an established websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(MaxMessageBytes)
	return &WSConn{conn: conn, done: make(chan struct{})}
}

// upgrader allows any origin: peers are nodes, not browsers.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Accept upgrades an inbound HTTP request.
func Accept(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return NewWSConn(conn), nil
}

// Dial opens an outbound websocket to url, e.g. ws://host:port/sync.
func Dial(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(conn), nil
}

func (c *WSConn) Send(ctx context.Context, msg cojson.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *WSConn) Recv(ctx context.Context) (cojson.Message, error) {
	// A blocked read only returns once the deadline moves.
	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	var msg cojson.Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		if ctx.Err() != nil {
			return msg, ctx.Err()
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return msg, fmt.Errorf("read: %w: %v", cojson.ErrClosed, err)
		}
		return msg, fmt.Errorf("read: %w", err)
	}
	return msg, nil
}

// Close sends a close frame and closes the connection.
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) Done() <-chan struct{} { return c.done }
