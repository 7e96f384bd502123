package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn carries a byte stream over binary WebSocket messages so yamux can
// run on top of a single upgraded connection.
type Conn struct {
	ws *websocket.Conn

	wmu sync.Mutex
	r   io.Reader
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read streams the current message and moves to the next one at its end.
// Reads are not safe for concurrent use; yamux reads from one goroutine.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

var _ io.ReadWriteCloser = (*Conn)(nil)
