package chat

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"IMGateway/logger"
	"IMGateway/tools/errs"

	"github.com/gorilla/websocket"
)

const (
	taskQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// netConn is the slice of *websocket.Conn the connection loop writes
// through. Tests swap in a recorder.
type netConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

// connState is owned by the connection's event loop. Nothing outside
// the loop may touch it; cross-goroutine readers go through
// runOnLoopWait and get a copy.
type connState struct {
	userID     int64
	deviceID   string
	sessionID  string
	registered bool
	regToken   int64 // fencing token of the in-flight registration
}

// Conn serializes all per-connection work onto one goroutine, so
// registration state never needs a mutex. Writes to the socket happen
// on the loop as well.
type Conn struct {
	ws    netConn
	tasks chan func()

	closeOnce sync.Once
	closed    chan struct{}

	// guards the enqueue/exit handshake so a task accepted by
	// RunOnLoop is always executed before the loop goroutine returns
	mu     sync.Mutex
	exited bool

	state connState
}

// NewConn starts the event loop for a freshly upgraded socket.
func NewConn(ws *websocket.Conn) *Conn {
	return newConn(ws)
}

func newConn(ws netConn) *Conn {
	c := &Conn{
		ws:     ws,
		tasks:  make(chan func(), taskQueueSize),
		closed: make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Conn) loop() {
	for {
		select {
		case f := <-c.tasks:
			f()
		case <-c.closed:
			// no enqueue can slip in once exited is set, so one
			// drain after the flag flip catches everything accepted
			c.mu.Lock()
			c.exited = true
			c.mu.Unlock()
			for {
				select {
				case f := <-c.tasks:
					f()
				default:
					return
				}
			}
		}
	}
}

// RunOnLoop queues f onto the connection's loop without waiting for it.
// Once it returns nil the task is guaranteed to run, even when the
// connection closes concurrently.
func (c *Conn) RunOnLoop(f func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return errs.ErrConnClosed.Wrap()
	}
	select {
	case c.tasks <- f:
		return nil
	case <-c.closed:
		return errs.ErrConnClosed.Wrap()
	}
}

// runOnLoopWait runs f on the loop and blocks until it finished.
func (c *Conn) runOnLoopWait(f func(st *connState)) error {
	done := make(chan struct{})
	err := c.RunOnLoop(func() {
		defer close(done)
		f(&c.state)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Send marshals v and writes it as one text frame, on the loop.
func (c *Conn) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.WrapMsg(err, "marshal frame")
	}
	return c.RunOnLoop(func() {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			logger.Warnf("[conn] set write deadline remote=%s err=%v", c.remote(), err)
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
			logger.Warnf("[conn] write failed remote=%s err=%v", c.remote(), err)
			c.Close()
		}
	})
}

// SendText writes a raw text frame, used for the registration markers.
func (c *Conn) SendText(s string) error {
	return c.RunOnLoop(func() {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			logger.Warnf("[conn] set write deadline remote=%s err=%v", c.remote(), err)
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
			logger.Warnf("[conn] write failed remote=%s err=%v", c.remote(), err)
			c.Close()
		}
	})
}

// SendPacket wraps data in an outbound frame and sends it.
func (c *Conn) SendPacket(packetType int32, data any) error {
	return c.Send(Outbound{PacketType: packetType, Data: data})
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.ws.Close(); err != nil {
			logger.Debugf("[conn] close remote=%s err=%v", c.remote(), err)
		}
	})
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) remote() string {
	if a := c.ws.RemoteAddr(); a != nil {
		return a.String()
	}
	return "?"
}

// Snapshot copies the loop-confined state for readers on other
// goroutines. Returns an error when the connection is gone.
func (c *Conn) Snapshot() (connState, error) {
	var st connState
	err := c.runOnLoopWait(func(s *connState) { st = *s })
	return st, err
}
