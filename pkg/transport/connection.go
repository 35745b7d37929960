package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Midori31/SimpleChatApp/pkg/protocol"
)

// callback executed for every decoded frame.
type FrameHandler func(ctx context.Context, connID uuid.UUID, frame string)

type OnCloseHandler func(connID uuid.UUID, err error)

// callback executed when the read side has been quiet for IdleNudge. The
// connection is never torn down for idleness; this only gives the handler a
// chance to send a keep-alive notice.
type OnIdleHandler func(connID uuid.UUID)

type ConnectionConfig struct {
	// IdleNudge <= 0 disables the idle callback.
	IdleNudge time.Duration
}

const readBufferSize = 1024

// Connection owns one TCP client connection. Inbound bytes are decoded into
// frames on a single read pump; outbound frames go through a buffered channel
// drained by a single write pump, so concurrent senders can never interleave
// bytes within a frame.
type Connection struct {
	id     uuid.UUID
	conn   net.Conn
	config ConnectionConfig
	send   chan []byte

	onFrame FrameHandler
	onClose OnCloseHandler
	onIdle  OnIdleHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	started   atomic.Bool

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn net.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	// Balanced by Close, which may run before Run on admission failures.
	wg.Add(1)

	return &Connection{
		id:     id,
		conn:   conn,
		logger: connLogger,
		config: config,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
	}
}

func (c *Connection) Run() {
	c.started.Store(true)
	go c.readPump()
	go c.writePump()
}

// readPump pumps bytes off the socket through a frame decoder into the frame
// handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	var dec protocol.Decoder
	buf := make([]byte, readBufferSize)
	for {
		if c.config.IdleNudge > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.config.IdleNudge)); err != nil {
				readErr = err
				return
			}
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if c.onIdle != nil {
					c.onIdle(c.id)
				}
				continue
			}
			readErr = err
			return
		}
		for _, frame := range dec.Push(buf[:n]) {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.onFrame(c.ctx, c.id, frame)
		}
	}
}

// writePump drains the send channel onto the socket. It is the only writer,
// and it owns the socket close: frames queued before shutdown are flushed
// before the descriptor goes away.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.conn.Close()
		c.Close(writeErr)
	}()

	for {
		select {
		case frame := <-c.send:
			if _, err := c.conn.Write(frame); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.flush()
			return
		}
	}
}

const flushTimeout = time.Second

// flush writes frames already queued at shutdown. A dead peer cannot stall
// teardown past flushTimeout.
func (c *Connection) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case frame := <-c.send:
			if _, err := c.conn.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues one encoded frame for delivery. It is safe for concurrent use
// and never blocks past connection shutdown.
func (c *Connection) Send(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
		c.logger.Warn("send on closed connection dropped")
	}
}

// Close tears the connection down exactly once: pumps stop, the close handler
// runs, and Done is released. Once Run has started, the write pump closes the
// socket after flushing queued frames; before Run, Close closes it directly.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("connection closing", slog.Any("reason", err))

		c.cancel()
		if !c.started.Load() {
			c.conn.Close()
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully
// terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnFrameHandler(handler FrameHandler) {
	c.onFrame = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}

func (c *Connection) SetOnIdleHandler(handler OnIdleHandler) {
	c.onIdle = handler
}
