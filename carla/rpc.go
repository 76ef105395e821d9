package carla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tinylib/msgp/msgp"
)

// msgpack-rpc message types.
const (
	rpcRequest      = 0
	rpcResponse     = 1
	rpcNotification = 2
)

// rpcConn is a msgpack-rpc client connection. Calls may be issued concurrently: writes
// are serialised and a single reader goroutine routes responses to their callers by
// message id.
type rpcConn struct {
	conn   net.Conn
	logger *slog.Logger

	writeLock sync.Mutex
	writer    *msgp.Writer

	lock    sync.Mutex
	pending map[uint32]chan rpcResult
	err     error

	nextID     atomic.Uint32
	closeOnce  sync.Once
	readClosed chan struct{}
}

type rpcResult struct {
	value any
	err   error
}

func dialRPC(ctx context.Context, addr string, logger *slog.Logger) (*rpcConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return newRPCConn(conn, logger), nil
}

func newRPCConn(conn net.Conn, logger *slog.Logger) *rpcConn {
	c := &rpcConn{
		conn:       conn,
		logger:     logger,
		writer:     msgp.NewWriter(conn),
		pending:    make(map[uint32]chan rpcResult),
		readClosed: make(chan struct{}),
	}
	go c.readResponses()
	return c
}

// call sends a request and waits for its response. The raw result is returned; Carla's
// response envelope is left to the caller.
func (c *rpcConn) call(ctx context.Context, method string, args ...any) (any, error) {
	id := c.nextID.Add(1)
	results := make(chan rpcResult, 1)

	c.lock.Lock()
	if c.err != nil {
		err := c.err
		c.lock.Unlock()
		return nil, err
	}
	c.pending[id] = results
	c.lock.Unlock()

	if err := c.write(ctx, id, method, args); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case res := <-results:
		return res.value, res.err
	}
}

func (c *rpcConn) write(ctx context.Context, id uint32, method string, args []any) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	w := c.writer
	if err := w.WriteArrayHeader(4); err != nil {
		return err
	}
	if err := w.WriteUint8(rpcRequest); err != nil {
		return err
	}
	if err := w.WriteUint32(id); err != nil {
		return err
	}
	if err := w.WriteString(method); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(args))); err != nil {
		return err
	}
	for i, arg := range args {
		if err := w.WriteIntf(arg); err != nil {
			return fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
	}
	return w.Flush()
}

func (c *rpcConn) forget(id uint32) {
	c.lock.Lock()
	delete(c.pending, id)
	c.lock.Unlock()
}

func (c *rpcConn) readResponses() {
	defer close(c.readClosed)

	r := msgp.NewReader(c.conn)
	for {
		v, err := r.ReadIntf()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.fail(ErrClosed)
			} else {
				c.fail(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return
		}

		msg, err := asArray(v)
		if err != nil || len(msg) == 0 {
			c.logger.Warn("ignoring malformed rpc message", slog.Any("message", v))
			continue
		}
		typ, err := asUint64(msg[0])
		if err != nil {
			c.logger.Warn("ignoring rpc message with invalid type", slog.Any("type", msg[0]))
			continue
		}

		switch typ {
		case rpcResponse:
			c.dispatch(msg)
		case rpcNotification:
			// The simulator does not send notifications on the RPC port.
		default:
			c.logger.Warn("ignoring unexpected rpc message", slog.Uint64("type", typ))
		}
	}
}

func (c *rpcConn) dispatch(msg []any) {
	if len(msg) != 4 {
		c.logger.Warn("ignoring malformed rpc response", slog.Int("length", len(msg)))
		return
	}
	id, err := asUint32(msg[1])
	if err != nil {
		c.logger.Warn("ignoring rpc response with invalid id", slog.String("err", err.Error()))
		return
	}

	c.lock.Lock()
	results, ok := c.pending[id]
	delete(c.pending, id)
	c.lock.Unlock()

	if !ok {
		// The caller gave up on this call already.
		c.logger.Debug("dropping response for unknown call", slog.Uint64("id", uint64(id)))
		return
	}

	if msg[2] != nil {
		results <- rpcResult{err: &ServerError{Message: describeError(msg[2])}}
		return
	}
	results <- rpcResult{value: msg[3]}
}

// fail records the terminal error and releases every pending call with it.
func (c *rpcConn) fail(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.err == nil {
		c.err = err
	}
	for id, results := range c.pending {
		results <- rpcResult{err: c.err}
		delete(c.pending, id)
	}
}

func (c *rpcConn) closed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err != nil
}

func (c *rpcConn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.fail(ErrClosed)
		err = c.conn.Close()
		<-c.readClosed
	})
	return err
}
