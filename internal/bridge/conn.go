package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tabi/internal/recorder"
)

// DefaultCallTimeout bounds a call whose context has no deadline.
const DefaultCallTimeout = 10 * time.Second

// HandlerFunc answers one inbound request. The returned value becomes the
// reply payload; an error becomes the reply error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Tracer records envelopes as they cross the connection.
type Tracer interface {
	Trace(direction, typ, id string, payload json.RawMessage, errMsg string)
}

// Caller issues requests to the extension.
type Caller interface {
	Call(ctx context.Context, typ string, payload, out any) error
}

// Conn multiplexes calls and inbound requests over one native-messaging
// stream. A single reader goroutine routes replies to waiting calls by id;
// each inbound request runs on its own goroutine.
type Conn struct {
	r           io.Reader
	w           io.Writer
	logger      *zap.Logger
	tracer      Tracer
	callTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan Envelope
	handlers map[string]HandlerFunc
	closed   bool
	running  sync.WaitGroup
}

type Option func(*Conn)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger.Named("bridge")
		}
	}
}

func WithTracer(t Tracer) Option {
	return func(c *Conn) { c.tracer = t }
}

func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

func NewConn(r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{
		r:           r,
		w:           w,
		logger:      zap.NewNop(),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[string]chan Envelope),
		handlers:    make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers h for inbound requests of type typ. Register before Serve.
func (c *Conn) Handle(typ string, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = h
}

// Serve reads frames until the input ends or ctx is done, then fails pending
// calls with ErrClosed and waits for running handlers. The end of input is
// not an error.
//
// When ctx ends first the reader goroutine stays blocked until the input is
// closed.
func (c *Conn) Serve(ctx context.Context) error {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(hctx) }()

	var err error
	select {
	case err = <-readErr:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.shutdown()
	cancel()
	c.running.Wait()

	if errors.Is(err, io.EOF) {
		c.logger.Info("extension disconnected")
		return nil
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		env, err := ReadFrame(c.r)
		if err != nil {
			return err
		}
		c.trace(recorder.Inbound, env)
		c.dispatch(ctx, env)
	}
}

func (c *Conn) dispatch(ctx context.Context, env Envelope) {
	c.mu.Lock()
	if env.Type == TypeResult {
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("reply for unknown call", zap.String("id", env.ID))
			return
		}
		ch <- env
		return
	}

	h, ok := c.handlers[env.Type]
	if !ok || c.closed {
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("unhandled message", zap.String("type", env.Type))
			c.reply(env.ID, nil, fmt.Errorf("unknown message type %q", env.Type))
		}
		return
	}
	c.running.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.running.Done()
		result, err := h(ctx, env.Payload)
		if err != nil {
			c.logger.Warn("request failed", zap.String("type", env.Type), zap.String("id", env.ID), zap.Error(err))
		}
		c.reply(env.ID, result, err)
	}()
}

func (c *Conn) reply(id string, result any, herr error) {
	env := Envelope{ID: id, Type: TypeResult}
	if herr != nil {
		env.Error = herr.Error()
	} else if result != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			env.Error = fmt.Sprintf("encode reply: %v", err)
		} else {
			env.Payload = payload
		}
	}
	if err := c.send(env); err != nil {
		c.logger.Warn("reply not sent", zap.String("id", id), zap.Error(err))
	}
}

// Call sends a request and decodes the reply payload into out, which may be
// nil. When ctx has no deadline the connection's call timeout applies.
func (c *Conn) Call(ctx context.Context, typ string, payload, out any) error {
	var body json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", typ, err)
		}
		body = raw
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.send(Envelope{ID: id, Type: typ, Payload: body}); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if env.Error != "" {
			return &RemoteError{Type: typ, Message: env.Error}
		}
		if out == nil || len(env.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", typ, err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, typ)
		}
		return ctx.Err()
	}
}

func (c *Conn) forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Conn) send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.w, env); err != nil {
		return err
	}
	c.trace(recorder.Outbound, env)
	return nil
}

func (c *Conn) trace(direction string, env Envelope) {
	if c.tracer != nil {
		c.tracer.Trace(direction, env.Type, env.ID, env.Payload, env.Error)
	}
}
