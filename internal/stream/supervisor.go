// Package stream keeps one long-lived event socket alive: it dials, answers
// heartbeats, hands frames to an endpoint, rotates the connection when its
// lifetime runs out or it goes quiet, and reconnects after a short delay.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Radvylf/npsp2/internal/telemetry"
)

// Handler error classes.
var (
	// ErrMalformed marks a frame that could not be decoded. The frame is dropped.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownEvent marks a well-formed frame the endpoint was not set up to
	// receive. The connection is dropped and re-established.
	ErrUnknownEvent = errors.New("unknown event")
)

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable: a Prepare or Dial step returning it stops
// the supervisor instead of being retried.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Socket is a message-oriented duplex connection.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Endpoint is the protocol spoken over a supervised socket.
type Endpoint interface {
	// Prepare runs before every connection attempt.
	Prepare(ctx context.Context) error
	// Dial opens a new socket.
	Dial(ctx context.Context) (Socket, error)
	// Open runs once the socket is up, before any frame is read.
	Open(ctx context.Context, sock Socket) error
	// Control returns the immediate reply to a heartbeat frame.
	Control(frame []byte) (reply []byte, ok bool)
	// Handle processes one frame. Frames are handled one at a time in arrival order.
	Handle(ctx context.Context, frame []byte) error
}

// Options tune a Supervisor.
type Options struct {
	Kind          string        // label for logs and metrics, e.g. "watch"
	Lifetime      time.Duration // planned connection lifetime
	EarlyLifetime time.Duration // lifetime of the first connection when EarlyFirst is set
	EarlyFirst    bool
	IdleTimeout   time.Duration // close when no frame arrived for this long
	CheckInterval time.Duration // how often the idle check runs
	RestartDelay  time.Duration
}

// Supervisor owns the connection loop of one endpoint.
type Supervisor struct {
	name     string
	endpoint Endpoint
	opts     Options
	log      *slog.Logger

	connections atomic.Int64
}

// New creates a Supervisor.
func New(name string, endpoint Endpoint, opts Options, log *slog.Logger) *Supervisor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Second
	}
	return &Supervisor{
		name:     name,
		endpoint: endpoint,
		opts:     opts,
		log:      log.With("component", "stream", "kind", opts.Kind, "socket", name),
	}
}

// Connections returns how many connections have been opened so far.
func (s *Supervisor) Connections() int64 {
	return s.connections.Load()
}

// Run keeps the endpoint connected until ctx is cancelled or a fatal error
// occurs. It returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	early := s.opts.EarlyFirst
	for {
		lifetime := s.opts.Lifetime
		if early {
			lifetime = s.opts.EarlyLifetime
		}

		opened, err := s.connect(ctx, lifetime)
		if opened {
			early = false
		}
		if ctx.Err() != nil {
			s.log.Info("supervisor stopped")
			return nil
		}
		if err != nil {
			if IsFatal(err) {
				return fmt.Errorf("%s %s: %w", s.opts.Kind, s.name, err)
			}
			s.log.Warn("connection attempt failed", "error", err)
		}

		timer := time.NewTimer(s.opts.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("supervisor stopped")
			return nil
		case <-timer.C:
		}
	}
}

// connect runs one Connecting → Open → Closing → Closed cycle. It reports
// whether the socket was opened.
func (s *Supervisor) connect(ctx context.Context, lifetime time.Duration) (bool, error) {
	if err := s.endpoint.Prepare(ctx); err != nil {
		return false, fmt.Errorf("prepare: %w", err)
	}
	sock, err := s.endpoint.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	c := newConn(sock, lifetime, s.log)
	s.connections.Add(1)
	telemetry.RecordOpen(s.opts.Kind)
	c.log.Info("connection open", "lifetime", lifetime)

	if err := s.endpoint.Open(ctx, c); err != nil {
		c.terminate(ReasonOpenFailed, err)
		s.finish(c)
		if IsFatal(err) {
			return true, err
		}
		return true, fmt.Errorf("open: %w", err)
	}
	c.setState(StateOpen)

	frames := newFrameQueue()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.read(c, frames)
	}()
	go func() {
		defer wg.Done()
		s.watch(ctx, c)
	}()

	var fatal error
	for {
		frame, ok := frames.pop()
		if !ok {
			break
		}
		if c.closing() {
			continue
		}
		err := s.endpoint.Handle(ctx, frame)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			c.terminate(ReasonShutdown, nil)
		case errors.Is(err, ErrMalformed):
			c.log.Warn("dropping frame", "error", err)
		case errors.Is(err, ErrUnknownEvent):
			c.terminate(ReasonMisconfigured, err)
		default:
			fatal = err
			c.terminate(ReasonFatal, err)
		}
	}
	wg.Wait()
	s.finish(c)
	if fatal != nil {
		return true, Fatal(fmt.Errorf("handle frame: %w", fatal))
	}
	return true, nil
}

func (s *Supervisor) finish(c *conn) {
	c.setState(StateClosed)
	reason, cause := c.result()
	telemetry.RecordClose(s.opts.Kind, string(reason), time.Since(c.openedAt).Seconds())
	attrs := []any{"reason", reason, "age", time.Since(c.openedAt).Round(time.Millisecond)}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	c.log.Info("connection closed", attrs...)
}

// read pumps frames off the socket. Heartbeats are answered here, before the
// frame would wait behind a slow handler. The queue never blocks the reader.
func (s *Supervisor) read(c *conn, frames *frameQueue) {
	defer frames.close()
	for {
		data, err := c.sock.ReadMessage()
		if err != nil {
			c.terminate(ReasonReadError, err)
			return
		}
		c.touch()

		if reply, ok := s.endpoint.Control(data); ok {
			if reply != nil {
				if err := c.WriteMessage(reply); err != nil {
					c.terminate(ReasonWriteError, err)
				}
			}
			continue
		}

		if !c.closing() {
			frames.push(data)
		}
	}
}

// frameQueue hands frames from the reader to the handler loop. It is unbounded
// so a slow handler cannot stall reading.
type frameQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool
	ready  chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ready: make(chan struct{}, 1)}
}

func (q *frameQueue) push(data []byte) {
	q.mu.Lock()
	q.items = append(q.items, data)
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a frame is queued. It reports false once the queue is
// closed and drained.
func (q *frameQueue) pop() ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			data := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return data, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// watch enforces the lifetime and idle limits and reacts to shutdown.
func (s *Supervisor) watch(ctx context.Context, c *conn) {
	lifetime := time.NewTimer(c.lifetime)
	defer lifetime.Stop()
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.terminate(ReasonShutdown, nil)
			return
		case <-lifetime.C:
			c.terminate(ReasonLifetime, nil)
			return
		case <-ticker.C:
			if s.opts.IdleTimeout > 0 && c.idle() > s.opts.IdleTimeout {
				c.terminate(ReasonIdle, nil)
				return
			}
		}
	}
}

// Reason says why a connection was closed.
type Reason string

// Termination reasons.
const (
	ReasonLifetime      Reason = "lifetime"
	ReasonIdle          Reason = "idle"
	ReasonReadError     Reason = "read_error"
	ReasonWriteError    Reason = "write_error"
	ReasonOpenFailed    Reason = "open_failed"
	ReasonMisconfigured Reason = "misconfigured"
	ReasonShutdown      Reason = "shutdown"
	ReasonFatal         Reason = "fatal"
)

// State is the lifecycle state of a connection.
type State int32

// Connection states.
const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// conn is one live socket. It implements Socket so endpoints write through
// the same serialized path as heartbeat replies.
type conn struct {
	id       string
	sock     Socket
	lifetime time.Duration
	openedAt time.Time
	log      *slog.Logger

	state     atomic.Int32
	lastFrame atomic.Int64 // unix nanoseconds
	writeMu   sync.Mutex

	once   sync.Once
	done   chan struct{}
	reason Reason
	cause  error
}

func newConn(sock Socket, lifetime time.Duration, log *slog.Logger) *conn {
	id := uuid.NewString()
	c := &conn{
		id:       id,
		sock:     sock,
		lifetime: lifetime,
		openedAt: time.Now(),
		log:      log.With("conn", id),
		done:     make(chan struct{}),
	}
	c.touch()
	return c
}

// terminate moves the connection to Closing. Only the first call has an effect.
func (c *conn) terminate(reason Reason, cause error) {
	c.once.Do(func() {
		c.reason = reason
		c.cause = cause
		prev := State(c.state.Swap(int32(StateClosing)))
		c.log.Debug("connection closing", "from", prev, "reason", reason)
		close(c.done)
		if err := c.sock.Close(); err != nil {
			c.log.Debug("close socket", "error", err)
		}
	})
}

func (c *conn) result() (Reason, error) {
	<-c.done
	return c.reason, c.cause
}

func (c *conn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *conn) touch() {
	c.lastFrame.Store(time.Now().UnixNano())
}

func (c *conn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastFrame.Load()))
}

func (c *conn) ReadMessage() ([]byte, error) {
	return nil, errors.New("read from supervised connection")
}

func (c *conn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(data)
}

func (c *conn) Close() error {
	c.terminate(ReasonShutdown, nil)
	return nil
}
