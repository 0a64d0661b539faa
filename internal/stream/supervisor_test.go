package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []string
	closes int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeSocket) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeEndpoint answers "hb" with "pong" and hands other frames to handle.
type fakeEndpoint struct {
	prepareErr func(attempt int) error
	handle     func(ctx context.Context, frame string) error

	mu       sync.Mutex
	prepares int
	sockets  []*fakeSocket
	overlap  bool
	dialed   chan *fakeSocket
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{dialed: make(chan *fakeSocket, 64)}
}

func (e *fakeEndpoint) Prepare(context.Context) error {
	e.mu.Lock()
	e.prepares++
	n := e.prepares
	e.mu.Unlock()
	if e.prepareErr != nil {
		return e.prepareErr(n)
	}
	return nil
}

func (e *fakeEndpoint) Dial(context.Context) (Socket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sockets {
		if !s.isClosed() {
			e.overlap = true
		}
	}
	s := newFakeSocket()
	e.sockets = append(e.sockets, s)
	e.dialed <- s
	return s, nil
}

func (e *fakeEndpoint) Open(context.Context, Socket) error { return nil }

func (e *fakeEndpoint) Control(frame []byte) ([]byte, bool) {
	if string(frame) == "hb" {
		return []byte("pong"), true
	}
	return nil, false
}

func (e *fakeEndpoint) Handle(ctx context.Context, frame []byte) error {
	if e.handle != nil {
		return e.handle(ctx, string(frame))
	}
	return nil
}

func (e *fakeEndpoint) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-e.dialed:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func runSupervisor(t *testing.T, e *fakeEndpoint, opts Options) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	s := New("test", e, opts, newTestLogger())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return func() error {
		stop()
		return <-errc
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var slowOptions = Options{Kind: "test", Lifetime: time.Hour, CheckInterval: 10 * time.Millisecond, RestartDelay: 5 * time.Millisecond}

func TestHeartbeatAnsweredWhileHandlerBlocked(t *testing.T) {
	e := newFakeEndpoint()
	entered := make(chan struct{})
	release := make(chan struct{})
	e.handle = func(_ context.Context, frame string) error {
		if frame == "slow" {
			close(entered)
			<-release
		}
		return nil
	}
	stop := runSupervisor(t, e, slowOptions)

	sock := e.next(t)
	sock.in <- []byte("slow")
	<-entered
	sock.in <- []byte("hb")

	waitFor(t, "pong", func() bool { return len(sock.written()) == 1 })
	if diff := cmp.Diff([]string{"pong"}, sock.written()); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}

	close(release)
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestHeartbeatAnsweredBehindBacklog(t *testing.T) {
	e := newFakeEndpoint()
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	handled := 0
	e.handle = func(_ context.Context, frame string) error {
		if frame == "slow" {
			close(entered)
			<-release
		}
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}
	stop := runSupervisor(t, e, slowOptions)

	sock := e.next(t)
	sock.in <- []byte("slow")
	<-entered

	const backlog = 200
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for range backlog {
			sock.in <- []byte("frame")
		}
		sock.in <- []byte("hb")
	}()

	waitFor(t, "pong behind backlog", func() bool { return len(sock.written()) == 1 })
	<-fed

	close(release)
	waitFor(t, "backlog drained", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == backlog+1
	})
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestLifetimeRotation(t *testing.T) {
	e := newFakeEndpoint()
	opts := slowOptions
	opts.Lifetime = 30 * time.Millisecond
	stop := runSupervisor(t, e, opts)

	for range 3 {
		e.next(t)
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overlap {
		t.Error("a new connection was dialed while the previous one was still open")
	}
	for i, s := range e.sockets {
		if !s.isClosed() {
			t.Errorf("socket %d left open", i)
		}
	}
}

func TestEarlyFirstLifetime(t *testing.T) {
	e := newFakeEndpoint()
	opts := slowOptions
	opts.EarlyFirst = true
	opts.EarlyLifetime = 20 * time.Millisecond
	stop := runSupervisor(t, e, opts)

	first := e.next(t)
	e.next(t)
	waitFor(t, "first socket closed", first.isClosed)

	// The second connection runs on the full lifetime.
	select {
	case <-e.dialed:
		t.Error("unexpected third connection")
	case <-time.After(100 * time.Millisecond):
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestIdleTimeoutReconnects(t *testing.T) {
	e := newFakeEndpoint()
	opts := slowOptions
	opts.IdleTimeout = 40 * time.Millisecond
	opts.CheckInterval = 5 * time.Millisecond
	stop := runSupervisor(t, e, opts)

	first := e.next(t)
	e.next(t)
	if !first.isClosed() {
		t.Error("idle socket was not closed")
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestHandlerErrorClasses(t *testing.T) {
	e := newFakeEndpoint()
	handled := make(chan string, 8)
	e.handle = func(_ context.Context, frame string) error {
		handled <- frame
		switch frame {
		case "garbage":
			return ErrMalformed
		case "surprise":
			return ErrUnknownEvent
		}
		return nil
	}
	stop := runSupervisor(t, e, slowOptions)

	first := e.next(t)
	first.in <- []byte("garbage")
	first.in <- []byte("fine")
	if got := []string{<-handled, <-handled}; !cmp.Equal(got, []string{"garbage", "fine"}) {
		t.Errorf("handled = %v", got)
	}
	if first.isClosed() {
		t.Fatal("malformed frame closed the connection")
	}

	first.in <- []byte("surprise")
	<-handled
	e.next(t)
	if !first.isClosed() {
		t.Error("unknown event did not close the connection")
	}
	if err := stop(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestHandlerFailureIsFatal(t *testing.T) {
	e := newFakeEndpoint()
	boom := errors.New("post failed")
	e.handle = func(context.Context, string) error { return boom }

	s := New("test", e, slowOptions, newTestLogger())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	sock := e.next(t)
	sock.in <- []byte("item")

	select {
	case err := <-errc:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if !sock.isClosed() {
		t.Error("socket left open")
	}
}

func TestPrepareErrors(t *testing.T) {
	rejected := errors.New("session rejected")
	e := newFakeEndpoint()
	e.prepareErr = func(attempt int) error {
		switch attempt {
		case 1:
			return errors.New("temporary")
		case 2:
			return Fatal(rejected)
		}
		return nil
	}

	s := New("test", e, slowOptions, newTestLogger())
	err := s.Run(context.Background())
	if !errors.Is(err, rejected) || !IsFatal(err) {
		t.Fatalf("err = %v, want fatal %v", err, rejected)
	}
	if s.Connections() != 0 {
		t.Errorf("connections = %d, want 0", s.Connections())
	}
}

func TestConnTerminateFirstReasonWins(t *testing.T) {
	sock := newFakeSocket()
	c := newConn(sock, time.Hour, newTestLogger())

	c.terminate(ReasonLifetime, nil)
	c.terminate(ReasonIdle, nil)
	c.terminate(ReasonReadError, io.EOF)

	reason, cause := c.result()
	if reason != ReasonLifetime || cause != nil {
		t.Errorf("result = %s, %v", reason, cause)
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.closes != 1 {
		t.Errorf("socket closed %d times, want 1", sock.closes)
	}
}
