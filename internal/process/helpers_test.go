package process

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		EbdDir:           "/usr/lib/ebd",
		Interpreter:      "/usr/bin/ebd",
		LibraryPath:      []string{"/usr/lib/ebd/lib"},
		HandshakeTimeout: 500 * time.Millisecond,
		AliveTimeout:     500 * time.Millisecond,
		KillTimeout:      500 * time.Millisecond,
		Logger:           testLogger(),
	}
}

var fakePids atomic.Int32

// fakeDaemon stands in for the OS process of a daemon.
type fakeDaemon struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	signals []syscall.Signal
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		pid:  int(4000000 + fakePids.Add(1)),
		done: make(chan struct{}),
	}
}

func (d *fakeDaemon) Pid() int { return d.pid }

func (d *fakeDaemon) Running() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *fakeDaemon) SignalGroup(sig syscall.Signal) error {
	d.mu.Lock()
	d.signals = append(d.signals, sig)
	d.mu.Unlock()
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		d.exit()
	}
	return nil
}

func (d *fakeDaemon) Done() <-chan struct{} { return d.done }

func (d *fakeDaemon) exit() { d.once.Do(func() { close(d.done) }) }

func (d *fakeDaemon) Signals() []syscall.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]syscall.Signal(nil), d.signals...)
}

// fakeConn is the daemon's end of the two pipes.
type fakeConn struct {
	r  *bufio.Reader
	rf *os.File
	w  *os.File
}

// readLine returns the next line the controller wrote, false on EOF.
func (c *fakeConn) readLine() (string, bool) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", false
	}
	return strings.TrimSuffix(line, "\n"), true
}

func (c *fakeConn) readN(n int) (string, bool) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", false
	}
	return string(buf), true
}

func (c *fakeConn) send(lines ...string) {
	for _, l := range lines {
		_, _ = c.w.WriteString(l + "\n")
	}
}

func (c *fakeConn) close() {
	c.w.Close()
	c.rf.Close()
}

// fakeScript plays the daemon side of a conversation.
type fakeScript func(c *fakeConn, d *fakeDaemon)

// newFakeProcessor wires a processor to a scripted daemon. The processor is
// idle as if its handshake had completed.
func newFakeProcessor(t *testing.T, opts Options, userpriv, sandbox bool, script fakeScript) (*Processor, *fakeDaemon) {
	t.Helper()
	p, d := newRawFakeProcessor(t, opts, userpriv, sandbox, script)
	p.setState(StateIdle)
	p.Unlock()
	return p, d
}

// newRawFakeProcessor is newFakeProcessor without the handshake shortcut.
func newRawFakeProcessor(t *testing.T, opts Options, userpriv, sandbox bool, script fakeScript) (*Processor, *fakeDaemon) {
	t.Helper()
	cr, cw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	dr, dw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	d := newFakeDaemon()
	p := newProcessor("test-"+strings.TrimPrefix(t.Name(), "Test")+"-"+strconv.Itoa(d.pid), d, dr, cw, opts, userpriv, sandbox)
	conn := &fakeConn{r: bufio.NewReader(cr), rf: cr, w: dw}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer conn.close()
		if script != nil {
			script(conn, d)
		}
	}()

	t.Cleanup(func() {
		d.exit()
		p.closePipes()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Error("fake daemon script did not finish")
		}
	})
	return p, d
}

// respond answers liveness pings and shutdown requests until EOF.
func respond(c *fakeConn, d *fakeDaemon) {
	for {
		line, ok := c.readLine()
		if !ok {
			return
		}
		switch line {
		case "alive":
			c.send("yep!")
		case "shutdown_daemon":
			d.exit()
			return
		}
	}
}

// then runs script and afterwards answers like respond.
func then(script fakeScript) fakeScript {
	return func(c *fakeConn, d *fakeDaemon) {
		script(c, d)
		respond(c, d)
	}
}

// expectLine fails the fake when the next controller line differs.
func expectLine(t *testing.T, c *fakeConn, want string) bool {
	t.Helper()
	got, ok := c.readLine()
	if !ok {
		t.Errorf("daemon: EOF, want %q", want)
		return false
	}
	if got != want {
		t.Errorf("daemon: got %q, want %q", got, want)
		return false
	}
	return true
}

// mapCache is an in-memory EclassCache.
type mapCache map[string]*Eclass

func (m mapCache) Eclass(name string) (*Eclass, bool) {
	ec, ok := m[name]
	return ec, ok
}

func (m mapCache) Eclasses() map[string]*Eclass { return m }
