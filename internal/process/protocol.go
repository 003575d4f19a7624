package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"
)

// ExpectOptions controls how Expect waits for an acknowledgement.
type ExpectOptions struct {
	// Async queues the expectation instead of reading now.
	Async bool
	// Flush flushes pending writes before reading.
	Flush bool
	// Timeout bounds the read. Zero waits forever.
	Timeout time.Duration
}

// Write sends text to the daemon, newline terminated unless text is a lone
// newline, and flushes.
func (p *Processor) Write(text string) error {
	return p.write(text, true)
}

func (p *Processor) write(text string, flush bool) error {
	if text != "\n" {
		text += "\n"
	}
	return p.writeRaw(text, flush)
}

// writeRaw sends text verbatim.
func (p *Processor) writeRaw(text string, flush bool) error {
	if _, err := p.w.WriteString(text); err != nil {
		return p.writeErr(err)
	}
	if flush {
		return p.flush()
	}
	return nil
}

func (p *Processor) flush() error {
	if err := p.w.Flush(); err != nil {
		return p.writeErr(err)
	}
	return nil
}

func (p *Processor) writeErr(err error) error {
	if errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	if errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrProcessorDead, err)
	}
	return err
}

// readLine reads one protocol line without its trailing newline.
// "killed" and "term" lines are daemon signals and never reach the caller.
func (p *Processor) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return "", ErrTimeout
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return "", fmt.Errorf("%w: %v", ErrProcessorDead, err)
		default:
			return "", err
		}
	}
	line = strings.TrimSuffix(line, "\n")
	if err := p.intercept(line); err != nil {
		return "", err
	}
	return line, nil
}

// intercept turns daemon signal lines into errors.
func (p *Processor) intercept(line string) error {
	switch {
	case strings.HasPrefix(line, "killed"):
		p.logger.Warn("Daemon reported interrupt, killing all processors")
		if p.onKilled != nil {
			p.onKilled()
		} else {
			p.kill()
		}
		return ErrInterrupted
	case strings.HasPrefix(line, "term"):
		fields := strings.Fields(line)
		if fields[len(fields)-1] == "ebd" {
			return ErrDaemonTerminated
		}
		return Stop(false)
	}
	return nil
}

// readRaw reads exactly n bytes of payload.
func (p *Processor) readRaw(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("%w: %v", ErrProcessorDead, err)
	}
	return string(buf), nil
}

// Expect reads the next line and reports whether it equals want.
//
// In async mode the expectation is queued and true is returned at once; the
// queue is drained in order by the next synchronous Expect (whose result is
// then whether every queued line matched) or by GenericHandler.
// A timeout yields false with a nil error.
func (p *Processor) Expect(want string, opts ExpectOptions) (bool, error) {
	if opts.Async {
		p.outstanding = append(p.outstanding, asyncExpect{flush: opts.Flush, want: want})
		return true, nil
	}

	if opts.Timeout > 0 {
		if err := p.rf.SetReadDeadline(time.Now().Add(opts.Timeout)); err != nil {
			return false, err
		}
		defer p.rf.SetReadDeadline(time.Time{})
	}

	if opts.Flush {
		if err := p.flush(); err != nil {
			return false, err
		}
	}

	var ok bool
	var err error
	if len(p.outstanding) == 0 {
		var line string
		line, err = p.readLine()
		ok = err == nil && line == want
	} else {
		p.outstanding = append(p.outstanding, asyncExpect{flush: opts.Flush, want: want})
		ok, err = p.consumeAsyncExpects()
	}

	if errors.Is(err, ErrTimeout) {
		p.logger.Warn("Daemon appears dead, timed out", "want", want, "timeout", opts.Timeout)
		return false, nil
	}
	return ok, err
}

// consumeAsyncExpects drains the queued expectations in order.
func (p *Processor) consumeAsyncExpects() (bool, error) {
	pending := p.outstanding
	p.outstanding = nil

	for _, e := range pending {
		if e.flush {
			if err := p.flush(); err != nil {
				return false, err
			}
			break
		}
	}

	ok := true
	for _, e := range pending {
		line, err := p.readLine()
		if err != nil {
			return false, err
		}
		if line != e.want {
			p.logger.Debug("Async expect mismatch", "want", e.want, "got", line)
			ok = false
		}
	}
	return ok, nil
}

// Drain verifies every queued async expectation.
func (p *Processor) Drain() (bool, error) {
	if len(p.outstanding) == 0 {
		return true, nil
	}
	return p.consumeAsyncExpects()
}
