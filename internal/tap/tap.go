package tap

import (
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
)

const (
	// DefaultCapacity is how many trailing bytes of output are retained.
	DefaultCapacity = 4096
	// TailSize is the window LastLine inspects.
	TailSize = 1000
)

// ErrClosed is returned by reads after the tap released its buffer.
var ErrClosed = errors.New("output tap closed")

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Tap duplicates a child's combined output: every write goes to the live
// writer and into a bounded in-memory buffer that monitors read from.
type Tap struct {
	mu       sync.Mutex
	live     io.Writer
	buf      []byte
	capacity int
	written  int64
	closed   bool

	// liveMu orders writes to live; readers never wait on it
	liveMu sync.Mutex
}

func New(live io.Writer, capacity int) *Tap {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if live == nil {
		live = io.Discard
	}
	return &Tap{
		live:     live,
		buf:      make([]byte, 0, 2*capacity),
		capacity: capacity,
	}
}

// Write never fails: a broken terminal must not stall the child process.
func (t *Tap) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.written += int64(len(p))
	if !t.closed {
		t.buf = append(t.buf, p...)
		if len(t.buf) > 2*t.capacity {
			t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.capacity:]...)
		}
	}
	t.mu.Unlock()

	t.liveMu.Lock()
	_, _ = t.live.Write(p)
	t.liveMu.Unlock()
	return len(p), nil
}

// Tail returns up to the last n bytes written.
func (t *Tap) Tail(n int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}
	if n <= 0 || n > len(t.buf) {
		n = len(t.buf)
	}
	if n > t.capacity {
		n = t.capacity
	}
	return string(t.buf[len(t.buf)-n:]), nil
}

// LastLine returns the last non-empty line of the recent output window.
// Progress bars redraw with carriage returns, so both \r and \n end a line.
func (t *Tap) LastLine() (string, error) {
	tail, err := t.Tail(TailSize)
	if err != nil {
		return "", err
	}
	return lastLine(tail), nil
}

func lastLine(s string) string {
	s = ansiRegex.ReplaceAllString(s, "")
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// Written reports the total number of bytes seen, including those written
// after Close.
func (t *Tap) Written() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

// Close releases the buffer. Later writes are still forwarded live.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.buf = nil
	return nil
}

func (t *Tap) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
