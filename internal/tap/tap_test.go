package tap

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTapForwardsAndBuffers(t *testing.T) {
	var live bytes.Buffer
	tp := New(&live, 0)

	n, err := tp.Write([]byte("pulling manifest\n"))
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	_, _ = tp.Write([]byte("pulling abc 10% 5 MB/s"))

	assert.Equal(t, "pulling manifest\npulling abc 10% 5 MB/s", live.String())
	line, err := tp.LastLine()
	require.NoError(t, err)
	assert.Equal(t, "pulling abc 10% 5 MB/s", line)
	assert.EqualValues(t, live.Len(), tp.Written())
}

func TestTapLastLineCarriageReturns(t *testing.T) {
	tp := New(nil, 0)
	_, _ = tp.Write([]byte("\x1b[?25l10% 1 MB/s\r\x1b[K20% 2 MB/s\r30% 3 MB/s\r\n\n"))
	line, err := tp.LastLine()
	require.NoError(t, err)
	assert.Equal(t, "30% 3 MB/s", line)
}

func TestTapBounded(t *testing.T) {
	tp := New(nil, 64)
	for i := 0; i < 1000; i++ {
		_, _ = fmt.Fprintf(tp, "line %d\n", i)
	}
	tail, err := tp.Tail(0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(tail), 64)
	assert.True(t, strings.HasSuffix(tail, "line 999\n"))
	assert.LessOrEqual(t, cap(tp.buf), 8*64)

	line, err := tp.LastLine()
	require.NoError(t, err)
	assert.Equal(t, "line 999", line)
}

func TestTapTailWindow(t *testing.T) {
	tp := New(nil, 0)
	_, _ = tp.Write([]byte(strings.Repeat("a", 3000)))
	tail, err := tp.Tail(TailSize)
	require.NoError(t, err)
	assert.Len(t, tail, TailSize)
}

func TestTapClose(t *testing.T) {
	var live bytes.Buffer
	tp := New(&live, 0)
	_, _ = tp.Write([]byte("before\n"))

	require.NoError(t, tp.Close())
	require.NoError(t, tp.Close())
	assert.True(t, tp.Closed())

	_, err := tp.LastLine()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tp.Tail(10)
	assert.ErrorIs(t, err, ErrClosed)

	n, err := tp.Write([]byte("after\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "before\nafter\n", live.String())
	assert.Nil(t, tp.buf)
}

func TestTapConcurrentReadWrite(t *testing.T) {
	tp := New(nil, 256)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			_, _ = fmt.Fprintf(tp, "%d%% 1 MB/s\n", i%100)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			line, err := tp.LastLine()
			if err != nil {
				t.Error(err)
				return
			}
			if line != "" && !strings.HasSuffix(line, "MB/s") && !strings.Contains(line, "%") {
				t.Errorf("unexpected line %q", line)
				return
			}
		}
	}()
	wg.Wait()
}

type blockingWriter struct {
	entered chan struct{}
	release chan struct{}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.entered <- struct{}{}
	<-w.release
	return len(p), nil
}

func TestTapReadsDoNotWaitOnLiveWriter(t *testing.T) {
	live := &blockingWriter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	tp := New(live, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tp.Write([]byte("pulling abc 42% 12 MB/s\n"))
	}()
	<-live.entered

	got := make(chan string, 1)
	go func() {
		line, _ := tp.LastLine()
		got <- line
	}()
	select {
	case line := <-got:
		assert.Equal(t, "pulling abc 42% 12 MB/s", line)
	case <-time.After(2 * time.Second):
		t.Fatal("LastLine blocked behind the live writer")
	}

	close(live.release)
	<-done
}
