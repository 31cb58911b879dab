package fetcher

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerReader struct {
	io.Reader
	closed chan struct{}
}

func (c *closerReader) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func newClosingPipe(t *testing.T) (*io.PipeWriter, *closerReader) {
	t.Helper()
	r, w := io.Pipe()
	return w, &closerReader{Reader: r, closed: make(chan struct{})}
}

func TestFetcherPublishesLinesAndReportsEOF(t *testing.T) {
	w, r := newClosingPipe(t)

	var doneErr = make(chan error, 1)
	var f = New(r, 4, 0, func(err error) { doneErr <- err })
	f.Start(context.Background())

	go func() {
		_, _ = w.Write([]byte("one\ntwo\n"))
		_ = w.Close()
	}()

	select {
	case err := <-doneErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fetcher completion")
	}

	assert.Equal(t, []string{"one", "two"}, f.Snapshot())
}

func TestRingBufferDropsOldest(t *testing.T) {
	w, r := newClosingPipe(t)
	var doneErr = make(chan error, 1)
	var f = New(r, 2, 0, func(err error) { doneErr <- err })
	f.Start(context.Background())

	go func() {
		_, _ = w.Write([]byte("a\nb\nc\n"))
		_ = w.Close()
	}()

	<-doneErr
	assert.Equal(t, []string{"b", "c"}, f.Snapshot())
}
