package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.vicodyn.dev/core/channel"
)

func newChannel(event string) *channel.Channel {
	return channel.New(context.Background(), event, nil, nil, nil)
}

func TestPushPopIsFIFO(t *testing.T) {
	var q = New(10, Metrics{})

	var a = newChannel("a")
	var b = newChannel("b")
	var c = newChannel("c")

	require.NoError(t, q.Push(a))
	require.NoError(t, q.Push(b))
	require.NoError(t, q.Push(c))

	assert.Equal(t, a, q.Pop())
	assert.Equal(t, b, q.Pop())
	assert.Equal(t, c, q.Pop())
	assert.Nil(t, q.Pop())
}

func TestPushRejectsAtLimit(t *testing.T) {
	var q = New(2, Metrics{})

	require.NoError(t, q.Push(newChannel("a")))
	require.NoError(t, q.Push(newChannel("b")))

	var err = q.Push(newChannel("c"))
	require.Error(t, err)
	assert.True(t, IsFull(err))

	var stats = q.Stats()
	assert.EqualValues(t, 2, stats.Accepted)
	assert.EqualValues(t, 1, stats.Rejected)
	assert.Equal(t, 2, stats.Depth)
}

func TestPopSkipsCancelledEntries(t *testing.T) {
	var q = New(10, Metrics{})

	var a = newChannel("a")
	var b = newChannel("b")
	require.NoError(t, q.Push(a))
	require.NoError(t, q.Push(b))

	a.Cancel()

	assert.Equal(t, b, q.Pop())
	assert.Nil(t, q.Pop())
}

func TestPeekDoesNotRemoveLiveHead(t *testing.T) {
	var q = New(10, Metrics{})

	var a = newChannel("a")
	require.NoError(t, q.Push(a))

	assert.Equal(t, a, q.Peek())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, a, q.Pop())
}

func TestPeekSweepsCancelledHead(t *testing.T) {
	var q = New(10, Metrics{})

	var a = newChannel("a")
	var b = newChannel("b")
	require.NoError(t, q.Push(a))
	require.NoError(t, q.Push(b))
	a.Cancel()

	assert.Equal(t, b, q.Peek())
	assert.Equal(t, 1, q.Len())
}
