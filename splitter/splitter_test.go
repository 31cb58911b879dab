package splitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextYieldsCompleteLines(t *testing.T) {
	var s = New(0)
	s.Write([]byte("hello\nwor"))

	line, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "hello", line)

	_, ok = s.Next()
	assert.False(t, ok)

	s.Write([]byte("ld\n"))
	line, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, "world", line)
}

func TestLongLineIsTruncated(t *testing.T) {
	var s = New(8)
	s.Write([]byte(strings.Repeat("x", 100) + "\n"))

	line, ok := s.Next()
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(line, truncationMarker))
	assert.True(t, strings.HasPrefix(line, "xxxxxxxx"))
}

func TestResidualTracksUnterminatedTail(t *testing.T) {
	var s = New(0)
	s.Write([]byte("partial"))
	assert.Equal(t, 7, s.Residual())

	_, ok := s.Next()
	assert.False(t, ok)
}

func TestByteConservation(t *testing.T) {
	var s = New(0)
	var in = "alpha\nbeta\ngamma"
	s.Write([]byte(in))

	var out []string
	for {
		line, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, line)
	}
	assert.Equal(t, []string{"alpha", "beta"}, out)
	assert.Equal(t, "gamma", string(s.buf))
}
