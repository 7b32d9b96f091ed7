package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewCodec(buf)

	require.NoError(t, c.WriteFrame([]byte("hello")))
	require.NoError(t, c.WriteFrame([]byte{}))
	require.NoError(t, c.WriteFrame([]byte("world")))

	got, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	got, err = c.ReadFrame()
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got)
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	buf := &bytes.Buffer{}
	c := NewCodec(buf)
	err := c.WriteFrame(make([]byte, MaxFrameLength+1))
	require.Error(t, err)
}
