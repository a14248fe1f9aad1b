package gateway

import (
	"bytes"
	"compress/zlib"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// compressMessages runs each message through one shared zlib stream with a
// sync flush after every message, the way the gateway frames its transport.
func compressMessages(t *testing.T, messages ...string) [][]byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)

	framed := make([][]byte, 0, len(messages))
	for _, msg := range messages {
		_, err := zw.Write([]byte(msg))
		require.NoError(t, err)
		require.NoError(t, zw.Flush())

		frame := make([]byte, buf.Len())
		copy(frame, buf.Bytes())
		framed = append(framed, frame)
		buf.Reset()
	}

	return framed
}

func TestZlibStreamWholeMessage(t *testing.T) {
	frames := compressMessages(t, `{"op":10,"d":{"heartbeat_interval":45000}}`)

	z := NewZlibStream()
	msg, ok, err := z.Feed(frames[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"op":10,"d":{"heartbeat_interval":45000}}`, string(msg))
}

func TestZlibStreamSharedWindow(t *testing.T) {
	// Messages that back-reference each other's content exercise the carried
	// dictionary between flushes.
	frames := compressMessages(t,
		`{"op":0,"t":"MESSAGE_CREATE","s":1,"d":{"content":"hello hello"}}`,
		`{"op":0,"t":"MESSAGE_CREATE","s":2,"d":{"content":"hello hello"}}`,
		`{"op":11}`,
	)

	z := NewZlibStream()
	for i, expect := range []string{
		`{"op":0,"t":"MESSAGE_CREATE","s":1,"d":{"content":"hello hello"}}`,
		`{"op":0,"t":"MESSAGE_CREATE","s":2,"d":{"content":"hello hello"}}`,
		`{"op":11}`,
	} {
		msg, ok, err := z.Feed(frames[i])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, expect, string(msg))
	}
}

func TestZlibStreamArbitraryPartition(t *testing.T) {
	payload := `{"op":0,"t":"GUILD_CREATE","s":42,"d":{"id":"1234567890","name":"partition me"}}`
	frames := compressMessages(t, payload)
	whole := frames[0]

	// The flush marker must only terminate the message, otherwise a chunk
	// boundary could produce a false message end.
	require.Equal(t, 1, bytes.Count(whole, zlibSuffix))

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		z := NewZlibStream()

		var msg []byte
		var ok bool
		var err error

		rest := whole
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			msg, ok, err = z.Feed(rest[:n])
			require.NoError(t, err)
			if len(rest) > n {
				require.False(t, ok, "message completed before the final chunk")
			}
			rest = rest[n:]
		}

		require.True(t, ok)
		require.Equal(t, payload, string(msg))
	}
}

func TestZlibStreamCorruptInput(t *testing.T) {
	// A valid zlib header followed by a reserved deflate block type and the
	// flush marker. Inflate must reject it.
	corrupt := []byte{0x78, 0x9c, 0x07, 0x00, 0x00, 0xff, 0xff}

	z := NewZlibStream()
	_, _, err := z.Feed(corrupt)
	require.ErrorIs(t, err, ErrGateway)
}

func TestZlibStreamBadHeader(t *testing.T) {
	z := NewZlibStream()
	_, _, err := z.Feed([]byte{0xde, 0xad, 0x00, 0x00, 0xff, 0xff})
	require.ErrorIs(t, err, ErrGateway)
}
