package gateway

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// zlibSuffix is the Z_SYNC_FLUSH marker terminating every transport message
// on a zlib-stream compressed connection.
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// maxWindowSize is the deflate back-reference window carried between
// messages of the shared stream.
const maxWindowSize = 32768

// ZlibStream incrementally inflates the shared zlib stream of a compressed
// gateway connection. Messages can span multiple binary frames; each frame is
// fed in and a decoded message is produced once the accumulated buffer ends
// with the sync flush marker. Sync flush aligns the stream to a byte
// boundary, so every complete message can be inflated on its own as long as
// the back-reference window of the previous messages is carried over.
type ZlibStream struct {
	buf    bytes.Buffer
	window []byte
	first  bool
}

// NewZlibStream creates a decoder for one connection. The decoder must not
// be reused across connections; the gateway restarts the stream on every
// websocket.
func NewZlibStream() *ZlibStream {
	return &ZlibStream{first: true}
}

// Feed appends a binary frame to the stream. When the frame completes a
// message, the decoded message is returned with ok set. An inflate failure
// is fatal for the connection.
func (z *ZlibStream) Feed(frame []byte) (msg []byte, ok bool, err error) {
	z.buf.Write(frame)

	if !bytes.HasSuffix(z.buf.Bytes(), zlibSuffix) {
		return nil, false, nil
	}

	data := z.buf.Bytes()
	if z.first {
		if data, err = z.stripHeader(data); err != nil {
			return nil, false, err
		}
		z.first = false
	}

	fr := flate.NewReaderDict(bytes.NewReader(data), z.window)
	msg, err = io.ReadAll(fr)
	fr.Close()

	// The stream never ends, so the reader runs out of input right after the
	// empty stored block that carries the flush marker.
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, false, fmt.Errorf("%w: inflate failed: %v", ErrGateway, err)
	}

	z.buf.Reset()
	z.remember(msg)

	return msg, true, nil
}

// stripHeader removes the two byte zlib header from the first message.
func (z *ZlibStream) stripHeader(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0]&0x0f != 8 {
		return nil, fmt.Errorf("%w: malformed zlib header", ErrGateway)
	}
	if data[1]&0x20 != 0 {
		return nil, fmt.Errorf("%w: unexpected preset dictionary", ErrGateway)
	}
	return data[2:], nil
}

// remember keeps the tail of the decoded output as the dictionary for the
// next message.
func (z *ZlibStream) remember(msg []byte) {
	z.window = append(z.window, msg...)
	if len(z.window) > maxWindowSize {
		z.window = z.window[len(z.window)-maxWindowSize:]
	}
}
