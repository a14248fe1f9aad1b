package gateway

import (
	"errors"
	"fmt"
)

// ErrReconnect is raised when the gateway sends an op 7 RECONNECT. The shard
// closes with CloseDoNotInvalidateSession and resumes on the next attempt.
var ErrReconnect = errors.New("gateway requested a reconnect")

// ErrSocketClosed is raised when the websocket dies without a close frame,
// such as a network adapter going down or the peer dropping the connection.
var ErrSocketClosed = errors.New("websocket closed unexpectedly")

// ErrZombied is raised when the heartbeat pulse detects that no traffic has
// been received for longer than one heartbeat interval.
var ErrZombied = errors.New("zombie connection")

// ErrShardClosed is raised internally when Close was requested while a
// session was connecting or sleeping. The keep-alive loop exits cleanly.
var ErrShardClosed = errors.New("shard was requested to close")

// ErrGateway wraps protocol level failures: a missing HELLO, a frame that
// cannot be decoded or a broken zlib stream. It ends the current attempt and
// is not retried: the shard terminates with it.
var ErrGateway = errors.New("gateway error")

// ErrAlreadyRunning is returned by Shard.Start on every call after the
// first; a shard runs once, and stopping it does not allow another Start.
var ErrAlreadyRunning = errors.New("shard is already running")

// DialError wraps a TCP/TLS/upgrade failure before the websocket was
// established. Always recoverable.
type DialError struct {
	Err error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("failed to connect to the gateway: %v", e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// InvalidSessionError is raised when the gateway sends an op 9
// INVALID_SESSION. CanResume mirrors the payload boolean.
type InvalidSessionError struct {
	CanResume bool
}

func (e *InvalidSessionError) Error() string {
	if e.CanResume {
		return "invalid session, resumable"
	}
	return "invalid session, not resumable"
}

// ServerCloseError is raised when the peer sends a websocket close frame.
type ServerCloseError struct {
	Code   int
	Reason string
}

func (e *ServerCloseError) Error() string {
	return fmt.Sprintf("gateway closed the connection with code %d: %s", e.Code, e.Reason)
}

// Reconnectable reports whether the close code permits another attempt.
func (e *ServerCloseError) Reconnectable() bool {
	return isReconnectableClose(e.Code)
}
