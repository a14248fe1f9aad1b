package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// reconnectWindow is how soon after the previous attempt a new attempt is
// considered part of a reconnect storm and gets throttled with backoff.
const reconnectWindow = 30 * time.Second

// Session is a single websocket connection to the gateway. It is owned by a
// Shard, which restarts it until the shard is closed or a fatal error
// surfaces. Session identity (session id and sequence) lives here so it
// survives transport reconnects.
//
// The heartbeat pulse and the event poll loop run as sibling goroutines
// within one attempt. They share only the monotonic timestamps below, each
// written by exactly one of the two: lastMessageReceived is written by the
// poll loop and read by the pulse, lastHeartbeatSent is written by the pulse
// and read by the ACK handler in the poll loop.
type Session struct {
	shard *Shard

	// Authentication token, prefixed with "Bot ".
	token string

	// Fully built gateway URL including v, encoding and compress parameters.
	gatewayURL string

	compress       bool
	intents        *int
	largeThreshold int

	limiter *SendLimiter
	backoff *Backoff

	// zlib is recreated for every attempt; the gateway restarts the
	// compression stream on each new websocket.
	zlib *ZlibStream

	wsConn *websocket.Conn

	// used to make sure gateway websocket writes do not happen concurrently
	wsMutex sync.Mutex

	// closeC is the edge triggered close request. Closing it wakes every
	// sleep and read inside the session.
	closeC    chan struct{}
	closeOnce sync.Once

	// mu guards sessionID together with the sequence fields, so both are
	// observed and cleared as one.
	mu        sync.RWMutex
	sessionID string
	seq       int64
	seqSet    bool

	lastRunStartedAt time.Time
	suppressThrottle bool
	zombied          atomic.Bool
	connDispatched   bool

	connectedAt         int64 // unix nano, 0 while disconnected
	heartbeatInterval   int64 // nanoseconds, 0 until HELLO
	heartbeatLatency    int64 // nanoseconds, 0 until the first ACK
	lastMessageReceived int64 // unix nano
	lastHeartbeatSent   int64 // unix nano

	disconnectCount int64

	presenceMu sync.Mutex
	presence   presenceState

	log zerolog.Logger
}

func newSession(shard *Shard, token, gatewayURL string, compress bool, intents *int, largeThreshold int, limiter *SendLimiter, backoff *Backoff, log zerolog.Logger) *Session {
	return &Session{
		shard:          shard,
		token:          token,
		gatewayURL:     gatewayURL,
		compress:       compress,
		intents:        intents,
		largeThreshold: largeThreshold,
		limiter:        limiter,
		backoff:        backoff,
		closeC:         make(chan struct{}),
		log:            log,
	}
}

// buildGatewayURL appends the protocol query parameters to the bare gateway
// URL, preserving an existing path and discarding any fragment.
func buildGatewayURL(base string, version int, compress bool) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", base, err)
	}
	parsed.Fragment = ""

	q := parsed.Query()
	q.Set("v", strconv.Itoa(version))
	q.Set("encoding", "json")
	if compress {
		q.Set("compress", "zlib-stream")
	}
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}

// run performs a single connection attempt: throttle, dial, handshake,
// identify or resume, then heartbeat and poll until something fails or a
// close is requested. The caller decides whether to run again.
func (s *Session) run() (err error) {
	if s.closeRequested() {
		return ErrShardClosed
	}

	// Reconnecting too fast gets throttled unless the previous attempt ended
	// in a condition that explicitly waives backoff.
	if !s.suppressThrottle && !s.lastRunStartedAt.IsZero() && time.Since(s.lastRunStartedAt) < reconnectWindow {
		delay := s.backoff.Next()
		s.log.Info().Dur("backoff", delay).Msg("restarted recently, backing off")
		if !sleepInterruptible(delay, s.closeC) {
			return ErrShardClosed
		}
	} else {
		s.backoff.Reset()
	}

	s.suppressThrottle = false
	s.lastRunStartedAt = time.Now()
	s.zombied.Store(false)
	s.connDispatched = false

	s.log.Info().Str("gateway", s.gatewayURL).Msg("connecting to gateway")

	header := http.Header{}
	header.Add("Accept-Encoding", "zlib")

	conn, _, err := websocket.DefaultDialer.Dial(s.gatewayURL, header)
	if err != nil {
		return &DialError{Err: err}
	}

	conn.SetCloseHandler(func(code int, text string) error {
		return nil
	})

	s.wsMutex.Lock()
	s.wsConn = conn
	s.wsMutex.Unlock()

	atomic.StoreInt64(&s.connectedAt, time.Now().UnixNano())
	s.zlib = NewZlibStream()

	defer func() {
		s.closeConn()
		if s.connDispatched {
			s.dispatch("DISCONNECTED", nil)
		}
		atomic.StoreInt64(&s.connectedAt, 0)
		atomic.AddInt64(&s.disconnectCount, 1)
	}()

	interval, err := s.handshake()
	if err != nil {
		return s.teardown(err)
	}

	pulseDone := make(chan struct{})
	pulseExited := make(chan struct{})
	go func() {
		defer close(pulseExited)
		s.pulse(pulseDone, interval)
	}()

	err = s.pollEvents()

	// The pulse is always cancelled on the way out, without swallowing the
	// poll loop's failure.
	close(pulseDone)
	<-pulseExited

	return s.teardown(err)
}

// handshake reads the HELLO frame, announces the connection and sends either
// RESUME or IDENTIFY.
func (s *Session) handshake() (time.Duration, error) {
	payload, err := s.readPayload()
	if err != nil {
		return 0, err
	}

	if payload.Op != GatewayOpHello {
		return 0, fmt.Errorf("%w: expected HELLO op %d but received op %d", ErrGateway, GatewayOpHello, payload.Op)
	}

	var hello Hello
	if err = jsoniter.Unmarshal(payload.Data, &hello); err != nil {
		return 0, fmt.Errorf("%w: malformed HELLO: %v", ErrGateway, err)
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	atomic.StoreInt64(&s.heartbeatInterval, int64(interval))
	s.log.Debug().Dur("heartbeat", interval).Msg("received HELLO")

	s.connDispatched = true
	s.dispatch("CONNECTED", nil)

	s.mu.RLock()
	sessionID, seq := s.sessionID, s.seq
	s.mu.RUnlock()

	if sessionID != "" {
		s.shard.transition(ShardStateResuming)
		s.log.Info().Str("session", sessionID).Int64("seq", seq).Msg("sending resume packet")
		err = s.send(SentPayload{
			Op: GatewayOpResume,
			Data: Resume{
				Token:     s.token,
				Sequence:  seq,
				SessionID: sessionID,
			},
		})
	} else {
		s.shard.transition(ShardStateWaitingForReady)
		s.log.Info().Msg("sending identify packet")
		err = s.send(SentPayload{
			Op:   GatewayOpIdentify,
			Data: s.identifyPacket(),
		})
	}

	if err != nil {
		return 0, err
	}

	return interval, nil
}

// identifyPacket builds the op 2 payload. Presence is only attached once any
// presence field has been provided.
func (s *Session) identifyPacket() Identify {
	identify := Identify{
		Token:          s.token,
		Compress:       false,
		LargeThreshold: s.largeThreshold,
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "relay",
			Device:  "relay",
		},
		Shard:   [2]int{s.shard.ShardID(), s.shard.ShardCount()},
		Intents: s.intents,
	}

	s.presenceMu.Lock()
	if s.presence.touched {
		usd := s.presence.payload()
		identify.Presence = &usd
	}
	s.presenceMu.Unlock()

	return identify
}

// pulse sends heartbeats on the interval negotiated in HELLO, detecting
// zombie connections first. A connection that has not received any frame for
// longer than one interval is closed resumably and restarted.
func (s *Session) pulse(done <-chan struct{}, interval time.Duration) {
	for {
		select {
		case <-done:
			return
		case <-s.closeC:
			return
		default:
		}

		sinceMsg := time.Since(time.Unix(0, atomic.LoadInt64(&s.lastMessageReceived)))
		if sinceMsg > interval {
			s.log.Error().Dur("since_message", sinceMsg).Msg("connection is a zombie, no message received within one heartbeat interval")
			s.zombied.Store(true)
			s.closeWithCode(CloseDoNotInvalidateSession, "zombie connection")
			return
		}

		s.mu.RLock()
		hb := heartbeatData{seq: s.seq, set: s.seqSet}
		s.mu.RUnlock()

		s.log.Debug().Int64("seq", hb.seq).Msg("sending heartbeat")
		if err := s.send(SentPayload{Op: GatewayOpHeartbeat, Data: hb}); err != nil {
			return
		}
		atomic.StoreInt64(&s.lastHeartbeatSent, time.Now().UnixNano())

		if !sleepInterruptibleBoth(interval, done, s.closeC) {
			return
		}
	}
}

// pollEvents reads frames until the connection dies or a protocol condition
// hands control back to the supervisor.
func (s *Session) pollEvents() error {
	for {
		if s.closeRequested() {
			return ErrShardClosed
		}

		payload, err := s.readPayload()
		if err != nil {
			return err
		}

		if err = s.onPayload(payload); err != nil {
			return err
		}
	}
}

// readPayload reads websocket frames until one complete gateway frame is
// decoded. Binary frames feed the zlib stream and may not produce a message
// yet.
func (s *Session) readPayload() (ReceivedPayload, error) {
	var payload ReceivedPayload

	conn := s.conn()
	if conn == nil {
		return payload, s.classifyReadError(ErrSocketClosed)
	}

	for {
		mt, data, err := conn.ReadMessage()
		atomic.StoreInt64(&s.lastMessageReceived, time.Now().UnixNano())
		if err != nil {
			return payload, s.classifyReadError(err)
		}

		switch mt {
		case websocket.TextMessage:
			if err = jsoniter.Unmarshal(data, &payload); err != nil {
				return payload, fmt.Errorf("%w: malformed frame: %v", ErrGateway, err)
			}
			return payload, nil

		case websocket.BinaryMessage:
			if !s.compress {
				return payload, fmt.Errorf("%w: received a binary frame on an uncompressed connection", ErrGateway)
			}

			msg, ok, ferr := s.zlib.Feed(data)
			if ferr != nil {
				return payload, ferr
			}
			if !ok {
				continue
			}
			if err = jsoniter.Unmarshal(msg, &payload); err != nil {
				return payload, fmt.Errorf("%w: malformed frame: %v", ErrGateway, err)
			}
			return payload, nil
		}
	}
}

// classifyReadError maps a websocket read failure onto the error taxonomy
// the supervisor matches on.
func (s *Session) classifyReadError(err error) error {
	if s.closeRequested() {
		return ErrShardClosed
	}
	if s.zombied.Load() {
		return ErrZombied
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &ServerCloseError{Code: closeErr.Code, Reason: closeErr.Text}
	}

	return fmt.Errorf("%w: %v", ErrSocketClosed, err)
}

// onPayload handles one decoded frame. Protocol frames are handled here;
// DISPATCH payloads are forwarded raw to the consumer after the session
// state has been updated for them.
func (s *Session) onPayload(payload ReceivedPayload) error {
	switch payload.Op {
	case GatewayOpDispatch:
		s.mu.Lock()
		s.seq = payload.Sequence
		s.seqSet = true
		if payload.Type == "READY" {
			var ready Ready
			if err := jsoniter.Unmarshal(payload.Data, &ready); err != nil {
				s.mu.Unlock()
				return fmt.Errorf("%w: malformed READY: %v", ErrGateway, err)
			}
			s.sessionID = ready.SessionID
			s.mu.Unlock()
			s.log.Info().Str("session", ready.SessionID).Msg("connection is ready")
			s.shard.handshakeDone()
		} else {
			s.mu.Unlock()
			if payload.Type == "RESUMED" {
				s.log.Info().Int64("seq", payload.Sequence).Msg("connection has resumed")
				s.shard.handshakeDone()
			}
		}

		s.dispatch(payload.Type, payload.Data)

	case GatewayOpHeartbeat:
		s.log.Debug().Msg("received HEARTBEAT, sending ack")
		return s.send(SentPayload{Op: GatewayOpHeartbeatAck})

	case GatewayOpHeartbeatAck:
		latency := time.Since(time.Unix(0, atomic.LoadInt64(&s.lastHeartbeatSent)))
		atomic.StoreInt64(&s.heartbeatLatency, int64(latency))
		s.log.Debug().Dur("latency", latency).Msg("received HEARTBEAT ACK")

	case GatewayOpReconnect:
		return ErrReconnect

	case GatewayOpInvalidSession:
		var canResume bool
		if err := jsoniter.Unmarshal(payload.Data, &canResume); err != nil {
			s.log.Warn().Err(err).Msg("malformed INVALID_SESSION payload, treating as not resumable")
		}
		return &InvalidSessionError{CanResume: canResume}

	default:
		s.log.Debug().Int("op", payload.Op).Msg("ignoring unrecognised opcode")
	}

	return nil
}

// teardown closes the websocket in the way the exit condition demands.
func (s *Session) teardown(err error) error {
	var invalid *InvalidSessionError

	switch {
	case errors.Is(err, ErrReconnect):
		s.backoff.Reset()
		s.closeWithCode(CloseDoNotInvalidateSession, "reconnecting")

	case errors.As(err, &invalid):
		if invalid.CanResume {
			s.closeWithCode(CloseDoNotInvalidateSession, "invalid session (resume)")
		} else {
			s.closeWithCode(CloseNormalClosure, "invalid session (no resume)")
		}

	case errors.Is(err, ErrGateway):
		s.closeWithCode(CloseUnexpectedCondition, "unexpected error occurred")
	}

	return err
}

// dispatch forwards an event to the consumer without awaiting it.
func (s *Session) dispatch(event string, data []byte) {
	if s.shard.handler == nil {
		return
	}
	go s.shard.handler(s.shard, event, data)
}

// send is the single outgoing write path: rate limit, marshal, write.
func (s *Session) send(payload SentPayload) error {
	if err := s.limiter.Acquire(s.closeC); err != nil {
		return err
	}

	data, err := jsoniter.Marshal(payload)
	if err != nil {
		return err
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	if s.wsConn == nil {
		return ErrSocketClosed
	}
	return s.wsConn.WriteMessage(websocket.TextMessage, data)
}

// updatePresence merges a sparse update over the stored presence, sends the
// result and commits it once the write succeeded.
func (s *Session) updatePresence(update PresenceUpdate) error {
	s.presenceMu.Lock()
	merged := s.presence
	merged.apply(update)
	payload := merged.payload()
	s.presenceMu.Unlock()

	if err := s.send(SentPayload{Op: GatewayOpPresenceUpdate, Data: payload}); err != nil {
		return err
	}

	s.presenceMu.Lock()
	s.presence = merged
	s.presenceMu.Unlock()
	return nil
}

// updateVoiceState sends an op 4 voice state change for a guild.
func (s *Session) updateVoiceState(data UpdateVoiceStateData) error {
	return s.send(SentPayload{Op: GatewayOpVoiceStateUpdate, Data: data})
}

// closeWithCode writes a close frame and tears the websocket down.
func (s *Session) closeWithCode(code int, reason string) {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	if s.wsConn == nil {
		return
	}

	s.log.Debug().Int("code", code).Str("reason", reason).Msg("sending close frame")
	if err := s.wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		s.log.Debug().Err(err).Msg("error writing close frame")
	}
	if err := s.wsConn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("error closing websocket")
	}
	s.wsConn = nil
}

func (s *Session) closeConn() {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	if s.wsConn != nil {
		s.wsConn.Close()
		s.wsConn = nil
	}
}

// requestClose is the user initiated shutdown: wake everything, close the
// socket with a normal closure so the session is invalidated server side.
func (s *Session) requestClose() {
	s.closeOnce.Do(func() {
		close(s.closeC)
	})
	s.closeWithCode(CloseNormalClosure, "user shut down application")
}

func (s *Session) closeRequested() bool {
	select {
	case <-s.closeC:
		return true
	default:
		return false
	}
}

func (s *Session) conn() *websocket.Conn {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return s.wsConn
}

// clearSession drops the session identity. Sequence and session id go
// together; one is never cleared without the other.
func (s *Session) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.seq = 0
	s.seqSet = false
	s.mu.Unlock()
}

// SessionID returns the current session id, or "" when no session exists.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Seq returns the last observed dispatch sequence. ok is false before the
// first DISPATCH of a session.
func (s *Session) Seq() (seq int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, s.seqSet
}

// IsConnected reports whether the websocket upgrade has completed and the
// connection has not been torn down yet.
func (s *Session) IsConnected() bool {
	return atomic.LoadInt64(&s.connectedAt) != 0
}

// HeartbeatInterval returns the interval negotiated in HELLO, 0 before it.
func (s *Session) HeartbeatInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.heartbeatInterval))
}

// HeartbeatLatency returns the delay between the last heartbeat and its ack,
// 0 before the first ack.
func (s *Session) HeartbeatLatency() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.heartbeatLatency))
}

// DisconnectCount returns how many times the connection has been torn down.
func (s *Session) DisconnectCount() int64 {
	return atomic.LoadInt64(&s.disconnectCount)
}

// sleepInterruptibleBoth sleeps for d, returning false if either channel
// fires first.
func sleepInterruptibleBoth(d time.Duration, a, b <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-a:
		return false
	case <-b:
		return false
	}
}
