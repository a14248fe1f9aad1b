package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// invalidSessionPause is how long the gateway wants us to wait before
// re-identifying after an invalid session or a reconnect directive.
const invalidSessionPause = 5 * time.Second

// Handler consumes raw gateway events. It is invoked concurrently and never
// awaited; the synthetic CONNECTED and DISCONNECTED events are delivered the
// same way as protocol dispatches. data is nil for synthetic events.
type Handler func(shard *Shard, event string, data json.RawMessage)

// Observer receives side-band notifications around the shard lifecycle.
// OnStarted fires only on the initial successful connect, not on reconnects.
type Observer interface {
	OnStarting(shard *Shard)
	OnStarted(shard *Shard)
	OnStopping(shard *Shard)
	OnStopped(shard *Shard)
}

// ShardOptions configures a shard. Token and GatewayURL are required;
// everything else has a usable default.
type ShardOptions struct {
	Token      string
	GatewayURL string

	ShardID    int
	ShardCount int

	// Compress enables zlib-stream transport compression.
	Compress bool

	// Intents is the gateway intents bitmask, or nil to not send intents.
	Intents *int

	// LargeThreshold is the guild member count above which a guild is sent
	// offline-member-less. Defaults to 250.
	LargeThreshold int

	// Presence is the presence to identify with. When every field is absent
	// no presence is sent; otherwise absent fields are sent with their
	// defaults (online, not afk, no activity, no idle time).
	Presence PresenceUpdate

	Handler  Handler
	Observer Observer
	Logger   zerolog.Logger

	// Backoff and Limiter may be injected for tests; when nil the gateway
	// defaults are used.
	Backoff *Backoff
	Limiter *SendLimiter
}

// Shard supervises a single gateway Session, restarting it until an
// unrecoverable error surfaces or Close is called.
type Shard struct {
	shardID    int
	shardCount int
	version    int
	intents    *int

	handler  Handler
	observer Observer
	log      zerolog.Logger

	session *Session

	state int32

	mu             sync.Mutex
	running        bool
	done           chan struct{}
	firstHandshake chan struct{}
	handshakeOnce  *sync.Once
	runErr         error

	reconnectCount int64

	// pause between attempts after an invalid session or reconnect
	// directive; shortened in tests.
	pause time.Duration
}

// NewShard creates a shard for the given gateway URL. The URL is the bare
// endpoint; the protocol query parameters are appended here.
func NewShard(opts ShardOptions) (*Shard, error) {
	gatewayURL, err := buildGatewayURL(opts.GatewayURL, APIVersion, opts.Compress)
	if err != nil {
		return nil, err
	}

	token := opts.Token
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}

	if opts.ShardCount < 1 {
		opts.ShardCount = 1
	}
	if opts.LargeThreshold == 0 {
		opts.LargeThreshold = 250
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Limiter == nil {
		opts.Limiter = DefaultSendLimiter()
	}

	log := opts.Logger.With().Int("shard", opts.ShardID).Logger()

	sh := &Shard{
		shardID:    opts.ShardID,
		shardCount: opts.ShardCount,
		version:    APIVersion,
		intents:    opts.Intents,
		handler:    opts.Handler,
		observer:   opts.Observer,
		log:        log,
		state:      int32(ShardStateNotRunning),
		pause:      invalidSessionPause,
	}

	sh.session = newSession(sh, token, gatewayURL, opts.Compress, opts.Intents, opts.LargeThreshold, opts.Limiter, opts.Backoff, log)
	sh.session.presence.apply(opts.Presence)

	return sh, nil
}

// Start spawns the keep-alive loop and returns once the first handshake has
// completed or the shard died before it could, in which case the terminating
// error is returned.
func (sh *Shard) Start() error {
	sh.mu.Lock()
	if sh.running {
		sh.mu.Unlock()
		return ErrAlreadyRunning
	}
	sh.running = true
	sh.done = make(chan struct{})
	sh.firstHandshake = make(chan struct{})
	sh.handshakeOnce = &sync.Once{}
	sh.mu.Unlock()

	if sh.observer != nil {
		sh.observer.OnStarting(sh)
	}

	go sh.keepAlive()

	select {
	case <-sh.firstHandshake:
		return nil
	case <-sh.done:
		return sh.runErr
	}
}

// Join blocks until the shard has fully terminated and returns the error it
// terminated with, if any.
func (sh *Shard) Join() error {
	sh.mu.Lock()
	done := sh.done
	sh.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done
	return sh.runErr
}

// Close requests a shutdown, waits for the keep-alive loop to exit and
// notifies the observer. Calling it again is a no-op.
func (sh *Shard) Close() {
	sh.mu.Lock()
	state := sh.State()
	if state == ShardStateStopping || state == ShardStateStopped {
		sh.mu.Unlock()
		return
	}
	sh.transition(ShardStateStopping)
	done := sh.done
	sh.mu.Unlock()

	sh.log.Info().Msg("stopping shard")
	if sh.observer != nil {
		sh.observer.OnStopping(sh)
	}

	sh.session.requestClose()
	if done != nil {
		<-done
	}

	sh.transition(ShardStateStopped)
	if sh.observer != nil {
		sh.observer.OnStopped(sh)
	}
}

// keepAlive runs connection attempts until the shard is closed or an
// unrecoverable condition surfaces. All local recovery lives here.
func (sh *Shard) keepAlive() {
	defer close(sh.done)

	for {
		if sh.session.closeRequested() {
			return
		}

		sh.transition(ShardStateConnecting)
		err := sh.session.run()

		if errors.Is(err, ErrShardClosed) || sh.session.closeRequested() {
			sh.log.Info().Msg("shard shut down")
			return
		}

		var invalid *InvalidSessionError
		var srvClose *ServerCloseError
		var dial *DialError

		switch {
		case errors.Is(err, ErrReconnect):
			sh.log.Warn().Msg("instructed by the gateway to reconnect")
			if !sh.sleepPause() {
				return
			}
			sh.session.suppressThrottle = true

		case errors.As(err, &invalid):
			if invalid.CanResume {
				sh.log.Warn().Str("session", sh.session.SessionID()).Msg("invalid session, will attempt to resume")
			} else {
				sh.log.Warn().Msg("invalid session, will identify again")
				sh.session.clearSession()
			}
			if !sh.sleepPause() {
				return
			}
			sh.session.suppressThrottle = true

		case errors.As(err, &srvClose):
			if !srvClose.Reconnectable() {
				sh.log.Error().Int("code", srvClose.Code).Str("reason", srvClose.Reason).Msg("disconnected by the gateway, cannot recover")
				sh.runErr = srvClose
				return
			}
			sh.log.Warn().Int("code", srvClose.Code).Msg("disconnected by the gateway, will reconnect")
			sh.session.suppressThrottle = true

		case errors.Is(err, ErrZombied):
			sh.log.Warn().Msg("shard entered a zombie state and will be restarted")

		case errors.As(err, &dial):
			sh.log.Error().Err(dial.Err).Msg("failed to open a websocket connection")

		case errors.Is(err, ErrSocketClosed):
			sh.log.Warn().Msg("unexpected connection close, will reconnect")

		case err == nil:
			sh.log.Error().Msg("connection returned silently, restarting")

		default:
			sh.log.Error().Err(err).Msg("unrecoverable gateway error")
			sh.runErr = err
			return
		}

		atomic.AddInt64(&sh.reconnectCount, 1)
	}
}

// sleepPause waits the gateway mandated pause between attempts, returning
// false if the shard was closed while waiting.
func (sh *Shard) sleepPause() bool {
	return sleepInterruptible(sh.pause, sh.session.closeC)
}

// handshakeDone is called by the session on READY or RESUMED.
func (sh *Shard) handshakeDone() {
	sh.transition(ShardStateReady)
	sh.handshakeOnce.Do(func() {
		if sh.observer != nil {
			sh.observer.OnStarted(sh)
		}
		close(sh.firstHandshake)
	})
}

func (sh *Shard) transition(state ShardState) {
	atomic.StoreInt32((*int32)(&sh.state), int32(state))
}

// UpdatePresence applies a sparse presence change and sends the result to
// the gateway. Absent fields keep their previous value.
func (sh *Shard) UpdatePresence(update PresenceUpdate) error {
	return sh.session.updatePresence(update)
}

// UpdateVoiceState joins, moves or leaves a voice channel in a guild. A nil
// channelID leaves voice in that guild.
func (sh *Shard) UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	return sh.session.updateVoiceState(UpdateVoiceStateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	})
}

// ShardID returns the zero indexed shard number.
func (sh *Shard) ShardID() int {
	return sh.shardID
}

// ShardCount returns the total shard count identified with.
func (sh *Shard) ShardCount() int {
	return sh.shardCount
}

// State returns the current lifecycle state.
func (sh *Shard) State() ShardState {
	return ShardState(atomic.LoadInt32((*int32)(&sh.state)))
}

// Version returns the gateway protocol version in use.
func (sh *Shard) Version() int {
	return sh.version
}

// Intents returns the intents bitmask, or nil when intents are not used.
func (sh *Shard) Intents() *int {
	return sh.intents
}

// SessionID returns the current session id, or "" when no session exists.
func (sh *Shard) SessionID() string {
	return sh.session.SessionID()
}

// Seq returns the last observed dispatch sequence; ok is false before the
// first DISPATCH.
func (sh *Shard) Seq() (seq int64, ok bool) {
	return sh.session.Seq()
}

// IsConnected reports whether the underlying websocket is currently up.
func (sh *Shard) IsConnected() bool {
	return sh.session.IsConnected()
}

// HeartbeatInterval returns the negotiated heartbeat interval.
func (sh *Shard) HeartbeatInterval() time.Duration {
	return sh.session.HeartbeatInterval()
}

// HeartbeatLatency returns the last measured heartbeat round trip.
func (sh *Shard) HeartbeatLatency() time.Duration {
	return sh.session.HeartbeatLatency()
}

// DisconnectCount returns how many times the connection was torn down.
func (sh *Shard) DisconnectCount() int64 {
	return sh.session.DisconnectCount()
}

// ReconnectCount returns how many reconnect attempts have been made, both
// resumes and re-identifies.
func (sh *Shard) ReconnectCount() int64 {
	return atomic.LoadInt64(&sh.reconnectCount)
}
