package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"

	"github.com/peppermintbots/relay/client"
	"github.com/peppermintbots/relay/gateway"
)

// BufferSize sets a maximum buffer size for channels
const BufferSize = 2048

// statusExpiry is how long the redis status key stays alive without a
// refresh, so a dead producer disappears from dashboards on its own.
const statusExpiry = 2 * time.Minute

var ctx = context.Background()

// StreamEvent is the envelope for events that are published to STAN/NATS.
// Data carries the raw JSON dispatch payload untouched.
type StreamEvent struct {
	Type    string          `msgpack:"i"`
	ShardID int             `msgpack:"sh"`
	Data    json.RawMessage `msgpack:"d"`
}

// Configuration represents all configurable elements of the producer.
type Configuration struct {
	Token string

	// GatewayURL overrides gateway discovery when set.
	GatewayURL string

	ShardID    int
	ShardCount int
	Intents    *int
	Compress   bool

	// Activity is shown as the bot presence on identify, when set.
	Activity string

	// Authentication for redis client
	RedisAddress  string
	RedisPassword string
	RedisDatabase int

	// RedisPrefix represents what keys will be prepended with when keys are constructed
	RedisPrefix string

	// Configuration for NATS
	NatsAddress string
	NatsChannel string
	ClusterID   string
	ClientID    string

	// IgnoredEvents contains events that will be completely ignored when
	// they are dispatched.
	IgnoredEvents []string
}

// Manager wires one gateway shard to the stream producer: dispatch events
// flow into a channel, are repacked and published to STAN, and the shard's
// health is mirrored into redis.
type Manager struct {
	Configuration Configuration
	log           zerolog.Logger

	Shard      *gateway.Shard
	RestClient *client.Client

	produceChannel chan StreamEvent

	redisClient *redis.Client
	natsClient  *nats.Conn
	stanClient  stan.Conn

	statusDone chan struct{}
}

// NewManager creates the producer. Nothing connects until Open.
func NewManager(configuration Configuration, log zerolog.Logger) (m *Manager) {
	return &Manager{
		Configuration:  configuration,
		log:            log,
		RestClient:     client.NewClient("Bot " + configuration.Token),
		produceChannel: make(chan StreamEvent, BufferSize),
		statusDone:     make(chan struct{}),
	}
}

// Open connects the brokers, discovers the gateway and starts the shard.
func (m *Manager) Open() (err error) {
	m.redisClient = redis.NewClient(&redis.Options{
		Addr:     m.Configuration.RedisAddress,
		Password: m.Configuration.RedisPassword,
		DB:       m.Configuration.RedisDatabase,
	})

	m.natsClient, err = nats.Connect(m.Configuration.NatsAddress)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	m.stanClient, err = stan.Connect(m.Configuration.ClusterID,
		m.Configuration.ClientID, stan.NatsConn(m.natsClient))
	if err != nil {
		return fmt.Errorf("failed to connect to stan: %w", err)
	}

	gatewayURL := m.Configuration.GatewayURL
	if gatewayURL == "" {
		var gr *client.GatewayBotResponse
		if gr, err = m.RestClient.GatewayBot(); err != nil {
			return err
		}

		m.log.Info().Str("gateway", gr.URL).Int("shards", gr.Shards).Int("remaining", gr.SessionLimit.Remaining).Send()

		if gr.SessionLimit.Remaining < 1 {
			return fmt.Errorf("no sessions remaining, resets in %dms", gr.SessionLimit.ResetAfter)
		}

		gatewayURL = gr.URL
	}

	presence := gateway.PresenceUpdate{}
	if m.Configuration.Activity != "" {
		presence.Activity = gateway.Set(&gateway.Activity{Name: m.Configuration.Activity})
		presence.Status = gateway.Set(gateway.StatusOnline)
	}

	m.Shard, err = gateway.NewShard(gateway.ShardOptions{
		Token:      m.Configuration.Token,
		GatewayURL: gatewayURL,
		ShardID:    m.Configuration.ShardID,
		ShardCount: m.Configuration.ShardCount,
		Compress:   m.Configuration.Compress,
		Intents:    m.Configuration.Intents,
		Presence:   presence,
		Handler:    m.OnEvent,
		Observer:   m,
		Logger:     m.log,
	})
	if err != nil {
		return
	}

	go m.ForwardProduce()
	go m.statusLoop()

	return m.Shard.Start()
}

// OnEvent is the raw event consumer handed to the shard. Synthetic events
// and dispatches are treated alike; blacklisted events never reach the
// brokers.
func (m *Manager) OnEvent(shard *gateway.Shard, event string, data json.RawMessage) {
	if belongsToList(m.Configuration.IgnoredEvents, event) {
		m.log.Debug().Str("type", event).Msg("event blacklisted")
		return
	}

	m.produceChannel <- StreamEvent{
		Type:    event,
		ShardID: shard.ShardID(),
		Data:    data,
	}
}

// ForwardProduce routes stream events to STAN.
func (m *Manager) ForwardProduce() {
	var err error
	var ep []byte

	for e := range m.produceChannel {
		ep, err = msgpack.Marshal(e)
		if err != nil {
			m.log.Warn().Err(err).Msg("failed to marshal stream event")
			continue
		}

		if err = m.stanClient.Publish(m.Configuration.NatsChannel, ep); err != nil {
			m.log.Warn().Err(err).Msg("failed to publish stream event")
		}
	}
}

// statusLoop refreshes the redis status key while the shard runs.
func (m *Manager) statusLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.statusDone:
			return
		case <-ticker.C:
			m.publishStatus()
		}
	}
}

// shardStatus is the observability blob mirrored into redis. It carries no
// session identity; a restarted producer always identifies from scratch.
type shardStatus struct {
	State       string `json:"state"`
	LatencyMS   int64  `json:"latency_ms"`
	Disconnects int64  `json:"disconnects"`
	Reconnects  int64  `json:"reconnects"`
}

func (m *Manager) publishStatus() {
	if m.Shard == nil {
		return
	}

	status := shardStatus{
		State:       m.Shard.State().String(),
		LatencyMS:   m.Shard.HeartbeatLatency().Milliseconds(),
		Disconnects: m.Shard.DisconnectCount(),
		Reconnects:  m.Shard.ReconnectCount(),
	}

	data, err := json.Marshal(status)
	if err != nil {
		return
	}

	key := fmt.Sprintf("%s:shard:%d:status", m.Configuration.RedisPrefix, m.Configuration.ShardID)
	if err = m.redisClient.Set(ctx, key, data, statusExpiry).Err(); err != nil {
		m.log.Warn().Err(err).Msg("failed to publish shard status")
	}
}

// OnStarting implements gateway.Observer.
func (m *Manager) OnStarting(shard *gateway.Shard) {
	m.log.Info().Msg("shard starting")
}

// OnStarted implements gateway.Observer. It only fires on the initial
// successful connect.
func (m *Manager) OnStarted(shard *gateway.Shard) {
	m.log.Info().Str("session", shard.SessionID()).Msg("shard started")
	m.publishStatus()
}

// OnStopping implements gateway.Observer.
func (m *Manager) OnStopping(shard *gateway.Shard) {
	m.log.Info().Msg("shard stopping")
	m.publishStatus()
}

// OnStopped implements gateway.Observer.
func (m *Manager) OnStopped(shard *gateway.Shard) {
	m.log.Info().Msg("shard stopped")
	m.publishStatus()
}

// Join blocks until the shard terminates on its own.
func (m *Manager) Join() error {
	return m.Shard.Join()
}

// Close gracefully closes the shard and ensures all queued events are
// published before disconnecting from the brokers.
func (m *Manager) Close() {
	m.log.Info().Msg("closing producer")

	if m.Shard != nil {
		m.Shard.Close()
	}

	close(m.statusDone)

	// Allow time for late dispatchers
	time.Sleep(time.Second)

	for len(m.produceChannel) > 0 {
		m.log.Info().Int("produce", len(m.produceChannel)).Msg("waiting for produce channel to drain")
		time.Sleep(time.Second)
	}
	close(m.produceChannel)

	if m.stanClient != nil {
		m.stanClient.Close()
	}
	if m.natsClient != nil {
		m.natsClient.Close()
	}
	if m.redisClient != nil {
		m.redisClient.Close()
	}
}

// belongsToList checks if a string is in a list.
func belongsToList(list []string, lookup string) bool {
	for _, val := range list {
		if val == lookup {
			return true
		}
	}
	return false
}
