package main

import (
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var zlog = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.Stamp,
}).With().Timestamp().Logger()

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// env returns the environment value for key, or fallback when unset.
func env(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		zlog.Debug().Err(err).Msg("no .env file loaded")
	}

	token := flag.String("token", env("TOKEN", ""), "token the bot will use to authenticate")
	shardID := flag.Int("shard", 0, "shard id this producer runs")
	shardCount := flag.Int("shards", 1, "total shard count")
	intents := flag.Int("intents", -1, "gateway intents bitmask, -1 to not send intents")
	compress := flag.Bool("compress", true, "use zlib-stream transport compression")
	activity := flag.String("activity", env("ACTIVITY", ""), "activity shown as the bot presence")
	gatewayURL := flag.String("gateway", env("GATEWAY_URL", ""), "gateway url, leave empty to discover")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *token == "" {
		zlog.Fatal().Msg("no token was provided")
	}

	redisDatabase, err := strconv.Atoi(env("REDIS_DATABASE", "0"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid redis database")
	}

	configuration := Configuration{
		Token:         *token,
		GatewayURL:    *gatewayURL,
		ShardID:       *shardID,
		ShardCount:    *shardCount,
		Compress:      *compress,
		Activity:      *activity,
		RedisAddress:  env("REDIS_ADDRESS", "127.0.0.1:6379"),
		RedisPassword: env("REDIS_PASSWORD", ""),
		RedisDatabase: redisDatabase,
		RedisPrefix:   env("REDIS_PREFIX", "relay"),
		NatsAddress:   env("NATS_ADDRESS", "127.0.0.1:4222"),
		NatsChannel:   env("NATS_CHANNEL", "relay"),
		ClusterID:     env("NATS_CLUSTER", "cluster"),
		ClientID:      env("NATS_CLIENT", "relay"),
		IgnoredEvents: []string{"PRESENCE_UPDATE", "TYPING_START"},
	}

	if *intents >= 0 {
		configuration.Intents = intents
	}

	m := NewManager(configuration, zlog)
	if err = m.Open(); err != nil {
		zlog.Fatal().Err(err).Msg("could not start producer")
	}

	zlog.Info().Msg("producer has started, ^C to close")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	done := make(chan error, 1)
	go func() {
		done <- m.Join()
	}()

	select {
	case <-sc:
	case err = <-done:
		if err != nil {
			zlog.Error().Err(err).Msg("shard terminated")
		}
	}

	m.Close()
}
