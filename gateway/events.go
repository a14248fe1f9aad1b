package gateway

import (
	"encoding/json"
)

// ReceivedPayload provides the basic initial struct for all frames read from
// the websocket. Sequence and Type are only present on DISPATCH frames.
type ReceivedPayload struct {
	Op       int             `json:"op" msgpack:"op"`
	Sequence int64           `json:"s" msgpack:"s"`
	Type     string          `json:"t" msgpack:"t"`
	Data     json.RawMessage `json:"d" msgpack:"-"`
}

// SentPayload is the envelope for all frames we write to the websocket.
type SentPayload struct {
	Op   int         `json:"op"`
	Data interface{} `json:"d"`
}

// Hello is the data of the op 10 frame the gateway sends first.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Ready is the slice of the READY dispatch the shard cares about. The rest of
// the payload is forwarded raw to the consumer.
type Ready struct {
	Version   int    `json:"v"`
	SessionID string `json:"session_id"`
}

// Identify is the data sent when identifying.
type Identify struct {
	Token          string             `json:"token"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Properties     IdentifyProperties `json:"properties"`
	Shard          [2]int             `json:"shard"`
	Intents        *int               `json:"intents,omitempty"`
	Presence       *UpdateStatusData  `json:"presence,omitempty"`
}

// IdentifyProperties describes the connecting client to the gateway.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Resume is the data sent when resuming an existing session.
type Resume struct {
	Token     string `json:"token"`
	Sequence  int64  `json:"seq"`
	SessionID string `json:"session_id"`
}

// heartbeatData carries the last observed sequence, or null before any
// DISPATCH was received.
type heartbeatData struct {
	seq int64
	set bool
}

func (h heartbeatData) MarshalJSON() ([]byte, error) {
	if !h.set {
		return []byte("null"), nil
	}
	return json.Marshal(h.seq)
}

// UpdateStatusData is the op 3 presence payload.
type UpdateStatusData struct {
	Since  *int64    `json:"since"`
	Game   *Activity `json:"game"`
	Status Status    `json:"status"`
	AFK    bool      `json:"afk"`
}

// UpdateVoiceStateData is the op 4 voice state payload. A nil ChannelID
// disconnects from voice in the guild.
type UpdateVoiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}
