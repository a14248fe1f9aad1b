package gateway

import (
	"time"
)

// Status is the presence status shown for the bot user.
type Status string

// Constants for Status with the different available statuses.
const (
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusInvisible    Status = "invisible"
)

// Activity is shown as the bot's presence. URL is only valid for streaming
// activities.
type Activity struct {
	Name string  `json:"name"`
	Type int     `json:"type"`
	URL  *string `json:"url,omitempty"`
}

// Option is a presence field that distinguishes "leave unchanged" from an
// explicitly provided value. The explicit value may itself be nil, which is
// why a plain pointer cannot express this. The zero value is absent.
type Option[T any] struct {
	value T
	set   bool
}

// Set wraps a value in a present Option.
func Set[T any](v T) Option[T] {
	return Option[T]{value: v, set: true}
}

// IsSet reports whether the option carries a value.
func (o Option[T]) IsSet() bool {
	return o.set
}

// Value returns the carried value; the zero value when absent.
func (o Option[T]) Value() T {
	return o.value
}

// PresenceUpdate is a sparse presence change. Absent fields keep the value
// the shard last sent.
type PresenceUpdate struct {
	Status    Option[Status]
	Activity  Option[*Activity]
	IdleSince Option[*time.Time]
	AFK       Option[bool]
}

// presenceState is the presence remembered by the shard. It survives
// reconnects within the process so a resumed or re-identified session keeps
// presenting the same status.
type presenceState struct {
	status    Status
	activity  *Activity
	idleSince *time.Time
	afk       bool

	// touched records whether any field was ever provided, so IDENTIFY only
	// includes a presence block when there is something to say.
	touched bool
}

// apply merges a sparse update into the state.
func (p *presenceState) apply(u PresenceUpdate) {
	if u.Status.IsSet() {
		p.status = u.Status.Value()
		p.touched = true
	}
	if u.Activity.IsSet() {
		p.activity = u.Activity.Value()
		p.touched = true
	}
	if u.IdleSince.IsSet() {
		p.idleSince = u.IdleSince.Value()
		p.touched = true
	}
	if u.AFK.IsSet() {
		p.afk = u.AFK.Value()
		p.touched = true
	}
}

// payload builds the wire form of the presence. Status defaults to online
// and since is the idle timestamp in milliseconds, or null.
func (p *presenceState) payload() UpdateStatusData {
	usd := UpdateStatusData{
		Status: p.status,
		Game:   p.activity,
		AFK:    p.afk,
	}

	if usd.Status == "" {
		usd.Status = StatusOnline
	}

	if p.idleSince != nil {
		since := p.idleSince.UnixMilli()
		usd.Since = &since
	}

	return usd
}
