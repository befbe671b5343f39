package eventbus

import "time"

// Tracking lifecycle event types.
const (
	TrackingStarted    = "tracking.started"
	TrackingStopped    = "tracking.stopped"
	TrackingChange     = "tracking.change"
	TrackingPollFailed = "tracking.poll_failed"
)

// TrackingEvent is the Data of every tracking.* event.
type TrackingEvent struct {
	Chat    string    `json:"chat"`
	Index   int       `json:"index"`
	Address string    `json:"address"`
	At      time.Time `json:"at"`
	// Recovered is set on tracking.started when the task was relaunched
	// from persisted registrations.
	Recovered bool   `json:"recovered,omitempty"`
	Error     string `json:"error,omitempty"`
}
