package repo

import (
	"github.com/hamed0406/canarywatch/internal/domain"
)

// Transition is one persisted alarm state change. Delivery counts stay zero
// when the alarm has no topic or the new state is not notified.
type Transition struct {
	ID string `json:"id"`
	domain.TransitionEvent
	Topic     string `json:"topic,omitempty"`
	Notified  bool   `json:"notified"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}
