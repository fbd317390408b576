package schema

import "time"

// SessionStatus is the lifecycle state of a recording Session. Exactly one
// Session is ever in SessionRecording at a time (internal/registry is the
// enforcement point).
type SessionStatus string

const (
	SessionRecording SessionStatus = "recording"
	SessionStopped   SessionStatus = "stopped"
)

// Session is an operator-created recording episode.
type Session struct {
	ID           string        `db:"id" json:"id"`
	Name         string        `db:"name" json:"name"`
	ActivityType *string       `db:"activity_type" json:"activityType,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	StoppedAt    *time.Time    `db:"stopped_at" json:"stoppedAt,omitempty"`
	Status       SessionStatus `db:"status" json:"status"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updatedAt"`
}

// ActivityTypes is the fixed label set an operator may tag a session with.
var ActivityTypes = []string{
	"STAIR_CLIMB", "HOSE_ADVANCE", "SEARCH", "VENTILATION", "REST", "DRILL", "UNKNOWN",
}

func IsValidActivityType(t string) bool {
	for _, a := range ActivityTypes {
		if a == t {
			return true
		}
	}
	return false
}
