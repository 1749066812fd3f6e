package session

import (
	"errors"
	"regexp"
	"time"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Halt reasons recorded when the queue stops running.
const (
	HaltNone        = ""
	HaltStopped     = "stopped"
	HaltCompleted   = "completed"
	HaltRateLimited = "rate_limited"
)

// DefaultInterval is the pause between two queue steps, in seconds.
const DefaultInterval = 10

var (
	ErrInvalidID      = errors.New("invalid session id")
	ErrUnknownSession = errors.New("unknown session")
)

// Session IDs name credential files on disk.
var idRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidID reports whether id is an acceptable session ID.
func ValidID(id string) bool {
	return idRe.MatchString(id) && id != "." && id != ".."
}

// Record is the persisted automation state of one session.
type Record struct {
	Queue        []string `json:"queue"`
	CurrentIndex int      `json:"currentIndex"`
	Interval     int      `json:"interval"`
	IsRunning    bool     `json:"isRunning"`
	TotalJoined  int      `json:"totalJoined"`
	Status       Status   `json:"status"`
	Phone        string   `json:"phone"`

	ReconnectAttempts int       `json:"reconnectAttempts"`
	HaltReason        string    `json:"haltReason,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func newRecord(interval int) Record {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return Record{
		Queue:    []string{},
		Interval: interval,
		Status:   StatusDisconnected,
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	r.Queue = append([]string(nil), r.Queue...)
	if r.Queue == nil {
		r.Queue = []string{}
	}
	return r
}

// Remaining is the number of codes not yet processed.
func (r Record) Remaining() int {
	return len(r.Queue) - r.CurrentIndex
}

// normalize restores record invariants after a mutation or a load.
func (r *Record) normalize() {
	if r.Queue == nil {
		r.Queue = []string{}
	}
	if r.CurrentIndex < 0 {
		r.CurrentIndex = 0
	}
	if r.CurrentIndex > len(r.Queue) {
		r.CurrentIndex = len(r.Queue)
	}
	if r.Interval <= 0 {
		r.Interval = DefaultInterval
	}
	if r.TotalJoined < 0 {
		r.TotalJoined = 0
	}
	switch r.Status {
	case StatusConnected, StatusConnecting, StatusDisconnected:
	default:
		r.Status = StatusDisconnected
	}
}

// Append adds codes not already queued and returns how many were added.
func (r *Record) Append(codes []string) int {
	seen := make(map[string]struct{}, len(r.Queue))
	for _, c := range r.Queue {
		seen[c] = struct{}{}
	}
	n := 0
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		r.Queue = append(r.Queue, c)
		n++
	}
	return n
}
