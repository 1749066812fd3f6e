package transport

import (
	"errors"
	"strings"
)

var (
	// ErrRateLimited is a server-side throttling signal (HTTP 429 equivalent).
	ErrRateLimited = errors.New("rate limited")
	// ErrInviteInvalid covers expired, revoked or unknown invite codes.
	ErrInviteInvalid = errors.New("invite invalid or expired")
	// ErrAlreadyMember means the account already belongs to the group.
	ErrAlreadyMember = errors.New("already a member")
	// ErrNotConnected is returned by handles that are not connected.
	ErrNotConnected = errors.New("not connected")
)

// Outcome is the triage result of one accept-invite call.
type Outcome int

const (
	OutcomeJoined Outcome = iota
	OutcomeRateLimited
	OutcomeInvalid
	OutcomeAlreadyMember
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeJoined:
		return "joined"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeAlreadyMember:
		return "already_member"
	default:
		return "unknown"
	}
}

// Classify maps an accept-invite error to an Outcome.
//
// Structured sentinels win. Errors without one fall back to text matching,
// so any error text carrying "429" is treated as a rate limit.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeJoined
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrInviteInvalid):
		return OutcomeInvalid
	case errors.Is(err, ErrAlreadyMember):
		return OutcomeAlreadyMember
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "429"), strings.Contains(s, "rate-overlimit"), strings.Contains(s, "rate limit"):
		return OutcomeRateLimited
	case strings.Contains(s, "401"), strings.Contains(s, "404"), strings.Contains(s, "406"),
		strings.Contains(s, "410"), strings.Contains(s, "gone"):
		return OutcomeInvalid
	case strings.Contains(s, "409"), strings.Contains(s, "participant"):
		return OutcomeAlreadyMember
	default:
		return OutcomeUnknown
	}
}
