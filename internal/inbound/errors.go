// Package inbound holds the per-channel payload parsers. Parsers are
// pure: bytes (+ transport headers) in, canonical InboundMessage out.
// They never touch storage; verification uses only the secrets handed in.
package inbound

import (
	"errors"
	"fmt"
)

// Sentinel parse errors. The gateway maps them to HTTP statuses:
// missing field and unsupported event → 400/2xx-ignore, signature
// mismatch → 401, own-bot message → silent 200.
var (
	ErrMissingField      = errors.New("missing required field")
	ErrUnsupportedEvent  = errors.New("unsupported event type")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrOwnBotMessage     = errors.New("own bot message")
)

// Challenge is returned instead of a message for URL-verification
// handshakes (Slack url_verification, WhatsApp hub.challenge): the
// gateway echoes Body with status 200 and stops.
type Challenge struct {
	Body string
}

// ChallengeError wraps a Challenge so parsers can signal it through the
// error return without widening the success type.
type ChallengeError struct {
	Challenge Challenge
}

func (e *ChallengeError) Error() string { return "verification challenge" }

// AsChallenge extracts a challenge response from a parse error.
func AsChallenge(err error) (Challenge, bool) {
	var ce *ChallengeError
	if errors.As(err, &ce) {
		return ce.Challenge, true
	}
	return Challenge{}, false
}

func missingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}
