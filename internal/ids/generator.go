package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// NewSessionID generates a new generation-session identifier with a stable
// prefix for display.
func NewSessionID() string {
	return newIdentifier("session")
}

// NewSubjectID generates an identifier for ad-hoc subjects created by tooling.
func NewSubjectID() string {
	return newIdentifier("subject")
}

func newIdentifier(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String())
}
