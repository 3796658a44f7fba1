package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns a session ID with a timestamp prefix so directories sort chronologically
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session-%s-%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// NewTrialID returns the ID of the index-th trial of a session
func NewTrialID(sessionID string, index int) string {
	return fmt.Sprintf("%s/trial-%04d", sessionID, index)
}
