package notify

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNetwork      = errors.New("network failure")
	ErrServerFault  = errors.New("server fault")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

// APIError is the typed failure returned for non-2xx service responses.
// It matches the error taxonomy sentinels through Is, so callers can
// branch with errors.Is(err, ErrUnauthorized) and friends.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrServerFault:
		return e.StatusCode >= 500 && e.StatusCode <= 599
	}
	return false
}

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is the unit of delivery. The same record can arrive via
// the snapshot fetch and via a channel push; ID is stable across both.
type Notification struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principalId"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Logger is the minimal logging surface used across the package.
// A nil Logger disables logging.
type Logger interface {
	Printf(format string, args ...any)
}
