package client

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTokenRejected     = errors.New("proof token rejected")
	ErrInsufficientFunds = errors.New("insufficient droplets")
	ErrAlreadyOwned      = errors.New("product already owned")
)

// TransientError covers network failures and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

type RateLimitedError struct {
	Op string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited", e.Op)
}

// AuthError means the account's cookies were refused. The account stays
// usable once the operator refreshes them.
type AuthError struct {
	Op     string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Op, e.Reason)
}

type SuspendedError struct {
	Until     time.Time
	Permanent bool
}

func (e *SuspendedError) Error() string {
	if e.Permanent {
		return "account suspended permanently"
	}
	return fmt.Sprintf("account suspended until %s", e.Until.Format(time.RFC3339))
}

// BlockedError reports an anti-automation challenge. The proxy involved has
// already been quarantined; ProxyIndex is 0 for direct connections.
type BlockedError struct {
	Op         string
	ProxyIndex int
}

func (e *BlockedError) Error() string {
	if e.ProxyIndex == 0 {
		return fmt.Sprintf("%s: blocked by challenge page (direct connection)", e.Op)
	}
	return fmt.Sprintf("%s: blocked by challenge page via proxy #%d", e.Op, e.ProxyIndex)
}

type UnexpectedResponseError struct {
	Op     string
	Status int
	Body   string
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("%s: unexpected response %d: %s", e.Op, e.Status, e.Body)
}

// IsTransient reports whether err is worth retrying after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	var rl *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &rl)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
