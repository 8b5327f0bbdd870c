package sender

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCredentialMissing      = errors.New("sender: bot credential missing")
	ErrSenderNotFound         = errors.New("sender: no sender registered for backend")
	ErrBackendMismatch        = errors.New("sender: bot backend does not match channel backend")
	ErrUnsupportedContentKind = errors.New("sender: unsupported content kind")
	ErrNotEditable            = errors.New("sender: message not editable")
	ErrInfoUnsupported        = errors.New("sender: channel info not supported")
)

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, ErrCredentialMissing),
		errors.Is(err, ErrSenderNotFound),
		errors.Is(err, ErrBackendMismatch),
		errors.Is(err, ErrUnsupportedContentKind),
		errors.Is(err, ErrNotEditable):
		return true
	}
	var p permanentError
	return errors.As(err, &p)
}

// Permanent marks a backend error as not worth retrying, such as a rejected
// chat id or a bot kicked from the channel.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// RateLimited wraps a backend flood response with the delay it asked for.
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return rateLimitedError{err: err, after: after}
}

type rateLimitedError struct {
	err   error
	after time.Duration
}

func (e rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.after, e.err)
}
func (e rateLimitedError) Unwrap() error             { return e.err }
func (e rateLimitedError) RetryAfter() time.Duration { return e.after }
