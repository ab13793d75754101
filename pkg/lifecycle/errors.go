package lifecycle

import (
	"github.com/pkg/errors"
)

// Error kinds reported by the stores and the lifecycle manager. Callers
// match them with errors.Is, every layer wraps them with context.
var (
	ErrInvalidName      = errors.New("invalid client name")
	ErrAlreadyExists    = errors.New("client already has a valid certificate")
	ErrNotFound         = errors.New("client not found")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrAlreadyRevoked   = errors.New("client certificate already revoked")
	ErrAuthority        = errors.New("certificate authority error")
	ErrAuthorityTimeout = errors.New("certificate authority timeout")
	ErrStorage          = errors.New("storage error")
)

var kinds = []error{
	ErrInvalidName,
	ErrAlreadyExists,
	ErrNotFound,
	ErrInvalidState,
	ErrAlreadyRevoked,
	ErrAuthorityTimeout,
	ErrAuthority,
	ErrStorage,
}

// Kind returns the error kind err belongs to, or nil when it is not one of
// the known kinds.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsConflict reports whether err is a state conflict: the request was well
// formed but the identity is not in a state that allows it.
func IsConflict(err error) bool {
	switch Kind(err) {
	case ErrAlreadyExists, ErrInvalidState, ErrAlreadyRevoked:
		return true
	}
	return false
}

// StateError builds an ErrInvalidState error describing the rejected
// transition.
func StateError(op, name string, current State) error {
	return errors.Wrapf(ErrInvalidState, "cannot %s client %s in state %s", op, name, current)
}
