package switchbox

import "github.com/pkg/errors"

// Failure classes, matched with errors.Is. Callers decide what is
// recoverable; nothing in this package retries on its own.
var (
	ErrConfiguration = errors.New("switchbox configuration error")
	ErrCommunication = errors.New("switchbox communication error")
	ErrProtocol      = errors.New("switchbox protocol error")
	ErrValidation    = errors.New("switchbox validation error")
)
