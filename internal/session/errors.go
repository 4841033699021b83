package session

import "github.com/pkg/errors"

var (
	ErrClosed         = errors.New("session registry closed")
	ErrNotApproved    = errors.New("messaging is not approved for this tenant")
	ErrStoreWrite     = errors.New("session store write failed")
	ErrPairingTimeout = errors.New("pairing deadline exceeded")
	ErrAuthRejected   = errors.New("authentication rejected by peer")
	ErrClientStart    = errors.New("connection client failed to start")

	errControllerGone = errors.New("controller stopped")
	errStaleReconnect = errors.New("reconnect superseded")
)
