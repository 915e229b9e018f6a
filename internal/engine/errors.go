package engine

import (
	"fmt"
	"strings"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Errors returned by sessions. They are the wire sentinels so that callers on either side of
// the bridge can match them with errors.Is.
var (
	ErrSessionNotComplete          = wire.ErrSessionNotComplete
	ErrIncompleteSignatureMaterial = wire.ErrIncompleteSignatureMaterial
	ErrInvalidState                = wire.ErrInvalidState
	ErrNotSerializable             = wire.ErrNotSerializable
	ErrMessageOrder                = wire.ErrMessageOrder
	ErrInvalidArgument             = wire.ErrInvalidArgument
	ErrBlockedOrigin               = wire.ErrBlockedOrigin
	ErrEngine                      = wire.ErrEngine
)

// RoundError is returned when a protocol round fails.
type RoundError struct {
	// Round names the step that failed, like "presign" or "combine".
	Round string
	// Culprits holds the parties identified as misbehaving, if any.
	Culprits []uint8
	// Err is the underlying error
	Err error
}

func (e *RoundError) Error() string {
	if len(e.Culprits) == 0 {
		return fmt.Sprintf("%s: %s", e.Round, e.Err)
	}
	ids := make([]string, len(e.Culprits))
	for i, c := range e.Culprits {
		ids[i] = fmt.Sprint(c)
	}
	return fmt.Sprintf("%s: parties [%s]: %s", e.Round, strings.Join(ids, ", "), e.Err)
}

func (e *RoundError) Unwrap() error {
	return e.Err
}
