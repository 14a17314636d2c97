package session

import "errors"

// Session protocol errors. The error text is the wire code sent back to the
// offending connection.
var (
	ErrNotAMember       = errors.New("NOT_A_MEMBER")
	ErrMalformedEvent   = errors.New("MALFORMED_EVENT")
	ErrSessionFull      = errors.New("SESSION_FULL")
	ErrContentTooLarge  = errors.New("CONTENT_TOO_LARGE")
	ErrIdentityMismatch = errors.New("IDENTITY_MISMATCH")
)

const CodeInternal = "INTERNAL"

var known = []error{
	ErrNotAMember,
	ErrMalformedEvent,
	ErrSessionFull,
	ErrContentTooLarge,
	ErrIdentityMismatch,
}

// Code maps err to its wire code.
func Code(err error) string {
	for _, k := range known {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return CodeInternal
}
