package websocket

import (
	"fmt"

	"chatsync/internal/session"
)

func wrapf(base error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", base, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...any) error {
	return wrapf(session.ErrMalformedEvent, format, args...)
}
