package mailclient

import (
	"context"
	"io"
)

// Client submits messages over one reusable session.
type Client interface {
	io.Closer

	// Send submits env. A per-recipient rejection is returned as *RecipientError, session
	// problems that survived the reconnect policy as *TransportError.
	Send(ctx context.Context, env Envelope) error
}
