package provider

import (
	"context"
)

// Sender delivers one rendered message to a recipient. Implementations
// report failure through the error; the dispatcher owns all status
// bookkeeping and retries.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}
