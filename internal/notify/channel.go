package notify

import (
	"context"

	"github.com/aixtrade/llmtrigger/internal/rules"
)

// Channel is the uniform notification-transport interface named in
// spec.md §4.11. Concrete transports (a chat bot, a webhook, email)
// are out of scope here; this module only needs the contract and a
// registry to fan tasks out by channel_type.
type Channel interface {
	ChannelType() string
	Send(ctx context.Context, target rules.Target, task Task) (bool, error)
	Close() error
}
