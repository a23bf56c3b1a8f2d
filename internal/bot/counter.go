package bot

import (
	"context"
	"fmt"

	"github.com/zot/chatops/internal/docstore"
	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/transport"
)

// editCounter applies "+" or "-" to a counter. The reply goes out from
// inside the transaction, so a conflict retry can repeat it.
func (b *Bot) editCounter(ctx context.Context, x *router.Context, ev *transport.Event, groups []string, tx *docstore.Transaction) error {
	name, mode := groups[0], groups[1]
	m, err := b.db.GetCounter(ctx, name, tx)
	if err != nil {
		return err
	}
	counter := m.Entity()
	switch mode {
	case "+":
		counter.Value++
	case "-":
		if counter.Value <= 0 {
			return reply(ctx, x, ev, "Counter is already 0, cannot decrement.")
		}
		counter.Value--
	}
	if err := m.Commit(ctx, tx); err != nil {
		return err
	}
	return reply(ctx, x, ev, fmt.Sprintf("Counter \"%s\" is now at %d.", counter.Name, counter.Value))
}
