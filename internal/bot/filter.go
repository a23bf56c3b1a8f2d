package bot

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/transport"
)

// disallowed substrings are removed for everyone.
var disallowed = []string{"https://tenor.com"}

// chatFilter sees every message nothing else claimed. It records the author
// and deletes messages containing disallowed or censored text.
func (b *Bot) chatFilter(ctx context.Context, x *router.Context, ev *transport.Event, _ []string) error {
	for _, bad := range disallowed {
		if strings.Contains(ev.Text, bad) {
			return b.remove(ctx, x, ev, bad)
		}
	}

	user, err := b.db.GetUser(ctx, ev.Author.ID, nil)
	if err != nil {
		return err
	}
	if ev.Author.Name != "" && user.Entity().Name != ev.Author.Name {
		user.Entity().Name = ev.Author.Name
		if err := user.Commit(ctx, nil); err != nil {
			return err
		}
	}
	if user.Entity().CensorExempt {
		return nil
	}
	for _, word := range b.db.CensorList() {
		if word != "" && strings.Contains(ev.Text, word) {
			return b.remove(ctx, x, ev, word)
		}
	}
	return nil
}

func (b *Bot) remove(ctx context.Context, x *router.Context, ev *transport.Event, match string) error {
	b.logger.Info("deleting filtered message",
		zap.String("message", ev.ID),
		zap.String("author", ev.Author.ID),
		zap.String("match", match),
	)
	return x.Transport.DeleteMessage(ctx, ev.ChannelID, ev.ID)
}
