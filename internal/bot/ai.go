package bot

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/services"
	"github.com/zot/chatops/internal/transport"
)

// classify labels the one image attached to the event.
func (b *Bot) classify(ctx context.Context, x *router.Context, ev *transport.Event, _ []string) error {
	if len(ev.Attachments) != 1 {
		return reply(ctx, x, ev, "No image attached")
	}
	att := ev.Attachments[0]
	data, err := x.Transport.Attachment(ctx, att)
	if err != nil {
		b.logger.Warn("downloading attachment", zap.String("url", att.URL), zap.Error(err))
		return reply(ctx, x, ev, "Unable to download image")
	}
	mime := att.ContentType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return reply(ctx, x, ev, "Unable to open image")
	}
	label, err := b.services.Classify(ctx, data, mime)
	if err != nil {
		b.logger.Warn("classifying image", zap.Error(err))
		return reply(ctx, x, ev, "Unable to classify image")
	}
	return reply(ctx, x, ev, fmt.Sprintf("%.1f%% %s", label.Probability*100, label.Name))
}

// sentiment scores the text after the command.
func (b *Bot) sentiment(ctx context.Context, x *router.Context, ev *transport.Event, groups []string) error {
	score, err := b.services.Sentiment(ctx, groups[0])
	if errors.Is(err, services.ErrDisabled) {
		return reply(ctx, x, ev, "Sentiment analysis is not available")
	}
	if err != nil {
		b.logger.Warn("scoring sentiment", zap.Error(err))
		return reply(ctx, x, ev, "Unable to analyse sentiment")
	}
	return reply(ctx, x, ev, fmt.Sprintf("Sentiment %.2f (score %.2f, magnitude %.2f)", score.Value(), score.Score, score.Magnitude))
}
