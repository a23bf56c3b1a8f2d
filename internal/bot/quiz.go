package bot

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/model"
	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/transport"
)

const (
	// regionalIndicatorA is the "A" regional indicator symbol.
	regionalIndicatorA = 0x1F1E6
	maxQuizOptions     = 26

	// QuizValidate is the reaction players add to submit their answer.
	QuizValidate = transport.ReactionWorking

	msgNoQuiz  = "The subject cannot be found or there are no questions"
	msgTimeout = "Out of time!"
	msgCorrect = "That's right! Good job."
	msgWrong   = "That's wrong! The right answer is "
)

// OptionEmoji returns the reaction that selects option i.
func OptionEmoji(i int) string {
	return string(rune(regionalIndicatorA + i))
}

// optionIndex maps a reaction back to an option, or -1.
func optionIndex(emoji string, n int) int {
	runes := []rune(emoji)
	if len(runes) != 1 {
		return -1
	}
	i := int(runes[0]) - regionalIndicatorA
	if i < 0 || i >= n {
		return -1
	}
	return i
}

// QuizEmbed renders a question with one field per option.
func QuizEmbed(q *model.Quiz, options []model.Option, image string) *transport.Embed {
	embed := &transport.Embed{
		Title:       "Question",
		Description: q.Question,
		Image:       image,
		Footer:      "Select multiple",
	}
	if q.RequiredCorrect == 1 {
		embed.Footer = "Select one"
	}
	for i, o := range options {
		embed.Fields = append(embed.Fields, transport.EmbedField{Name: OptionEmoji(i), Value: o.Answer})
	}
	return embed
}

// Responses reads which options were picked. The bot's own reaction
// accounts for one of each count.
func Responses(reactions []transport.Reaction, n int) []bool {
	picked := make([]bool, n)
	for _, r := range reactions {
		if i := optionIndex(r.Emoji, n); i >= 0 {
			picked[i] = r.Count > 1
		}
	}
	return picked
}

// validated reports whether a player added the submit reaction.
func validated(reactions []transport.Reaction) bool {
	for _, r := range reactions {
		if r.Emoji == QuizValidate && r.Count > 1 {
			return true
		}
	}
	return false
}

// ScoreQuiz returns the verdict for a set of picks. Any wrong pick fails
// the answer outright.
func ScoreQuiz(options []model.Option, requiredCorrect int, picked []bool) string {
	answered := false
	for _, p := range picked {
		answered = answered || p
	}
	if !answered {
		return msgTimeout
	}
	correct := 0
	for i, o := range options {
		if !picked[i] {
			continue
		}
		if !o.Correct {
			correct = -1
			break
		}
		correct++
	}
	if correct >= requiredCorrect {
		return msgCorrect
	}

	var answers []string
	for i, o := range options {
		if o.Correct {
			answers = append(answers, OptionEmoji(i))
		}
	}
	switch {
	case len(answers) == 0:
		return "That's wrong!"
	case requiredCorrect == 1 && len(answers) > 1:
		return msgWrong + "either " + strings.Join(answers, " or ")
	case requiredCorrect == 1:
		return msgWrong + answers[0]
	default:
		return msgWrong + strings.Join(answers, " and ")
	}
}

// quizRandom asks a random question of the subject and scores the reactions
// once a player submits or time runs out.
func (b *Bot) quizRandom(ctx context.Context, x *router.Context, ev *transport.Event, groups []string) error {
	subject := groups[0]
	ids, err := b.db.QuizList(ctx, subject)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return reply(ctx, x, ev, msgNoQuiz)
	}
	q, err := b.db.GetQuiz(ctx, subject, ids[b.intn(len(ids))])
	if errors.Is(err, errors.NotFound) {
		return reply(ctx, x, ev, msgNoQuiz)
	}
	if err != nil {
		return err
	}

	options := append([]model.Option(nil), q.Options...)
	if !q.Ordered {
		b.shuffle(len(options), func(i, j int) { options[i], options[j] = options[j], options[i] })
	}
	if len(options) > maxQuizOptions {
		options = options[:maxQuizOptions]
	}
	image := ""
	if q.Image != "" {
		image = b.bucket.PublicURL(q.Image)
	}

	msgID, err := x.Transport.Send(ctx, ev.ChannelID, transport.Reply{Embed: QuizEmbed(q, options, image)})
	if err != nil {
		return err
	}
	for i := range options {
		if err := x.Transport.AddReaction(ctx, ev.ChannelID, msgID, OptionEmoji(i)); err != nil {
			return err
		}
	}
	if err := x.Transport.AddReaction(ctx, ev.ChannelID, msgID, QuizValidate); err != nil {
		return err
	}

	reactions, err := b.awaitAnswer(ctx, x, ev.ChannelID, msgID)
	if err != nil {
		return err
	}
	verdict := ScoreQuiz(options, q.RequiredCorrect, Responses(reactions, len(options)))
	b.logger.Debug("quiz answered", zap.String("subject", subject), zap.String("quiz", q.ID), zap.String("verdict", verdict))
	return reply(ctx, x, ev, verdict)
}

// awaitAnswer polls the question's reactions until a player submits or the
// quiz times out, and returns the last reactions seen.
func (b *Bot) awaitAnswer(ctx context.Context, x *router.Context, channelID, msgID string) ([]transport.Reaction, error) {
	interval := b.config.Quiz.PollInterval.Duration()
	deadline := b.clock.Now().Add(b.config.Quiz.Timeout.Duration())
	for {
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		case <-b.clock.After(interval):
		}
		reactions, err := x.Transport.Reactions(ctx, channelID, msgID)
		if err != nil {
			return nil, err
		}
		if validated(reactions) || !b.clock.Now().Before(deadline) {
			return reactions, nil
		}
	}
}
