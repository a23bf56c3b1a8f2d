package bot

import (
	"github.com/zot/chatops/internal/router"
)

// defaultPatterns builds the built-in commands and the catch-all filter.
// Parent patterns are prefix guards; nested lists match the full text.
func (b *Bot) defaultPatterns() ([]*router.Pattern, *router.Pattern) {
	counter := router.NewRoutingList(
		router.Route(`\.counter (.+) (\+|\-)$`,
			router.NewTxEndpoint("counter.edit", b.editCounter),
			"Increment (+) or decrement (-) a named counter"),
	)
	proxy := router.NewRoutingList(
		router.Route(`\.proxy e(?:mbed)?`,
			router.NewEndpoint("proxy.embed", b.proxyEmbed),
			"Post an embed built from .t .u .d .c .an .au .aiu .tn .f .fi .fo sections"),
	)
	quiz := router.NewRoutingList(
		router.Route(`\.quiz ([^\s]+)$`,
			router.NewEndpoint("quiz.random", b.quizRandom),
			"Ask a random question about a subject"),
	)
	builtin := []*router.Pattern{
		router.Mount(`\.counter `, counter, "Counters"),
		router.Mount(`\.proxy `, proxy, "Proxy messages"),
		router.Mount(`\.quiz`, quiz, "Quizzes"),
		router.Route(`\.ai (?:iv3|inceptionv3)?`,
			router.NewEndpoint("ai.classify", b.classify),
			"Label the attached image"),
		router.Route(`\.sentiment (.+)`,
			router.NewEndpoint("ai.sentiment", b.sentiment),
			"Score the sentiment of some text"),
	}
	filter := router.Route(`.+`,
		router.NewEndpoint("chatfilter", b.chatFilter, router.WithoutAcknowledge()),
		"Chat filter")
	return builtin, filter
}
