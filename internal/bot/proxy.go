package bot

import (
	"context"
	"strconv"
	"strings"

	"github.com/zot/chatops/internal/router"
	"github.com/zot/chatops/internal/transport"
)

// DefaultEmbedColor is used when no .c section is given or it does not parse.
const DefaultEmbedColor = 0x09E0D8

// embed sections, keyed by the marker that starts them
var embedSections = map[string]string{
	"t":   "title",
	"u":   "url",
	"d":   "description",
	"c":   "colour",
	"an":  "author_name",
	"au":  "author_url",
	"aiu": "author_icon_url",
	"tn":  "thumbnail",
	"f":   "fields",
	"fi":  "fields",
	"fo":  "footer",
	"n":   "null",
}

type embedField struct {
	text   string
	inline bool
}

// ParseEmbed builds an embed from a multi-line message. A line starting
// with a section marker such as ".t" switches the section; the rest of that
// line and the lines after it belong to the section. Text before the first
// marker is dropped. Each chunk is trimmed of spaces and then of "<" and ">".
// Fields are "name:value"; anything else is skipped.
func ParseEmbed(text string) *transport.Embed {
	data := map[string]string{}
	var fields []embedField

	mode := "n"
	var chunk strings.Builder
	flush := func() {
		value := strings.Trim(strings.TrimSpace(chunk.String()), "<>")
		if embedSections[mode] == "fields" {
			fields = append(fields, embedField{text: value, inline: mode == "fi"})
		} else {
			data[embedSections[mode]] += value
		}
		chunk.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		words := strings.Fields(line)
		if len(words) > 0 && strings.HasPrefix(words[0], ".") {
			if _, ok := embedSections[words[0][1:]]; ok {
				flush()
				mode = words[0][1:]
				line = strings.Join(words[1:], " ")
			}
		}
		chunk.WriteString("\n")
		chunk.WriteString(line)
	}
	flush()

	embed := &transport.Embed{
		Title:       data["title"],
		URL:         data["url"],
		Description: data["description"],
		Color:       parseColor(data["colour"]),
		Thumbnail:   data["thumbnail"],
		Footer:      data["footer"],
	}
	if name := data["author_name"]; name != "" {
		embed.Author = &transport.EmbedAuthor{
			Name:    name,
			URL:     data["author_url"],
			IconURL: data["author_icon_url"],
		}
	}
	for _, f := range fields {
		parts := strings.Split(f.text, ":")
		if len(parts) != 2 {
			continue
		}
		embed.Fields = append(embed.Fields, transport.EmbedField{
			Name:   strings.TrimSpace(parts[0]),
			Value:  strings.TrimSpace(parts[1]),
			Inline: f.inline,
		})
	}
	return embed
}

// parseColor reads a hex colour with an optional "#" or "0x" prefix.
func parseColor(s string) int {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "#")
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return DefaultEmbedColor
	}
	v, err := strconv.ParseUint(s, 16, 24)
	if err != nil {
		return DefaultEmbedColor
	}
	return int(v)
}

func (b *Bot) proxyEmbed(ctx context.Context, x *router.Context, ev *transport.Event, _ []string) error {
	_, err := x.Transport.Send(ctx, ev.ChannelID, transport.Reply{Embed: ParseEmbed(ev.Text)})
	return err
}
