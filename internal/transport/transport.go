// Package transport defines the chat transport contract and its websocket gateway.
package transport

import (
	"context"
)

// Reactions used by the bot to signal command progress.
const (
	ReactionWorking = "☑"
	ReactionFailed  = "❌"
)

// Author identifies who sent an event.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot,omitempty"`
}

// Attachment is a file attached to an event.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Event is one inbound chat message.
type Event struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Author      Author       `json:"author"`
	ChannelID   string       `json:"channelId"`
	GuildID     string       `json:"guildId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EmbedAuthor is the author line of an embed.
type EmbedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"iconUrl,omitempty"`
}

// EmbedField is one name/value pair of an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a rich message card.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Thumbnail   string       `json:"thumbnail,omitempty"`
	Image       string       `json:"image,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      string       `json:"footer,omitempty"`
}

// File is an uploaded file.
type File struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Reply is an outbound message.
type Reply struct {
	Text  string `json:"text,omitempty"`
	Embed *Embed `json:"embed,omitempty"`
	File  *File  `json:"file,omitempty"`
}

// Text builds a plain text reply.
func Text(s string) Reply {
	return Reply{Text: s}
}

// Reaction is one emoji on a message with the number of users who added it.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// Transport is what handlers may do to the chat platform.
type Transport interface {
	Send(ctx context.Context, channelID string, reply Reply) (messageID string, err error)
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	Reactions(ctx context.Context, channelID, messageID string) ([]Reaction, error)
	Attachment(ctx context.Context, a Attachment) ([]byte, error)
}
