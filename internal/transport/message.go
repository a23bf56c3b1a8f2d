package transport

import (
	"encoding/json"

	"github.com/juju/errors"
)

// MessageType identifies a gateway frame.
type MessageType string

const (
	// adapter -> bot
	MsgEvent  MessageType = "event"
	MsgResult MessageType = "result"

	// bot -> adapter, each answered by a result with the same id
	MsgSend      MessageType = "send"
	MsgReact     MessageType = "react"
	MsgUnreact   MessageType = "unreact"
	MsgDelete    MessageType = "delete"
	MsgReactions MessageType = "reactions"
)

// Message is one gateway frame.
type Message struct {
	Type  MessageType     `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// SendRequest asks the adapter to post a reply.
type SendRequest struct {
	ChannelID string `json:"channelId"`
	Reply     Reply  `json:"reply"`
}

// SendResult carries the id of the posted message.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// ReactionRequest adds or removes one reaction.
type ReactionRequest struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// MessageRequest addresses one message.
type MessageRequest struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// ReactionsResult lists a message's reactions.
type ReactionsResult struct {
	Reactions []Reaction `json:"reactions"`
}

// NewMessage creates a frame with data encoded as JSON.
func NewMessage(msgType MessageType, id string, data interface{}) (*Message, error) {
	msg := &Message{Type: msgType, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding %s", msgType)
		}
		msg.Data = raw
	}
	return msg, nil
}

// ParseMessage decodes a frame.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.NewNotValid(err, "parsing gateway frame")
	}
	if msg.Type == "" {
		return nil, errors.NotValidf("gateway frame without type")
	}
	return &msg, nil
}

// Encode serializes the frame.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals the frame's data into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.NewNotValid(err, "decoding "+string(m.Type))
	}
	return nil
}
