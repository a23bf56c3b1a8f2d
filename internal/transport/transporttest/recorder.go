// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"

	"github.com/zot/chatops/internal/transport"
)

// Sent is one recorded outbound message.
type Sent struct {
	ChannelID string
	MessageID string
	Reply     transport.Reply
}

// ReactionOp is one recorded reaction change.
type ReactionOp struct {
	Add       bool
	ChannelID string
	MessageID string
	Emoji     string
}

// Recorder records every call and lets tests script reactions and attachments.
type Recorder struct {
	mu sync.Mutex

	sent      []Sent
	reactions []ReactionOp
	deleted   []string // message ids

	// reactions returned by Reactions, keyed by message id
	MessageReactions map[string][]transport.Reaction
	// attachment bodies keyed by URL; a missing URL fails the download
	Files map[string][]byte

	// ReactionErr fails AddReaction and RemoveReaction when set.
	ReactionErr error
	// OnSend runs after each recorded send, outside the lock.
	OnSend func(Sent)

	nextID int
}

// New creates an empty recorder.
func New() *Recorder {
	return &Recorder{
		MessageReactions: make(map[string][]transport.Reaction),
		Files:            make(map[string][]byte),
	}
}

func (r *Recorder) Send(_ context.Context, channelID string, reply transport.Reply) (string, error) {
	r.mu.Lock()
	r.nextID++
	s := Sent{ChannelID: channelID, MessageID: fmt.Sprintf("sent-%d", r.nextID), Reply: reply}
	r.sent = append(r.sent, s)
	hook := r.OnSend
	r.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return s.MessageID, nil
}

func (r *Recorder) AddReaction(_ context.Context, channelID, messageID, emoji string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ReactionErr != nil {
		return r.ReactionErr
	}
	r.reactions = append(r.reactions, ReactionOp{Add: true, ChannelID: channelID, MessageID: messageID, Emoji: emoji})
	return nil
}

func (r *Recorder) RemoveReaction(_ context.Context, channelID, messageID, emoji string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ReactionErr != nil {
		return r.ReactionErr
	}
	r.reactions = append(r.reactions, ReactionOp{ChannelID: channelID, MessageID: messageID, Emoji: emoji})
	return nil
}

func (r *Recorder) DeleteMessage(_ context.Context, _ string, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, messageID)
	return nil
}

// SetReactions scripts what Reactions returns for a message.
func (r *Recorder) SetReactions(messageID string, reactions ...transport.Reaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.MessageReactions[messageID] = reactions
}

func (r *Recorder) Reactions(_ context.Context, _ string, messageID string) ([]transport.Reaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Reaction(nil), r.MessageReactions[messageID]...), nil
}

func (r *Recorder) Attachment(_ context.Context, a transport.Attachment) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.Files[a.URL]
	if !ok {
		return nil, errors.NotFoundf("attachment %s", a.URL)
	}
	return data, nil
}

// Texts returns the text of every sent message in order.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	texts := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		texts = append(texts, s.Reply.Text)
	}
	return texts
}

// SentCopy returns a snapshot of the sent messages.
func (r *Recorder) SentCopy() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// ReactionOps returns a snapshot of the reaction changes.
func (r *Recorder) ReactionOps() []ReactionOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReactionOp(nil), r.reactions...)
}

// DeletedCopy returns a snapshot of deleted message ids.
func (r *Recorder) DeletedCopy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

var _ transport.Transport = (*Recorder)(nil)
