// Package model defines the persisted entities and their decoding from
// document data.
package model

import (
	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"
)

// User is a chat user known to the bot.
type User struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	CensorExempt bool     `json:"censor_exempt"`
	Messages     []string `json:"messages"`
}

// NewUser returns a user with default fields.
func NewUser(id string) *User {
	return &User{ID: id, Messages: []string{}}
}

// Option is one possible answer to a quiz question.
type Option struct {
	Answer  string `json:"answer"`
	Correct bool   `json:"correct"`
}

// Quiz is one multiple-choice question.
type Quiz struct {
	ID              string   `json:"id"`
	Question        string   `json:"question"`
	Ordered         bool     `json:"ordered"`
	RequiredCorrect int      `json:"required_correct"`
	Image           string   `json:"image"`
	Options         []Option `json:"options"`
}

// NewQuiz returns a quiz with default fields.
func NewQuiz() *Quiz {
	return &Quiz{RequiredCorrect: 1, Options: []Option{}}
}

// CorrectAnswers returns the answers marked correct, in option order.
func (q *Quiz) CorrectAnswers() []string {
	var answers []string
	for _, o := range q.Options {
		if o.Correct {
			answers = append(answers, o.Answer)
		}
	}
	return answers
}

// Message is a queued outbound chat message.
type Message struct {
	ID      string `json:"id"`
	Author  string `json:"author"`
	Content string `json:"content"`
	Target  string `json:"target"`
}

// Counter is a named integer.
type Counter struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// NewCounter returns a zero counter.
func NewCounter(name string) *Counter {
	return &Counter{Name: name}
}

// Decode fills dst from document data. Missing fields keep dst's values;
// a field of the wrong shape is an errors.NotValid error.
func Decode(data map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  dst,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := dec.Decode(data); err != nil {
		return errors.NewNotValid(err, "decoding entity")
	}
	return nil
}

// DecodeUser decodes a user, defaulting the id.
func DecodeUser(id string, data map[string]any) (*User, error) {
	u := NewUser(id)
	if err := Decode(data, u); err != nil {
		return nil, err
	}
	return u, nil
}

// DecodeQuiz decodes a quiz, defaulting the id.
func DecodeQuiz(id string, data map[string]any) (*Quiz, error) {
	q := NewQuiz()
	q.ID = id
	if err := Decode(data, q); err != nil {
		return nil, err
	}
	return q, nil
}

// DecodeCounter decodes a counter, defaulting the name.
func DecodeCounter(name string, data map[string]any) (*Counter, error) {
	c := NewCounter(name)
	if err := Decode(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DecodeMessage decodes a queued message.
func DecodeMessage(id string, data map[string]any) (*Message, error) {
	m := &Message{ID: id}
	if err := Decode(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
