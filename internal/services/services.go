// Package services wraps the external inference used by chat commands.
package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/zot/chatops/internal/config"
)

// ErrDisabled is returned by every call when inference is not configured.
const ErrDisabled = errors.ConstError("inference services are disabled")

// Score is a text sentiment. Score runs from -1 (negative) to 1 (positive),
// Magnitude from 0 upward with the amount of emotion.
type Score struct {
	Score     float64 `json:"score"`
	Magnitude float64 `json:"magnitude"`
}

// Value is the signed strength of the sentiment.
func (s Score) Value() float64 {
	return s.Score * s.Magnitude
}

// Label is the top classification of an image.
type Label struct {
	Name        string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Sentiment scores text.
type Sentiment interface {
	Sentiment(ctx context.Context, text string) (Score, error)
}

// Classifier labels an image.
type Classifier interface {
	Classify(ctx context.Context, image []byte, mimeType string) (Label, error)
}

// Services is every inference capability the bot uses.
type Services interface {
	Sentiment
	Classifier
}

// New returns the configured services, or Disabled when inference is off.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Services, error) {
	if !cfg.Services.Enabled {
		return Disabled{}, nil
	}
	if cfg.Services.APIKey == "" {
		return nil, errors.NotValidf("services enabled without an api key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Services.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Annotate(err, "creating genai client")
	}
	return &GenAI{client: client, model: cfg.Services.Model, logger: logger.Named("services")}, nil
}

// Disabled answers every request with ErrDisabled.
type Disabled struct{}

func (Disabled) Sentiment(context.Context, string) (Score, error) {
	return Score{}, ErrDisabled
}

func (Disabled) Classify(context.Context, []byte, string) (Label, error) {
	return Label{}, ErrDisabled
}

// GenAI implements Services with a Gemini model.
type GenAI struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

const sentimentPrompt = `Analyze the sentiment of the following chat message.
Reply with JSON only: {"score": <-1..1>, "magnitude": <0 or more>}.

Message:
`

const classifyPrompt = `Classify the main subject of this image with a single short label.
Reply with JSON only: {"label": "<label>", "probability": <0..1>}.`

func (g *GenAI) generate(ctx context.Context, parts ...*genai.Part) (string, error) {
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", errors.Annotatef(err, "generate with %s", g.model)
	}
	text := resp.Text()
	g.logger.Debug("model response", zap.String("model", g.model), zap.String("text", text))
	return text, nil
}

// Sentiment scores text.
func (g *GenAI) Sentiment(ctx context.Context, text string) (Score, error) {
	out, err := g.generate(ctx, genai.NewPartFromText(sentimentPrompt+text))
	if err != nil {
		return Score{}, err
	}
	return ParseScore(out)
}

// Classify labels an image.
func (g *GenAI) Classify(ctx context.Context, image []byte, mimeType string) (Label, error) {
	if mimeType == "" {
		mimeType = "image/png"
	}
	out, err := g.generate(ctx, genai.NewPartFromBytes(image, mimeType), genai.NewPartFromText(classifyPrompt))
	if err != nil {
		return Label{}, err
	}
	return ParseLabel(out)
}

// ParseScore decodes a model's sentiment answer.
func ParseScore(text string) (Score, error) {
	var s Score
	if err := json.Unmarshal([]byte(stripFence(text)), &s); err != nil {
		return Score{}, errors.NewNotValid(err, "sentiment response")
	}
	if s.Score < -1 || s.Score > 1 || s.Magnitude < 0 {
		return Score{}, errors.NotValidf("sentiment %+v", s)
	}
	return s, nil
}

// ParseLabel decodes a model's classification answer.
func ParseLabel(text string) (Label, error) {
	var l Label
	if err := json.Unmarshal([]byte(stripFence(text)), &l); err != nil {
		return Label{}, errors.NewNotValid(err, "classification response")
	}
	if l.Name == "" {
		return Label{}, errors.NotValidf("classification without a label")
	}
	if l.Probability < 0 || l.Probability > 1 {
		return Label{}, errors.NotValidf("probability %v", l.Probability)
	}
	return l, nil
}

// models sometimes wrap JSON in a markdown fence despite the mime type
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
