package services

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/chatops/internal/config"
)

func TestNewDisabled(t *testing.T) {
	s, err := New(context.Background(), config.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	_, err = s.Sentiment(context.Background(), "hi")
	assert.True(t, errors.Is(err, ErrDisabled))
	_, err = s.Classify(context.Background(), nil, "")
	assert.True(t, errors.Is(err, ErrDisabled))
}

func TestNewRequiresKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Services.Enabled = true
	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestParseScore(t *testing.T) {
	s, err := ParseScore("```json\n{\"score\": -0.5, \"magnitude\": 2}\n```")
	require.NoError(t, err)
	assert.Equal(t, -1.0, s.Value())

	_, err = ParseScore(`{"score": 3, "magnitude": 1}`)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = ParseScore(`positive`)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestParseLabel(t *testing.T) {
	l, err := ParseLabel(` {"label": "tabby cat", "probability": 0.875} `)
	require.NoError(t, err)
	assert.Equal(t, Label{Name: "tabby cat", Probability: 0.875}, l)

	_, err = ParseLabel(`{"probability": 0.5}`)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = ParseLabel(`{"label": "x", "probability": 7}`)
	assert.True(t, errors.Is(err, errors.NotValid))
}
