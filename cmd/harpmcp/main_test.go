package main

import (
	"testing"

	"github.com/ArrHarper/harpMCP/internal/config"
	"github.com/ArrHarper/harpMCP/servers/docs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocabularyFromConfig(t *testing.T) {
	cfg := config.Default()

	vocab, err := vocabulary(cfg)
	require.NoError(t, err)
	assert.Equal(t, docs.AuroraDefaultTopic, vocab.Default())
	assert.Len(t, vocab.Topics(), len(docs.AuroraTopics))

	cfg.Topics = config.TopicsConfig{
		Default: "Intro",
		Entries: []config.TopicEntry{
			{Name: "Intro", Key: "intro", URL: "https://example.com/intro"},
			{Name: "Usage", Key: "usage", URL: "https://example.com/usage"},
		},
	}
	vocab, err = vocabulary(cfg)
	require.NoError(t, err)
	assert.Equal(t, []docs.Topic{"Intro", "Usage"}, vocab.Topics())

	cfg.Topics.Default = "Missing"
	_, err = vocabulary(cfg)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "INFO"} {
		_, err := newLogger(level)
		assert.NoError(t, err, level)
	}

	_, err := newLogger("verbose")
	assert.Error(t, err)
}
