package docs

import (
	"fmt"
	"strings"
)

// Topic is a human-readable documentation topic, one of a closed vocabulary.
type Topic string

// TopicKey is the internal identifier a Topic maps to.
type TopicKey string

// TopicEntry declares one topic of a Vocabulary together with the location of its
// documentation.
type TopicEntry struct {
	Topic Topic
	Key   TopicKey
	URL   string
}

// Vocabulary is a closed, ordered set of topics with a default. Lookups go
// Topic -> TopicKey -> URL; both stages are total over the declared topics. A Vocabulary
// is immutable once built and safe for concurrent use.
type Vocabulary struct {
	order []Topic
	keys  map[Topic]TopicKey
	urls  map[TopicKey]string
	def   Topic
}

// AuroraTopics is the vocabulary of the Wistia Aurora player documentation, in
// declaration order.
var AuroraTopics = []TopicEntry{
	{Topic: "Aurora Embeds Overview", Key: "auroraEmbedApi", URL: "https://docs.wistia.com/docs/player-embed-api"},
	{
		Topic: "Aurora Attributes and Properties", Key: "auroraAttrsProps",
		URL: "https://docs.wistia.com/docs/player-attributes-and-properties",
	},
	{Topic: "Aurora Methods", Key: "auroraMethods", URL: "https://docs.wistia.com/docs/player-methods"},
	{Topic: "Aurora Events", Key: "auroraEvents", URL: "https://docs.wistia.com/docs/player-events"},
	{
		Topic: "Aurora Popover Embed API", Key: "auroraPopovers",
		URL: "https://docs.wistia.com/docs/player-popover-embed-api",
	},
	{Topic: "Aurora React Component", Key: "auroraReact", URL: "https://docs.wistia.com/docs/player-react-component"},
}

// AuroraDefaultTopic is substituted when a lookup names no topic.
const AuroraDefaultTopic Topic = "Aurora Embeds Overview"

// NewVocabulary builds a Vocabulary from entries, keeping their order. It fails if the
// table is empty, repeats a topic or key, leaves a URL empty, or names a default that is
// not one of the topics.
func NewVocabulary(entries []TopicEntry, def Topic) (*Vocabulary, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("vocabulary has no topics")
	}

	v := &Vocabulary{
		order: make([]Topic, 0, len(entries)),
		keys:  make(map[Topic]TopicKey, len(entries)),
		urls:  make(map[TopicKey]string, len(entries)),
		def:   def,
	}
	for _, e := range entries {
		if e.Topic == "" || e.Key == "" {
			return nil, fmt.Errorf("topic %q: topic and key must not be empty", e.Topic)
		}
		if e.URL == "" {
			return nil, fmt.Errorf("topic %q: missing documentation URL", e.Topic)
		}
		if _, dup := v.keys[e.Topic]; dup {
			return nil, fmt.Errorf("topic %q declared twice", e.Topic)
		}
		if _, dup := v.urls[e.Key]; dup {
			return nil, fmt.Errorf("topic key %q declared twice", e.Key)
		}
		v.order = append(v.order, e.Topic)
		v.keys[e.Topic] = e.Key
		v.urls[e.Key] = e.URL
	}
	if _, known := v.keys[def]; !known {
		return nil, fmt.Errorf("default topic %q is not declared", def)
	}

	return v, nil
}

// MustVocabulary is like NewVocabulary but panics on an invalid table. It is meant for
// tables declared in code.
func MustVocabulary(entries []TopicEntry, def Topic) *Vocabulary {
	v, err := NewVocabulary(entries, def)
	if err != nil {
		panic(err)
	}
	return v
}

// Topics returns the topics in declaration order.
func (v *Vocabulary) Topics() []Topic {
	out := make([]Topic, len(v.order))
	copy(out, v.order)
	return out
}

// Default returns the topic used when none is given.
func (v *Vocabulary) Default() Topic {
	return v.def
}

// Contains reports whether topic is part of the vocabulary.
func (v *Vocabulary) Contains(topic Topic) bool {
	_, ok := v.keys[topic]
	return ok
}

// Key returns the TopicKey of topic.
func (v *Vocabulary) Key(topic Topic) (TopicKey, bool) {
	key, ok := v.keys[topic]
	return key, ok
}

// Resolve returns the topic and its documentation URL. An empty topic resolves to the
// default. An unknown topic yields an ErrTopicNotFound error listing every valid topic.
func (v *Vocabulary) Resolve(topic string) (Topic, string, error) {
	t := Topic(topic)
	if t == "" {
		t = v.def
	}

	key, ok := v.keys[t]
	if !ok {
		return "", "", v.notFound(topic)
	}

	return t, v.urls[key], nil
}

func (v *Vocabulary) notFound(topic string) *ResolveError {
	names := make([]string, len(v.order))
	for i, t := range v.order {
		names[i] = string(t)
	}
	return &ResolveError{
		Kind:    ErrTopicNotFound,
		Target:  topic,
		Message: fmt.Sprintf("Topic '%s' is not valid. Available topics: %s.", topic, strings.Join(names, ", ")),
	}
}
