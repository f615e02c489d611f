package docs

import (
	"encoding/json"
	"fmt"

	"github.com/ArrHarper/harpMCP"
)

// Identifiers of the documentation requests.
const (
	ResourceDocByFile  = "doc-by-file"
	ResourceDocList    = "doc-list"
	ToolTopicLookup    = "documentation-topic-lookup"
	ToolFetch          = "documentation-fetch"
	PromptAPIAssistant = "api-assistant"

	placeholderDocFile = "docFile"
	argUserQuestion    = "userQuestion"
)

// Options selects what Register exposes.
type Options struct {
	// Scheme is the URI scheme of the documentation resources, such as "aurora".
	Scheme string
	// RemoteFetch also registers the documentation-fetch tool.
	RemoteFetch bool
}

// Register binds the documentation handlers to reg.
func Register(reg *Registry, h *Handlers, opts Options) error {
	if opts.Scheme == "" {
		return fmt.Errorf("missing resource scheme")
	}

	byFile, err := ParseTemplate(opts.Scheme + "://docs/{" + placeholderDocFile + "}")
	if err != nil {
		return err
	}
	list, err := ParseTemplate(opts.Scheme + "://docs")
	if err != nil {
		return err
	}

	if err := reg.AddResource(Resource{
		Name:        ResourceDocByFile,
		Description: fmt.Sprintf("A %s documentation file, by name relative to the documentation root", h.product),
		MimeType:    mimeMarkdown,
		Template:    byFile,
		Handler:     h.DocByFile,
		List:        h.ListDocs(byFile),
		Complete:    h.CompleteDocFile,
	}); err != nil {
		return err
	}
	if err := reg.AddResource(Resource{
		Name:        ResourceDocList,
		Description: fmt.Sprintf("Index of the available %s documentation files", h.product),
		MimeType:    mimeMarkdown,
		Template:    list,
		Handler:     h.DocList,
	}); err != nil {
		return err
	}

	topicSchema, err := h.topicSchema(false)
	if err != nil {
		return err
	}
	if err := reg.AddTool(mcp.Tool{
		Name:        ToolTopicLookup,
		Description: fmt.Sprintf("Look up the documentation URL of a %s topic", h.product),
		InputSchema: topicSchema,
	}, h.TopicLookup); err != nil {
		return err
	}

	if opts.RemoteFetch {
		fetchSchema, err := h.topicSchema(true)
		if err != nil {
			return err
		}
		if err := reg.AddTool(mcp.Tool{
			Name:        ToolFetch,
			Description: fmt.Sprintf("Fetch the documentation page of a %s topic", h.product),
			InputSchema: fetchSchema,
		}, h.Fetch); err != nil {
			return err
		}
	}

	return reg.AddPrompt(mcp.Prompt{
		Name:        PromptAPIAssistant,
		Description: fmt.Sprintf("Answer a question about the %s API with its documentation as context", h.product),
		Arguments: []mcp.PromptArgument{{
			Name:        argUserQuestion,
			Description: fmt.Sprintf("The question about the %s API", h.product),
			Required:    true,
		}},
	}, h.APIAssistant)
}

// topicSchema builds the input schema of the topic tools from the vocabulary, so the
// advertised enum always matches what the handlers accept.
func (h *Handlers) topicSchema(withFormat bool) (json.RawMessage, error) {
	topics := h.vocab.Topics()
	enum := make([]string, len(topics))
	for i, t := range topics {
		enum[i] = string(t)
	}

	properties := map[string]any{
		"topic": map[string]any{
			"type":        "string",
			"description": "The documentation topic",
			"enum":        enum,
			"default":     string(h.vocab.Default()),
		},
	}
	if withFormat {
		properties["format"] = map[string]any{
			"type":        "string",
			"description": "Return the page as html or as extracted text",
			"enum":        []string{fetchFormatHTML, fetchFormatText},
			"default":     fetchFormatHTML,
		}
	}

	return json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
	})
}
