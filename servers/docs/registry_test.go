package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/ArrHarper/harpMCP"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

func TestRegistryRecoversPanickingHandlers(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.AddResource(Resource{
		Name:     "boom",
		Template: MustParseTemplate("boom://{id}"),
		Handler: func(context.Context, string, map[string]string) mcp.ReadResourceResult {
			panic("resource exploded")
		},
	}))
	require.NoError(t, reg.AddTool(mcp.Tool{Name: "boom", InputSchema: emptyObjectSchema},
		func(context.Context, ToolArguments) mcp.CallToolResult {
			panic("tool exploded")
		}))
	require.NoError(t, reg.AddPrompt(mcp.Prompt{Name: "boom"},
		func(context.Context, map[string]string) mcp.GetPromptResult {
			panic("prompt exploded")
		}))

	resource, err := reg.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "boom://1"})
	require.NoError(t, err)
	assert.True(t, resource.IsError)
	require.Len(t, resource.Contents, 1)
	assert.Equal(t, "boom://1", resource.Contents[0].URI)
	assert.NotContains(t, resource.Contents[0].Text, "exploded")

	tool, err := reg.CallTool(context.Background(), mcp.CallToolParams{Name: "boom"})
	require.NoError(t, err)
	assert.True(t, tool.IsError)
	require.Len(t, tool.Content, 1)
	assert.Equal(t, "Error: tool boom failed: internal error", tool.Content[0].Text)

	prompt, err := reg.GetPrompt(context.Background(), mcp.GetPromptParams{Name: "boom"})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, mcp.RoleUser, prompt.Messages[0].Role)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	handler := func(context.Context, ToolArguments) mcp.CallToolResult { return toolText("ok") }

	require.NoError(t, reg.AddTool(mcp.Tool{Name: "t", InputSchema: emptyObjectSchema}, handler))
	assert.Error(t, reg.AddTool(mcp.Tool{Name: "t", InputSchema: emptyObjectSchema}, handler))
	assert.Error(t, reg.AddTool(mcp.Tool{Name: "bad", InputSchema: json.RawMessage(`not json`)}, handler))

	res := Resource{
		Name:     "r",
		Template: MustParseTemplate("r://{id}"),
		Handler: func(_ context.Context, uri string, _ map[string]string) mcp.ReadResourceResult {
			return resourceError(uri, "unused")
		},
	}
	require.NoError(t, reg.AddResource(res))
	assert.Error(t, reg.AddResource(res))
	assert.Error(t, reg.AddResource(Resource{Name: "incomplete"}))

	promptHandler := func(context.Context, map[string]string) mcp.GetPromptResult { return mcp.GetPromptResult{} }
	require.NoError(t, reg.AddPrompt(mcp.Prompt{Name: "p"}, promptHandler))
	assert.Error(t, reg.AddPrompt(mcp.Prompt{Name: "p"}, promptHandler))
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()
	handler := func(name string) ResourceHandler {
		return func(_ context.Context, uri string, params map[string]string) mcp.ReadResourceResult {
			return resourceResult(uri, ok(name+":"+params["rest"], mimePlain))
		}
	}

	require.NoError(t, reg.AddResource(Resource{
		Name: "wide", Template: MustParseTemplate("aurora://{rest}"), Handler: handler("wide"),
	}))
	require.NoError(t, reg.AddResource(Resource{
		Name: "narrow", Template: MustParseTemplate("aurora://docs/{rest}"), Handler: handler("narrow"),
	}))

	res, err := reg.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "aurora://docs/a.md"})
	require.NoError(t, err)
	assert.Equal(t, "narrow:a.md", res.Contents[0].Text)

	res, err = reg.ReadResource(context.Background(), mcp.ReadResourceParams{URI: "aurora://guides"})
	require.NoError(t, err)
	assert.Equal(t, "wide:guides", res.Contents[0].Text)
}

func TestRegistryMetrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)

	resolver := newTestResolver(t, nil)
	handlers := NewHandlers(resolver, MustVocabulary(AuroraTopics, AuroraDefaultTopic), "Aurora")
	reg := NewRegistry(WithMetrics(metrics))
	require.NoError(t, Register(reg, handlers, Options{Scheme: "aurora"}))

	callTool(t, reg, ToolTopicLookup, `{"topic":"Aurora Events"}`)
	callTool(t, reg, ToolTopicLookup, `{"topic":"nope"}`)
	callTool(t, reg, ToolTopicLookup, `{"topic":"nope"}`)

	assert.InDelta(t, 1, testutil.ToFloat64(
		metrics.requests.WithLabelValues(kindTool, ToolTopicLookup, outcomeOK)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(
		metrics.requests.WithLabelValues(kindTool, ToolTopicLookup, outcomeError)), 0)

	expected := `
# HELP harpmcp_docs_requests_total Documentation requests handled, by kind, name and outcome.
# TYPE harpmcp_docs_requests_total counter
harpmcp_docs_requests_total{kind="tool",name="documentation-topic-lookup",outcome="error"} 2
harpmcp_docs_requests_total{kind="tool",name="documentation-topic-lookup",outcome="ok"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected),
		"harpmcp_docs_requests_total"))
}

func TestRegistryTracesDispatches(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	resolver := newTestResolver(t, nil)
	handlers := NewHandlers(resolver, MustVocabulary(AuroraTopics, AuroraDefaultTopic), "Aurora")
	reg := NewRegistry(WithTracerProvider(tp))
	require.NoError(t, Register(reg, handlers, Options{Scheme: "aurora"}))

	callTool(t, reg, ToolTopicLookup, `{"topic":"Aurora Events"}`)
	callTool(t, reg, ToolTopicLookup, `{"topic":"nope"}`)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "tool "+ToolTopicLookup, spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestRegistryMirrorsToClientLog(t *testing.T) {
	clientLog := NewClientLog("docs")
	defer clientLog.Close()
	clientLog.SetLogLevel(mcp.LogLevelDebug)

	reg := NewRegistry(WithClientLog(clientLog))
	require.NoError(t, reg.AddTool(mcp.Tool{Name: "t", InputSchema: emptyObjectSchema},
		func(context.Context, ToolArguments) mcp.CallToolResult { return toolText("ok") }))

	callTool(t, reg, "t", `{}`)

	var got mcp.LogParams
	for params := range clientLog.LogStreams() {
		got = params
		break
	}
	assert.Equal(t, mcp.LogLevelDebug, got.Level)
	assert.Equal(t, "docs", got.Logger)
	assert.Contains(t, string(got.Data), `"name":"t"`)
}

func TestPaginate(t *testing.T) {
	items := make([]int, pageSize*2+3)
	for i := range items {
		items[i] = i
	}

	page, next, err := paginate(items, "")
	require.NoError(t, err)
	assert.Len(t, page, pageSize)
	assert.Equal(t, fmt.Sprint(pageSize), next)

	page, next, err = paginate(items, next)
	require.NoError(t, err)
	assert.Equal(t, pageSize, page[0])
	assert.Equal(t, fmt.Sprint(pageSize*2), next)

	page, next, err = paginate(items, next)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Empty(t, next)

	for _, cursor := range []string{"x", "-1", fmt.Sprint(len(items) + 1)} {
		_, _, err = paginate(items, cursor)
		assert.Error(t, err, cursor)
	}
}

func TestCompletionCapsValues(t *testing.T) {
	values := make([]string, 150)
	for i := range values {
		values[i] = fmt.Sprintf("doc-%03d.md", i)
	}

	res := completion(values)
	assert.Len(t, res.Completion.Values, 100)
	assert.Equal(t, 150, res.Completion.Total)
	assert.True(t, res.Completion.HasMore)

	res = completion(nil)
	assert.NotNil(t, res.Completion.Values)
	assert.Empty(t, res.Completion.Values)
}

func TestCompletesPrompt(t *testing.T) {
	reg := newTestRegistry(t, nil, false)

	res, err := reg.CompletesPrompt(context.Background(), mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: PromptAPIAssistant},
		Argument: mcp.CompletionArgument{Name: "userQuestion", Value: "How"},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Completion.Values)

	_, err = reg.CompletesPrompt(context.Background(), mcp.CompletesCompletionParams{
		Ref: mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "missing"},
	})
	assert.Error(t, err)
}
