package streamparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sse(payload string) []byte {
	return []byte("data: " + payload + "\n\n")
}

func TestFeedParsesTextChunk(t *testing.T) {
	p := New(false)
	lines := p.Feed(sse(`{"choices":[{"delta":{"content":"hi"},"finish_reason":null}]}`))
	require.Len(t, lines, 1)
	assert.Equal(t, LineText, lines[0].Type)
	assert.Equal(t, "hi", p.Content.String())
}

func TestFeedHandlesPartialChunkAcrossCalls(t *testing.T) {
	p := New(false)
	full := sse(`{"choices":[{"delta":{"content":"hi"}}]}`)
	first := p.Feed(full[:len(full)-10])
	assert.Empty(t, first)

	second := p.Feed(full[len(full)-10:])
	require.Len(t, second, 1)
	assert.Equal(t, "hi", p.Content.String())
}

func TestFeedEmitsDone(t *testing.T) {
	p := New(false)
	lines := p.Feed(sse("[DONE]"))
	require.Len(t, lines, 1)
	assert.Equal(t, LineDone, lines[0].Type)
}

func TestFeedEmitsErrorOnInvalidJSON(t *testing.T) {
	p := New(false)
	lines := p.Feed(sse("{not json"))
	require.Len(t, lines, 1)
	assert.Equal(t, LineError, lines[0].Type)
}

func TestFeedMarksUsageLineAfterFinish(t *testing.T) {
	p := New(false)
	lines := p.Feed(sse(`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`))
	require.Len(t, lines, 1)
	assert.Equal(t, LineUsage, lines[0].Type)
	assert.True(t, p.IsFinished)
}

func TestFeedPassesThroughNonDataLines(t *testing.T) {
	p := New(false)
	lines := p.Feed([]byte(": keep-alive\n\n"))
	require.Len(t, lines, 1)
	assert.Equal(t, LineOther, lines[0].Type)
}

func TestFeedStitchesToolCallArgumentsAcrossChunks(t *testing.T) {
	p := New(false)
	p.Feed(sse(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"a\":"}}]}}]}`))
	p.Feed(sse(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`))

	args := p.ToolArguments()
	assert.Equal(t, `{"a":1}`, args[0])
}

func TestFlushReportsIncompleteRemainder(t *testing.T) {
	p := New(false)
	p.Feed([]byte("data: {\"choices\":["))
	remainder, ok := p.Flush()
	assert.False(t, ok)
	assert.NotEmpty(t, remainder)
}

func TestFlushCleanWhenBufferDrained(t *testing.T) {
	p := New(false)
	p.Feed(sse("[DONE]"))
	_, ok := p.Flush()
	assert.True(t, ok)
}

func TestThinkModelRewritesReasoningBeforeCloseTag(t *testing.T) {
	p := New(true)
	lines := p.Feed(sse(`{"choices":[{"delta":{"content":"pondering..."}}]}`))
	require.Len(t, lines, 1)
	delta := lines[0].JSON["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "pondering...", delta["reasoning_content"])
	assert.Nil(t, delta["content"])
	assert.Equal(t, "pondering...", p.ReasoningContent.String())
}

func TestThinkModelSwitchesToContentAfterCloseTag(t *testing.T) {
	p := New(true)
	p.Feed(sse(`{"choices":[{"delta":{"content":"reasoning"}}]}`))
	lines := p.Feed(sse(`{"choices":[{"delta":{"content":"</think>answer"}}]}`))

	delta := lines[0].JSON["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "answer", delta["content"])
	assert.Nil(t, delta["reasoning_content"])

	lines2 := p.Feed(sse(`{"choices":[{"delta":{"content":" more"}}]}`))
	delta2 := lines2[0].JSON["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, " more", delta2["content"])
	assert.Nil(t, delta2["reasoning_content"])
}

func TestThinkModelStopsOnExplicitReasoningField(t *testing.T) {
	p := New(true)
	p.Feed(sse(`{"choices":[{"delta":{"reasoning_content":"thinking"}}]}`))
	lines := p.Feed(sse(`{"choices":[{"delta":{"content":"answer"}}]}`))

	delta := lines[0].JSON["choices"].([]interface{})[0].(map[string]interface{})["delta"].(map[string]interface{})
	assert.Equal(t, "answer", delta["content"])
	assert.Nil(t, delta["reasoning_content"])
}

func TestForModelPicksThinkParser(t *testing.T) {
	m := stubMatcher{think: map[string]bool{"deepseek-r1": true}}
	p := ForModel("deepseek-r1", m)
	assert.True(t, p.think)

	p2 := ForModel("gpt-4o", m)
	assert.False(t, p2.think)
}

type stubMatcher struct{ think map[string]bool }

func (s stubMatcher) IsThinkModel(model string) bool { return s.think[model] }
