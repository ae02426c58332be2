// Package streamparser splits an upstream SSE chat-completion stream into
// discrete lines, tracks the accumulated reasoning/content text and
// tool-call arguments across chunks, and — for "think" models that emit a
// <think>...</think> preamble before the real answer — rewrites each
// delta so reasoning and content never land in the same field at once.
package streamparser

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// LineType classifies a parsed line of an SSE stream.
type LineType string

const (
	LineText  LineType = "text"
	LineDone  LineType = "done"
	LineUsage LineType = "usage"
	LineError LineType = "error"
	LineOther LineType = "other" // a non "data:" line — comments, blank keepalives
)

// Line is one parsed, possibly-rewritten unit of the stream.
type Line struct {
	Type LineType
	// Raw is the payload trimmed of the "data:" prefix and surrounding
	// whitespace (the full line for LineOther). For LineText/LineUsage it is
	// the re-marshaled, possibly rewritten JSON, ready to forward.
	Raw string
	// JSON is the decoded payload for LineText/LineUsage lines (nil for
	// LineDone/LineError/LineOther). Callers doing billing read
	// Content/ReasoningContent/ToolArgs off the Parser instead.
	JSON map[string]interface{}
}

// Parser consumes raw upstream bytes and yields Lines, one per "\n\n"
// delimited SSE record, accumulating enough state across chunks to answer
// "how much did we actually send" if the client disconnects mid-stream.
type Parser struct {
	think bool // true once a <think> preamble is still open

	buf []byte

	IsFinished bool
	hasParsed  bool

	toolArgs map[int]*strings.Builder

	ReasoningContent strings.Builder
	Content          strings.Builder
}

// New creates a parser. think selects the reasoning/content split behavior
// used for models that stream a <think>...</think> preamble; plain models
// pass delta fields through unmodified.
func New(think bool) *Parser {
	return &Parser{think: think, toolArgs: make(map[int]*strings.Builder)}
}

// Feed appends chunk to the internal buffer and returns every complete
// line it now contains. Incomplete trailing data is held back for the
// next Feed or for Flush at stream end.
func (p *Parser) Feed(chunk []byte) []Line {
	p.buf = append(p.buf, chunk...)

	var lines []Line
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx == -1 {
			break
		}
		part := p.buf[:idx+2]
		p.buf = p.buf[idx+2:]
		lines = append(lines, p.parseLine(part))
	}
	return lines
}

// Flush reports whether unparsed bytes remain in the buffer after the
// upstream connection ended — a non-empty remainder means the stream was
// cut mid-record (disconnect or truncated upstream response).
func (p *Parser) Flush() (remainder string, ok bool) {
	if len(p.buf) == 0 {
		return "", true
	}
	return string(p.buf), false
}

func (p *Parser) parseLine(raw []byte) Line {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "data:") {
		return Line{Type: LineOther, Raw: s}
	}

	payload := strings.TrimSpace(strings.TrimPrefix(s, "data:"))
	if payload == "[DONE]" {
		return Line{Type: LineDone, Raw: payload}
	}

	var body map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return Line{Type: LineError, Raw: payload}
	}

	p.absorb(body)

	lineType := LineText
	if p.IsFinished {
		if _, hasUsage := body["usage"]; hasUsage {
			lineType = LineUsage
		}
	}

	// absorb rewrites body in place for think-model splitting; Raw must
	// reflect that rewrite, since callers forward Raw verbatim to the
	// downstream client instead of re-marshaling JSON.
	if rewritten, err := json.Marshal(body); err == nil {
		payload = string(rewritten)
	}
	return Line{Type: lineType, Raw: payload, JSON: body}
}

// absorb walks the choices in a decoded chunk, folding delta content into
// the running reasoning/content accumulators, rewriting think-model
// deltas in place, and stitching together tool_calls arguments that arrive
// split across multiple chunks.
func (p *Parser) absorb(body map[string]interface{}) {
	choices, _ := body["choices"].([]interface{})
	for _, c := range choices {
		choice, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		delta, _ := choice["delta"].(map[string]interface{})
		if delta == nil {
			delta = map[string]interface{}{}
			choice["delta"] = delta
		}

		if reason, _ := choice["finish_reason"].(string); reason != "" {
			p.IsFinished = true
		}

		if p.think {
			p.rewriteThinkDelta(delta)
		}

		if rc, ok := delta["reasoning_content"].(string); ok {
			p.ReasoningContent.WriteString(rc)
		}
		if ct, ok := delta["content"].(string); ok {
			p.Content.WriteString(ct)
		}

		p.absorbToolCalls(delta)
	}

	if p.IsFinished {
		for idx, arg := range p.toolArgs {
			if arg.Len() == 0 {
				arg.WriteString(" {}")
			}
			_ = idx
		}
	}
}

func (p *Parser) absorbToolCalls(delta map[string]interface{}) {
	calls, _ := delta["tool_calls"].([]interface{})
	for _, c := range calls {
		call, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		fn, _ := call["function"].(map[string]interface{})
		if fn == nil {
			continue
		}
		idx := toolCallIndex(call)
		sb, ok := p.toolArgs[idx]
		if !ok {
			sb = &strings.Builder{}
			p.toolArgs[idx] = sb
		}
		if args, ok := fn["arguments"].(string); ok {
			sb.WriteString(args)
		}
	}
}

func toolCallIndex(call map[string]interface{}) int {
	switch v := call["index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// rewriteThinkDelta implements the <think>...</think> split: until the
// closing tag is seen (or a reasoning_content field shows up on its own),
// every delta is folded into reasoning_content and content is blanked;
// once the split point passes, the reverse holds for the rest of the
// stream.
func (p *Parser) rewriteThinkDelta(delta map[string]interface{}) {
	content, hasContent := delta["content"].(string)
	reasoning, hasReasoning := delta["reasoning_content"].(string)

	if !p.hasParsed && hasReasoning {
		p.hasParsed = true
	}

	if p.think && hasContent {
		if !p.hasParsed && strings.Contains(content, "</think>") {
			content = strings.ReplaceAll(content, "</think>", "")
			hasContent = true
			p.think = false
		}
		if p.hasParsed {
			p.think = false
		}
	}

	if p.think {
		if hasReasoning {
			delta["reasoning_content"] = reasoning
		} else {
			delta["reasoning_content"] = content
		}
		delta["content"] = nil
	} else {
		delta["reasoning_content"] = nil
		if hasContent {
			delta["content"] = content
		}
	}
}

// ToolArguments returns the fully-assembled arguments string accumulated
// for each tool_calls index, for callers that need it after the stream
// ends (e.g. to log what the model actually invoked).
func (p *Parser) ToolArguments() map[int]string {
	out := make(map[int]string, len(p.toolArgs))
	for idx, sb := range p.toolArgs {
		out[idx] = sb.String()
	}
	return out
}
