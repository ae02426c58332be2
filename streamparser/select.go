package streamparser

// ThinkModelMatcher reports whether model should use the think-model
// delta rewrite. config.Config.IsThinkModel satisfies this.
type ThinkModelMatcher interface {
	IsThinkModel(model string) bool
}

// ForModel picks the right parser for model, the Go equivalent of the
// upstream get_parser lookup against the configured think-model patterns.
func ForModel(model string, matcher ThinkModelMatcher) *Parser {
	return New(matcher.IsThinkModel(model))
}
