package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ExtractThinking splits an embedded <think>...</think> block out of content.
// The first block is extracted; an unterminated block consumes the rest of
// the content. Both returned strings are whitespace-trimmed at the seam.
// Running the function over already-clean content returns it unchanged, so
// extraction is idempotent.
func ExtractThinking(content string) (clean, thinking string) {
	start := strings.Index(content, thinkOpen)
	if start < 0 {
		return content, ""
	}
	rest := content[start+len(thinkOpen):]
	end := strings.Index(rest, thinkClose)
	if end < 0 {
		// Truncated stream left the block unterminated.
		return strings.TrimSpace(content[:start]), strings.TrimSpace(rest)
	}
	thinking = strings.TrimSpace(rest[:end])
	clean = content[:start] + rest[end+len(thinkClose):]
	return strings.TrimSpace(clean), thinking
}

// normalizeThinking applies the extraction priority to an accumulated
// response: provider-native reasoning wins, then an embedded <think> block is
// stripped from the content. Content is always left free of think markers.
func normalizeThinking(resp *Response) {
	clean, embedded := ExtractThinking(resp.Content)
	resp.Content = clean
	if resp.Thinking == "" {
		resp.Thinking = embedded
	}
}
