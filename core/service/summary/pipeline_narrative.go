package summary

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"pipeline_server/core/domain"
)

// maxMessageContentLen bounds the per-message body text fed to the model.
const maxMessageContentLen = 2000

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	quotedLinePattern = regexp.MustCompile(`(?m)^>.*$`)
	onWrotePattern    = regexp.MustCompile(`(?is)on .{0,120}? wrote:.*`)
	forwardedPattern  = regexp.MustCompile(`(?is)-{2,}\s*(forwarded message|original message).*`)

	signaturePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)\n--\s*\n.*`),
		regexp.MustCompile(`(?i)sent from my.*`),
	}
)

// buildNarrative renders the thread as prompt text, one block per message
// oldest to newest, separated by --- dividers.
func buildNarrative(thread *domain.Thread) string {
	blocks := make([]string, 0, len(thread.Messages))

	for i, msg := range thread.Messages {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Message #%d\n", i+1)
		if msg.From != "" {
			fmt.Fprintf(&sb, "From: %s\n", msg.From)
		}
		if msg.To != "" {
			fmt.Fprintf(&sb, "To: %s\n", msg.To)
		}
		fmt.Fprintf(&sb, "Sent: %s\n", formatMessageDate(msg.Date))
		sb.WriteString("Content:\n")
		sb.WriteString(messageContent(&msg))
		blocks = append(blocks, sb.String())
	}

	return strings.Join(blocks, "\n---\n")
}

// messageContent extracts a length-bounded plain-text rendering of the
// message body: plain text preferred, HTML stripped otherwise, snippet as
// the last resort. Quoted replies and forwarded trails are removed.
func messageContent(msg *domain.ThreadMessage) string {
	body := msg.TextBody
	if body == "" && msg.HTMLBody != "" {
		body = htmlTagPattern.ReplaceAllString(msg.HTMLBody, " ")
	}
	if strings.TrimSpace(body) == "" {
		return strings.TrimSpace(msg.Snippet)
	}

	body = extractReply(body)
	body = whitespacePattern.ReplaceAllString(body, " ")
	body = strings.TrimSpace(body)

	if len(body) > maxMessageContentLen {
		body = body[:maxMessageContentLen] + "..."
	}
	return body
}

// extractReply strips quoted reply trails, forwarded blocks, and signatures
// so only the author's own words remain.
func extractReply(body string) string {
	body = forwardedPattern.ReplaceAllString(body, "")
	body = quotedLinePattern.ReplaceAllString(body, "")
	body = onWrotePattern.ReplaceAllString(body, "")
	for _, pattern := range signaturePatterns {
		body = pattern.ReplaceAllString(body, "")
	}
	return body
}

func formatMessageDate(t time.Time) string {
	if t.IsZero() {
		return "Unknown time"
	}
	return t.Format("Jan 2, 2006 3:04 PM")
}
