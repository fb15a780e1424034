package decision

import (
	"fmt"
	"strconv"
	"strings"
)

// Text renders the notification as Telegram MarkdownV2.
func (n *Notification) Text() string {
	var b strings.Builder
	switch n.Kind {
	case KindSpamBot:
		b.WriteString("🚨 *Spam bot detected\\!* 🚨\n")
		fmt.Fprintf(&b, "*Reason:* `%s`\n", escapeCode(n.Reason))
		fmt.Fprintf(&b, "*Confidence:* `%s`\n", strconv.FormatFloat(n.Confidence, 'f', -1, 64))
		fmt.Fprintf(&b, "*Moderator action:* `%s`\n", escapeCode(n.Action))
	default:
		b.WriteString("🚨 *Violation detected\\!* 🚨\n")
		fmt.Fprintf(&b, "*Reason:* `%s`\n", escapeCode(n.Reason))
		fmt.Fprintf(&b, "*Moderator action:* `%s`\n", escapeCode(n.Action))
		if n.ModerationMessage != "" {
			fmt.Fprintf(&b, "*Moderator message:* `%s`\n", escapeCode(n.ModerationMessage))
		}
	}

	if n.OriginalText != "" {
		fmt.Fprintf(&b, "\n*Original message:*\n```\n%s\n```\n", escapeCode(n.OriginalText))
	}
	if n.Link != "" {
		fmt.Fprintf(&b, "\n🔗 [%s](%s)\n", EscapeMarkdown("Go to message"), escapeLink(n.Link))
	}
	b.WriteString("\n*Actions:*")
	return b.String()
}

// EscapeMarkdown escapes special characters for MarkdownV2 text.
func EscapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// escapeCode escapes text placed inside pre and code entities.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

// escapeLink escapes the URL part of an inline link.
func escapeLink(url string) string {
	return strings.NewReplacer("\\", "\\\\", ")", "\\)").Replace(url)
}
