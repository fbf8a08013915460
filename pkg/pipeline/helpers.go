package pipeline

import (
	"regexp"
	"strings"
)

// stripMarkdownBlocks extracts code from markdown fences, returning
// the longest block. Parsing is line based so backticks inside string
// literals cannot close a block early; only a line that is exactly
// ``` does.
func stripMarkdownBlocks(text string) string {
	var blocks []string
	var current []string
	inBlock := false

	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if !inBlock {
			if strings.HasPrefix(stripped, "```") {
				inBlock = true
				current = nil
			}
			continue
		}
		if stripped == "```" {
			blocks = append(blocks, strings.Join(current, "\n"))
			inBlock = false
			current = nil
			continue
		}
		current = append(current, line)
	}

	if len(blocks) == 0 {
		return strings.TrimSpace(text)
	}
	longest := blocks[0]
	for _, b := range blocks[1:] {
		if len(b) > len(longest) {
			longest = b
		}
	}
	return strings.TrimSpace(longest)
}

// head truncates s to at most n bytes.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// shellQuote wraps s in single quotes, escaping embedded quotes, so
// extracted parameter values cannot break out of a command line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if safeShellWordRe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var safeShellWordRe = regexp.MustCompile(`^[\w@%+=:,./-]+$`)

// errText renders an error for inclusion in an execution result.
func errText(err error) string {
	if err == nil {
		return ""
	}
	return head(err.Error(), 300)
}
