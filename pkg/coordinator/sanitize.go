package coordinator

import (
	"path/filepath"
	"regexp"
)

// User-visible strings must not leak credentials or the host's
// filesystem layout. Full detail still goes to the server log.
var (
	secretRe  = regexp.MustCompile(`(?i)(sk-ant-[A-Za-z0-9_-]{8,}|sk-[A-Za-z0-9_-]{16,}|xox[baprs]-[A-Za-z0-9-]{8,}|(?:api[_-]?key|token|secret|password)\s*[=:]\s*\S+)`)
	absPathRe = regexp.MustCompile(`(?:/[\w.~-]+){2,}`)
)

// Sanitize strips credential fragments and absolute paths from a
// string destined for chat, keeping the final path element so the
// message stays meaningful.
func Sanitize(s string) string {
	s = secretRe.ReplaceAllString(s, "[redacted]")
	s = absPathRe.ReplaceAllStringFunc(s, func(m string) string {
		return filepath.Base(m)
	})
	return s
}
