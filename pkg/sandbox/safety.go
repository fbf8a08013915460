package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/golem-sh/golem/pkg/log"
)

// Tier 1: catastrophic, irreversible. Always blocked. Patterns are
// matched per line so newline-separated compound commands cannot hide
// a blocked form behind a harmless first line.
var blockedPatterns = []*regexp.Regexp{
	// rm targeting home, root, or user directories. Handles short
	// flags (-rf), split flags (-r -f), and GNU long flags.
	regexp.MustCompile(`(?i)\brm\s+(-{1,2}[\w-]+\s+)*\s*(/\s*$|~\s*$|~/\s*$|\$HOME)`),
	regexp.MustCompile(`(?i)\brm\s+(-{1,2}[\w-]+\s+)*/Users\b`),
	regexp.MustCompile(`(?i)\brm\s+(-{1,2}[\w-]+\s+)*/home\b`),
	regexp.MustCompile(`(?i)\brm\s+(-{1,2}[\w-]+\s+)*\s*~/?(Desktop|Documents|Downloads|Pictures|Music|Movies|Library|Applications)\b`),
	// Filesystem destruction
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]`),
	// Fork bomb variants
	regexp.MustCompile(`:\(\)\s*\{`),
	regexp.MustCompile(`(?i)\bfork\s*bomb\b`),
	// System power
	regexp.MustCompile(`(?i)\bshutdown\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
	regexp.MustCompile(`(?i)\bhalt\b`),
	regexp.MustCompile(`(?i)\bpoweroff\b`),
	// Privilege escalation
	regexp.MustCompile(`(?i)\bsudo\b`),
	// Pipe-to-shell via URL download
	regexp.MustCompile(`(?i)\bcurl\b.*\|\s*\bsh\b`),
	regexp.MustCompile(`(?i)\bcurl\b.*\|\s*\bbash\b`),
	regexp.MustCompile(`(?i)\bwget\b.*\|\s*\bsh\b`),
	regexp.MustCompile(`(?i)\bwget\b.*\|\s*\bbash\b`),
	// Recursive permission destruction
	regexp.MustCompile(`(?i)\bchmod\s+(-[rR]\s+|--recursive\s+)?(777|a\+rwx)\s+[/~]`),
	// Interpreter inline execution bypasses the code scanner
	regexp.MustCompile(`(?i)\bpython3?\s+-[cE]\s`),
	regexp.MustCompile(`(?i)\bperl\s+-[eE]\s`),
	regexp.MustCompile(`(?i)\bruby\s+-[eE]\s`),
	regexp.MustCompile(`(?i)\bnode\s+-[eE]\s`),
	// Destructive find operations
	regexp.MustCompile(`(?i)\bfind\b.*\s-delete\b`),
	regexp.MustCompile(`(?i)\bfind\b.*-exec\s+rm\b`),
	// Encoding bypass
	regexp.MustCompile(`(?i)\bbase64\s.*\|\s*(sh|bash)\b`),
	// Home directory relocation
	regexp.MustCompile(`(?i)\bmv\s+(-\w+\s+)*~(\s|$)`),
	regexp.MustCompile(`(?i)\bmv\s+(-\w+\s+)*~/(\s|$)`),
	// Redirects into critical dotfiles
	regexp.MustCompile(`(?i)>>?\s*~/?\.(ssh|bashrc|bash_profile|zshrc|zprofile|profile|gitconfig|gnupg|npmrc|netrc)`),
	// Symlink attacks on critical dotfiles
	regexp.MustCompile(`(?i)\bln\s+.*~/?\.(ssh|bashrc|bash_profile|zshrc|zprofile|profile|gitconfig|gnupg)`),
	// printf/echo piped to shell
	regexp.MustCompile(`(?i)\bprintf\b.*\|\s*(sh|bash)\b`),
	regexp.MustCompile(`(?i)\becho\b.*\|\s*(sh|bash)\b`),
	// eval with command substitution
	regexp.MustCompile(`(?i)\beval\b\s+"?\$\(`),
	// bash -c with embedded empty quotes (string splitting obfuscation)
	regexp.MustCompile(`(?i)\b(bash|sh)\s+-c\s+.*('{2}|"{2})`),
}

// Tier 3: allowed but logged for the audit trail.
var loggedPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)\brm\s`), "file deletion"},
	{regexp.MustCompile(`(?i)\bchmod\b|\bchown\b`), "permission change"},
	{regexp.MustCompile(`(?i)\bgit\s+push\b`), "git push"},
	{regexp.MustCompile(`(?i)\bsystemctl\b|\blaunchctl\b`), "service management"},
	{regexp.MustCompile(`(?i)\bcurl\b|\bwget\b`), "network download"},
	{regexp.MustCompile(`(?i)\bpip3?\s+install\b.*https?://`), "pip install from URL"},
	{regexp.MustCompile(`(?i)\bfind\b`), "find command"},
	{regexp.MustCompile(`(?i)\bln\b`), "symlink operation"},
	{regexp.MustCompile(`(?i)\bmv\b`), "file move"},
	{regexp.MustCompile(`(?i)\bpython3?\s+-c\b`), "python inline execution"},
	{regexp.MustCompile(`(?i)\beval\b`), "eval command"},
	{regexp.MustCompile(`(?i)\bprintf\b.*\|`), "printf pipe"},
}

// Tier 4: code content scanner. Defense-in-depth for the subprocess
// path; not a security boundary, and skipped entirely in container
// mode where filesystem isolation is stronger.
var codeBlockedPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)['"]~/?\.(ssh|gnupg|aws|kube|docker)/`), "credential directory access"},
	{regexp.MustCompile(`['"][^'"]*\.env['"]`), ".env file access"},
	{regexp.MustCompile(`['"][^'"]*\.pem['"]`), "PEM key file access"},
	{regexp.MustCompile(`['"][^'"]*id_rsa['"]`), "SSH key access"},
	{regexp.MustCompile(`(?i)\bos\.system\s*\(`), "os.system call"},
	{regexp.MustCompile(`(?i)shutil\.rmtree\s*\(\s*['"]?(/|~|Path\.home)`), "recursive delete of home/root"},
	{regexp.MustCompile(`(?i)socket\..*connect\s*\(`), "outbound socket connection"},
	{regexp.MustCompile(`(?i)open\s*\(\s*['"]/etc/(passwd|shadow|sudoers)`), "system file read"},
}

// CheckCommand returns a refusal reason if command matches a tier-1
// pattern, checking each line independently. Tier-3 matches are logged
// and allowed.
func CheckCommand(command string) string {
	for _, line := range strings.Split(command, "\n") {
		for _, re := range blockedPatterns {
			if re.MatchString(line) {
				return fmt.Sprintf("BLOCKED: catastrophic command pattern %q, refusing to execute", re.String())
			}
		}
	}
	for _, p := range loggedPatterns {
		if p.re.MatchString(command) {
			log.WithComponent("sandbox").Info().
				Str("label", p.label).
				Str("command", truncate(command, 200)).
				Msg("AUDIT: sensitive command allowed")
		}
	}
	return ""
}

// CheckCode scans interpreter code for dangerous operations. Returns a
// refusal reason or empty string.
func CheckCode(code string) string {
	for _, p := range codeBlockedPatterns {
		if p.re.MatchString(code) {
			return fmt.Sprintf("BLOCKED: code contains %s, refusing to execute in subprocess mode", p.label)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
