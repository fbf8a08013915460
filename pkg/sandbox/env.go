package sandbox

import (
	"os"
	"strings"
)

// protectedEnvKeys are stripped from child environments by exact match.
var protectedEnvKeys = map[string]bool{
	"SLACK_BOT_TOKEN":   true,
	"SLACK_APP_TOKEN":   true,
	"ANTHROPIC_API_KEY": true,
	"ALLOWED_USER_IDS":  true,
}

// protectedEnvSubstrings strip any variable whose upper-cased name
// contains one of these fragments.
var protectedEnvSubstrings = []string{
	"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL",
}

// filterEnv builds the child environment from the parent's, with all
// credential-shaped variables removed.
func filterEnv(extra map[string]string) []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if protectedEnvKeys[name] {
			continue
		}
		upper := strings.ToUpper(name)
		blocked := false
		for _, sub := range protectedEnvSubstrings {
			if strings.Contains(upper, sub) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
