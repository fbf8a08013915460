package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golem-sh/golem/pkg/gateway"
	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// envErrorPatterns flag infrastructure failures that a code-level
// retry cannot fix. "Permission denied" and "Connection refused" are
// deliberately absent: those are usually wrong-path or wrong-port bugs
// the retry loop CAN fix.
var envErrorPatterns = []struct {
	pattern     string
	description string
}{
	{"can't initialize sys standard streams", "Python stdin/stdout initialisation failed (daemon context)"},
	{"Bad file descriptor", "Invalid file descriptor inherited from parent process"},
	{"No space left on device", "Disk full"},
	{"Name or service not known", "DNS resolution failed (no network access)"},
	{"Timed out after", "Execution timed out (increasing timeout or optimising the command may help)"},
	{"timed out after", "Execution timed out (increasing timeout or optimising the command may help)"},
	{"killed process group", "Process was killed due to timeout"},
}

type auditResponse struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback"`
}

// audit reviews the execution against the original request using a
// different model than the generator, so the reviewer does not share
// the generator's blind spots.
func (p *Pipeline) audit(ctx context.Context, st *State) {
	logger := log.WithComponent("pipeline")

	// Environment failures short-circuit straight to delivery; burning
	// retries on them wastes model calls.
	if desc := detectEnvError(st.ExecutionResult); desc != "" {
		logger.Warn().
			Str("task_id", st.TaskID).
			Str("error", desc).
			Msg("Environment error detected, skipping code-level retry")
		st.AuditVerdict = types.VerdictFail
		st.AuditFeedback = "ENVIRONMENT ERROR (not a code issue, retrying will not help): " + desc
		st.RetryCount = p.cfg.MaxRetries
		return
	}

	criteria, ok := auditCriteria[string(st.TaskType)]
	if !ok {
		criteria = auditCriteria["code"]
	}
	system := auditSystemBase + "\n" + criteria

	planText := st.Plan
	if planText == "" {
		planText = "N/A"
	}
	codeText := st.Code
	if codeText == "" {
		codeText = "N/A"
	}
	execText := st.ExecutionResult
	if execText == "" {
		execText = "N/A"
	}

	prompt := fmt.Sprintf(`Original task: %s

Task type: %s

Plan:
%s

Generated code:
%s

Execution result:
%s`, st.Message, st.TaskType, head(planText, 3000), head(codeText, 5000), head(execText, 5000))

	if st.TaskType == types.TaskTypeProject && len(st.ExtractedParams) > 0 {
		prompt += "\n\nExtracted parameters: " + formatParamMap(st.ExtractedParams)
	}

	response, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeAudit,
		Complexity: st.Complexity,
		Prompt:     prompt,
		System:     system,
		MaxTokens:  800,
		TaskID:     st.TaskID,
	})
	if err != nil {
		// An unreachable auditor must not pass bad output through.
		logger.Error().Err(err).Str("task_id", st.TaskID).Msg("Audit call failed")
		st.AuditVerdict = types.VerdictFail
		st.AuditFeedback = "Audit unavailable: " + errText(err)
		st.RetryCount++
		return
	}

	verdict, feedback := parseAuditResponse(response)
	st.AuditVerdict = verdict
	st.AuditFeedback = feedback
	if verdict != types.VerdictPass {
		st.RetryCount++
	}

	logger.Info().
		Str("task_id", st.TaskID).
		Str("verdict", string(verdict)).
		Int("retry", st.RetryCount).
		Str("type", string(st.TaskType)).
		Msg("Audit complete")
}

// parseAuditResponse reads the auditor's JSON verdict. Ambiguous
// responses fail closed.
func parseAuditResponse(response string) (types.Verdict, string) {
	var parsed auditResponse
	if err := json.Unmarshal([]byte(response), &parsed); err == nil && parsed.Verdict != "" {
		return normalizeVerdict(parsed.Verdict), parsed.Feedback
	}

	if extracted := extractVerdictJSON(response); extracted != nil {
		feedback := extracted.Feedback
		if feedback == "" {
			feedback = response
		}
		return normalizeVerdict(extracted.Verdict), feedback
	}

	if strings.Contains(strings.ToLower(head(response, 50)), "pass") {
		return types.VerdictPass, response
	}
	return types.VerdictFail, "Audit response was unparseable: " + head(response, 300)
}

func normalizeVerdict(s string) types.Verdict {
	if strings.EqualFold(strings.TrimSpace(s), "pass") {
		return types.VerdictPass
	}
	return types.VerdictFail
}

// extractVerdictJSON pulls a JSON object containing "verdict" out of
// text with surrounding prose, using balanced-brace matching so nested
// braces inside feedback strings do not break extraction.
func extractVerdictJSON(text string) *auditResponse {
	depth := 0
	start := -1
	for i, ch := range text {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				candidate := text[start : i+1]
				if strings.Contains(candidate, `"verdict"`) {
					var parsed auditResponse
					if err := json.Unmarshal([]byte(candidate), &parsed); err == nil && parsed.Verdict != "" {
						return &parsed
					}
				}
				start = -1
			} else if depth < 0 {
				// Stray closing brace; reset so later objects still parse.
				depth = 0
				start = -1
			}
		}
	}
	return nil
}

// detectEnvError returns a description of an infrastructure failure in
// the execution result, or "" when the failure looks code-level.
func detectEnvError(executionResult string) string {
	if executionResult == "" {
		return ""
	}
	for _, p := range envErrorPatterns {
		if strings.Contains(executionResult, p.pattern) {
			return p.description
		}
	}
	return ""
}
