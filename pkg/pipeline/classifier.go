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

// fallbackOrder scans an unparseable classification response for type
// names, most specific first so "code" never shadows a better match.
var fallbackOrder = []types.TaskType{
	types.TaskTypeProject,
	types.TaskTypeFrontend,
	types.TaskTypeUIDesign,
	types.TaskTypeAutomation,
	types.TaskTypeData,
	types.TaskTypeFile,
	types.TaskTypeCode,
}

type classifyResponse struct {
	TaskType   string `json:"task_type"`
	Complexity string `json:"complexity"`
	Reason     string `json:"reason"`
}

// classify assigns the task type, checking project triggers before
// spending a model call.
func (p *Pipeline) classify(ctx context.Context, st *State) {
	logger := log.WithComponent("pipeline")

	// Fast path: a trigger match settles it without a model call.
	if proj := p.matchProject(st.Message); proj != nil {
		st.TaskType = types.TaskTypeProject
		st.Complexity = types.ComplexityMedium
		st.ProjectName = proj.Name
		st.Project = proj
		logger.Info().
			Str("task_id", st.TaskID).
			Str("project", proj.Name).
			Msg("Classified by project trigger")
		return
	}

	prompt := "User message: " + st.Message
	if len(st.Files) > 0 {
		var b strings.Builder
		b.WriteString(prompt)
		b.WriteString("\n\nAttached files:")
		for _, f := range st.Files {
			fmt.Fprintf(&b, "\n- %s", f)
		}
		prompt = b.String()
	}

	response, err := p.callModel(ctx, gateway.Request{
		Purpose:    gateway.PurposeClassify,
		Complexity: types.ComplexityLow,
		Prompt:     prompt,
		System:     fmt.Sprintf(classifySystem, p.projectsSummary()),
		MaxTokens:  200,
		TaskID:     st.TaskID,
	})
	if err != nil {
		// Classification is advisory; default to code and keep going.
		logger.Warn().Err(err).Str("task_id", st.TaskID).Msg("Classification call failed, defaulting to code")
		st.TaskType = types.TaskTypeCode
		st.Complexity = types.ComplexityMedium
		return
	}

	st.TaskType, st.Complexity = parseClassification(response)

	// A project verdict without a trigger match would loop on a missing
	// project config; demote to code instead.
	if st.TaskType == types.TaskTypeProject {
		if proj := p.matchProject(st.Message); proj != nil {
			st.ProjectName = proj.Name
			st.Project = proj
		} else {
			logger.Warn().Str("task_id", st.TaskID).
				Msg("Model classified as project but no trigger match, falling back to code")
			st.TaskType = types.TaskTypeCode
		}
	}

	logger.Info().
		Str("task_id", st.TaskID).
		Str("type", string(st.TaskType)).
		Str("complexity", string(st.Complexity)).
		Msg("Classified task")
}

// parseClassification reads the model's JSON, falling back to a
// substring scan when the response has extra prose around it.
func parseClassification(response string) (types.TaskType, types.Complexity) {
	var parsed classifyResponse
	if err := json.Unmarshal([]byte(stripMarkdownBlocks(response)), &parsed); err == nil && parsed.TaskType != "" {
		return normalizeTaskType(parsed.TaskType), normalizeComplexity(parsed.Complexity)
	}

	lower := strings.ToLower(response)
	for _, t := range fallbackOrder {
		if strings.Contains(lower, string(t)) {
			return t, normalizeComplexity("")
		}
	}
	return types.TaskTypeCode, types.ComplexityMedium
}

func normalizeTaskType(s string) types.TaskType {
	t := types.TaskType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case types.TaskTypeCode, types.TaskTypeData, types.TaskTypeFile,
		types.TaskTypeAutomation, types.TaskTypeProject,
		types.TaskTypeFrontend, types.TaskTypeUIDesign, types.TaskTypeGeneral:
		return t
	}
	return types.TaskTypeCode
}

func normalizeComplexity(s string) types.Complexity {
	c := types.Complexity(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case types.ComplexityLow, types.ComplexityMedium, types.ComplexityHigh:
		return c
	}
	return types.ComplexityMedium
}

func (p *Pipeline) matchProject(message string) *types.Project {
	if p.reg == nil {
		return nil
	}
	return p.reg.Match(message)
}

func (p *Pipeline) projectsSummary() string {
	if p.reg == nil {
		return "No existing projects registered."
	}
	return p.reg.Summary()
}
