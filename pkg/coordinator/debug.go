package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/pipeline"
	"github.com/golem-sh/golem/pkg/types"
)

// Debug reads the sidecar for a task-id prefix (>= 8 chars) and
// renders it for chat.
func (c *Coordinator) Debug(prefix string) (string, error) {
	if len(prefix) < 8 {
		return "", types.NewTaskError(types.ErrKindInvalid, "give at least 8 characters of the task id", nil)
	}

	entries, err := os.ReadDir(c.cfg.OutputsDir)
	if err != nil {
		return "", types.NewTaskError(types.ErrKindInternal, "debug records unavailable", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".debug.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.cfg.OutputsDir, name))
		if err != nil {
			return "", types.NewTaskError(types.ErrKindInternal, "debug record unreadable", err)
		}
		var side types.DebugSidecar
		if err := json.Unmarshal(data, &side); err != nil {
			return "", types.NewTaskError(types.ErrKindInternal, "debug record corrupt", err)
		}
		return formatSidecar(&side), nil
	}
	return "", types.NewTaskError(types.ErrKindInvalid, "no debug record matches "+prefix, nil)
}

func formatSidecar(side *types.DebugSidecar) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s\n", side.TaskID)
	fmt.Fprintf(&b, "Message: %s\n", side.Message)
	fmt.Fprintf(&b, "Type: %s | Verdict: %s | Retries: %d\n", side.TaskType, side.Verdict, side.RetryCount)
	b.WriteString("Stages:\n")
	for _, stage := range side.Stages {
		fmt.Fprintf(&b, "- %s: %d ms\n", stage.Name, stage.DurationMS)
	}
	fmt.Fprintf(&b, "Total: %.1f s", float64(side.TotalDurationMS)/1000)
	return b.String()
}

// dumpState writes the whole pipeline state as JSON for offline
// inspection. Opt-in via DebugDumps; the regular sidecar is always
// written by the pipeline.
func (c *Coordinator) dumpState(st *pipeline.State) {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(c.cfg.OutputsDir, st.TaskID+".state.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.WithComponent("coordinator").Warn().Err(err).Str("path", path).Msg("State dump failed")
	}
}
