package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/metrics"
	"github.com/golem-sh/golem/pkg/types"
)

const chainDelimiter = "->"

// parseChainSteps splits a raw chain prompt on the delimiter, dropping
// empty segments.
func parseChainSteps(raw string) []string {
	var steps []string
	for _, part := range strings.Split(raw, chainDelimiter) {
		if part = strings.TrimSpace(part); part != "" {
			steps = append(steps, part)
		}
	}
	return steps
}

// Chain admits and launches a strict-AND sequence of sub-prompts. Each
// step runs the full pipeline; a step whose verdict is not pass halts
// the remainder. The token {output} in a step is replaced with the
// previous step's primary artifact path.
func (c *Coordinator) Chain(userID, chatID, raw string) error {
	steps := parseChainSteps(raw)
	if len(steps) < 2 {
		return types.NewTaskError(types.ErrKindInvalid,
			fmt.Sprintf("a chain needs at least 2 steps separated by %q", chainDelimiter), nil)
	}

	// One guard slot covers the whole chain; its steps never overlap.
	if err := c.guard.Admit(userID); err != nil {
		metrics.TasksRefused.WithLabelValues(string(types.KindOf(err))).Inc()
		return err
	}

	go func() {
		defer func() { metrics.TasksInFlight.Set(float64(c.guard.InFlight())) }()
		defer c.guard.Release()
		c.runChain(userID, chatID, steps)
	}()
	return nil
}

func (c *Coordinator) runChain(userID, chatID string, steps []string) {
	logger := log.WithComponent("coordinator")

	var prevArtifact string
	for i, step := range steps {
		prompt := strings.ReplaceAll(step, "{output}", prevArtifact)

		task := &types.Task{
			ID:        uuid.New().String(),
			UserID:    userID,
			ChatID:    chatID,
			Prompt:    prompt,
			Status:    types.TaskStatusPending,
			CreatedAt: time.Now(),
		}
		if err := c.store.CreateTask(task); err != nil {
			logger.Error().Err(err).Int("step", i+1).Msg("Chain step record creation failed")
			c.notify(chatID, fmt.Sprintf("Chain halted at step %d/%d: internal storage error.", i+1, len(steps)))
			return
		}
		metrics.TasksSubmitted.WithLabelValues("chain").Inc()

		statusMsgID := ""
		if c.notifier != nil {
			if id, err := c.notifier.Send(chatID, fmt.Sprintf("Chain step %d/%d: %s", i+1, len(steps), truncate(prompt, 120))); err == nil {
				statusMsgID = id
			}
		}

		st := c.execute(task, nil, nil, statusMsgID)
		if st.AuditVerdict != types.VerdictPass {
			skipped := len(steps) - i - 1
			c.notify(chatID, fmt.Sprintf("Chain halted at step %d/%d (%d skipped). The step did not pass audit.",
				i+1, len(steps), skipped))
			logger.Warn().Int("step", i+1).Int("skipped", skipped).Msg("Chain halted")
			return
		}

		prevArtifact = ""
		if len(st.Artifacts) > 0 {
			prevArtifact = st.Artifacts[0]
		}
	}

	c.notify(chatID, fmt.Sprintf("Chain finished: all %d steps passed.", len(steps)))
}

func (c *Coordinator) notify(chatID, text string) {
	if c.notifier == nil {
		return
	}
	if _, err := c.notifier.Send(chatID, text); err != nil {
		log.WithComponent("coordinator").Error().Err(err).Msg("Chain notification failed")
	}
}
