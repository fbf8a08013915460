package coordinator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/pipeline"
	"github.com/golem-sh/golem/pkg/types"
)

func TestParseChainSteps(t *testing.T) {
	steps := parseChainSteps("write numbers.txt -> read {output} and sum -> ")
	require.Len(t, steps, 2)
	assert.Equal(t, "write numbers.txt", steps[0])
	assert.Equal(t, "read {output} and sum", steps[1])
}

func TestChainRejectsSingleStep(t *testing.T) {
	c, _ := testCoordinator(t, newFakePipe(nil), newFakeStore(), &fakeNotifier{})

	err := c.Chain("u1", "chat-1", "just one prompt")
	require.Error(t, err)
	assert.Equal(t, types.ErrKindInvalid, types.KindOf(err))
}

func TestChainPassesArtifactToNextStep(t *testing.T) {
	pipe := newFakePipe(func(st *pipeline.State) *pipeline.State {
		st.AuditVerdict = types.VerdictPass
		st.FinalResponse = "ok"
		if strings.Contains(st.Message, "write numbers") {
			st.Artifacts = []string{"/outputs/numbers.txt"}
		}
		return st
	})
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c, guard := testCoordinator(t, pipe, store, notifier)

	require.NoError(t, c.Chain("u1", "chat-1", "write numbers 1..100 -> read {output} and assert sum == 5050"))

	require.Eventually(t, func() bool { return pipe.runCount() == 2 }, 3*time.Second, 5*time.Millisecond)

	pipe.mu.Lock()
	second := pipe.states[1].Message
	pipe.mu.Unlock()
	assert.Equal(t, "read /outputs/numbers.txt and assert sum == 5050", second)

	require.Eventually(t, func() bool {
		for _, text := range notifier.sentTexts() {
			if strings.Contains(text, "all 2 steps passed") {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return guard.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestChainHaltsOnFailedStep(t *testing.T) {
	pipe := newFakePipe(func(st *pipeline.State) *pipeline.State {
		st.AuditVerdict = types.VerdictFail
		st.FinalResponse = "step failed"
		return st
	})
	store := newFakeStore()
	notifier := &fakeNotifier{}
	c, _ := testCoordinator(t, pipe, store, notifier)

	require.NoError(t, c.Chain("u1", "chat-1", "raise ValueError -> print never"))

	require.Eventually(t, func() bool {
		for _, text := range notifier.sentTexts() {
			if strings.Contains(text, "halted at step 1/2 (1 skipped)") {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, pipe.runCount(), "second step never runs")
}
