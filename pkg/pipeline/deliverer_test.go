package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golem-sh/golem/pkg/gateway"
	"github.com/golem-sh/golem/pkg/types"
)

type fakeRecorder struct {
	lessons []*types.ProjectMemoryRecord
	tasks   []*types.Task
}

func (f *fakeRecorder) AppendProjectMemory(rec *types.ProjectMemoryRecord) error {
	f.lessons = append(f.lessons, rec)
	return nil
}

func (f *fakeRecorder) ProjectLessons(project string, limit int) ([]*types.ProjectMemoryRecord, error) {
	var out []*types.ProjectMemoryRecord
	for _, l := range f.lessons {
		if l.Project == project {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRecorder) ListTasksByUser(userID string, limit int) ([]*types.Task, error) {
	var out []*types.Task
	for _, task := range f.tasks {
		if task.UserID == userID {
			out = append(out, task)
		}
	}
	return out, nil
}

func TestDeliverAttachesCodeOnPass(t *testing.T) {
	model := &fakeModel{responses: map[gateway.Purpose][]string{
		gateway.PurposeSummary: {"Summed the numbers."},
	}}
	p := testPipeline(t, model, &fakeRunner{result: okResult()})

	st := NewState("t1", "u1", "sum the numbers please", nil, "")
	st.TaskType = types.TaskTypeCode
	st.Code = "import math\nprint(sum([1, 2]))\nassert True"
	st.AuditVerdict = types.VerdictPass
	st.ExecutionResult = "Execution: SUCCESS (exit code 0)\nOutput:\n3"

	p.deliver(context.Background(), st)

	require.Len(t, st.Artifacts, 1)
	assert.Equal(t, "sum_the_numbers_please.py", filepath.Base(st.Artifacts[0]))
	content, err := os.ReadFile(st.Artifacts[0])
	require.NoError(t, err)
	assert.Equal(t, st.Code, string(content))
	assert.Contains(t, st.FinalResponse, "Attached: sum_the_numbers_please.py")
}

func TestDeliverNoCodeAttachmentOnFail(t *testing.T) {
	model := &fakeModel{responses: map[gateway.Purpose][]string{
		gateway.PurposeSummary: {"Could not finish."},
	}}
	p := testPipeline(t, model, &fakeRunner{result: okResult()})

	st := NewState("t2", "u1", "task", nil, "")
	st.TaskType = types.TaskTypeCode
	st.Code = "print('x')"
	st.AuditVerdict = types.VerdictFail
	st.RetryCount = 3

	p.deliver(context.Background(), st)
	assert.Empty(t, st.Artifacts)
}

func TestDeliverStripsArtifactsOnFail(t *testing.T) {
	model := &fakeModel{responses: map[gateway.Purpose][]string{
		gateway.PurposeSummary: {"The chart could not be produced."},
	}}
	p := testPipeline(t, model, &fakeRunner{result: okResult()})

	leftover := filepath.Join(t.TempDir(), "half_done.png")
	require.NoError(t, os.WriteFile(leftover, []byte("png"), 0644))

	st := NewState("t6", "u1", "chart the data", nil, "")
	st.TaskType = types.TaskTypeData
	st.AuditVerdict = types.VerdictFail
	st.RetryCount = 3
	st.Artifacts = []string{leftover}

	p.deliver(context.Background(), st)

	assert.Empty(t, st.Artifacts)
	assert.NotContains(t, st.FinalResponse, "half_done.png")
}

func TestDeliverRecordsProjectLesson(t *testing.T) {
	model := &fakeModel{responses: map[gateway.Purpose][]string{
		gateway.PurposeSummary: {"Report generated.", "Report failed."},
	}}
	rec := &fakeRecorder{}
	p := testPipeline(t, model, &fakeRunner{result: okResult()})
	p.rec = rec

	pass := NewState("t7", "u1", "weekly report", nil, "")
	pass.TaskType = types.TaskTypeProject
	pass.ProjectName = "reports"
	pass.AuditVerdict = types.VerdictPass
	pass.ExtractedParams = map[string]string{"client": "Kambi"}
	p.deliver(context.Background(), pass)

	fail := NewState("t8", "u1", "weekly report", nil, "")
	fail.TaskType = types.TaskTypeProject
	fail.ProjectName = "reports"
	fail.AuditVerdict = types.VerdictFail
	fail.AuditFeedback = "Wrong client name passed to the export command.\nUse the registered name."
	p.deliver(context.Background(), fail)

	require.Len(t, rec.lessons, 2)
	assert.Equal(t, "success", rec.lessons[0].Outcome)
	assert.Contains(t, rec.lessons[0].Lesson, "client: Kambi")
	assert.Equal(t, "failure", rec.lessons[1].Outcome)
	assert.Equal(t, "Wrong client name passed to the export command.", rec.lessons[1].Lesson)
}

func TestDeliverNoLessonForNonProjectTasks(t *testing.T) {
	model := &fakeModel{responses: map[gateway.Purpose][]string{
		gateway.PurposeSummary: {"Done."},
	}}
	rec := &fakeRecorder{}
	p := testPipeline(t, model, &fakeRunner{result: okResult()})
	p.rec = rec

	st := NewState("t9", "u1", "sum numbers", nil, "")
	st.TaskType = types.TaskTypeCode
	st.AuditVerdict = types.VerdictPass
	p.deliver(context.Background(), st)

	assert.Empty(t, rec.lessons)
}

func TestFollowUpSuggestion(t *testing.T) {
	now := time.Now()
	history := func(pairs ...[2]types.TaskType) []*types.Task {
		var tasks []*types.Task
		at := now.Add(-24 * time.Hour)
		for _, pair := range pairs {
			tasks = append(tasks,
				&types.Task{UserID: "u1", Type: pair[0], CreatedAt: at},
				&types.Task{UserID: "u1", Type: pair[1], CreatedAt: at.Add(10 * time.Minute)},
			)
			at = at.Add(2 * time.Hour)
		}
		// Newest first, as the store returns them.
		for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
			tasks[i], tasks[j] = tasks[j], tasks[i]
		}
		return tasks
	}

	t.Run("repeated pattern suggests follow-up", func(t *testing.T) {
		rec := &fakeRecorder{tasks: history(
			[2]types.TaskType{types.TaskTypeData, types.TaskTypeFrontend},
			[2]types.TaskType{types.TaskTypeData, types.TaskTypeFrontend},
		)}
		p := testPipeline(t, &fakeModel{}, &fakeRunner{result: okResult()})
		p.rec = rec

		st := NewState("t10", "u1", "analyse sales", nil, "")
		st.TaskType = types.TaskTypeData
		got := p.followUpSuggestion(st)
		assert.Contains(t, got, "frontend")
	})

	t.Run("single occurrence stays quiet", func(t *testing.T) {
		rec := &fakeRecorder{tasks: history(
			[2]types.TaskType{types.TaskTypeData, types.TaskTypeFrontend},
			[2]types.TaskType{types.TaskTypeCode, types.TaskTypeCode},
		)}
		p := testPipeline(t, &fakeModel{}, &fakeRunner{result: okResult()})
		p.rec = rec

		st := NewState("t11", "u1", "analyse sales", nil, "")
		st.TaskType = types.TaskTypeData
		assert.Empty(t, p.followUpSuggestion(st))
	})

	t.Run("no recorder stays quiet", func(t *testing.T) {
		p := testPipeline(t, &fakeModel{}, &fakeRunner{result: okResult()})
		st := NewState("t12", "u1", "analyse sales", nil, "")
		st.TaskType = types.TaskTypeData
		assert.Empty(t, p.followUpSuggestion(st))
	})
}

func TestWriteSidecar(t *testing.T) {
	p := testPipeline(t, &fakeModel{}, &fakeRunner{result: okResult()})

	st := NewState("task-1234-abcd", "u1", "analyse "+p.cfg.HomeDir+"/sales.csv", nil, "")
	st.TaskType = types.TaskTypeData
	st.AuditVerdict = types.VerdictPass
	st.RetryCount = 1
	st.StageTimings = map[string]time.Duration{
		"classifying": 100 * time.Millisecond,
		"planning":    2 * time.Second,
		"executing":   5 * time.Second,
		"auditing":    1 * time.Second,
		"delivering":  500 * time.Millisecond,
	}

	p.writeSidecar(st)

	data, err := os.ReadFile(filepath.Join(p.cfg.OutputsDir, "task-1234-abcd.debug.json"))
	require.NoError(t, err)

	var side types.DebugSidecar
	require.NoError(t, json.Unmarshal(data, &side))
	assert.Equal(t, "task-1234-abcd", side.TaskID)
	assert.Equal(t, "analyse ~/sales.csv", side.Message, "home path sanitised")
	assert.Equal(t, "data", side.TaskType)
	assert.Equal(t, "pass", side.Verdict)
	assert.Equal(t, 1, side.RetryCount)
	require.Len(t, side.Stages, 5)
	assert.Equal(t, "classifying", side.Stages[0].Name)
	assert.Equal(t, int64(8600), side.TotalDurationMS)
}

func TestDeliverCodeArtifactNamesAreUnique(t *testing.T) {
	model := &fakeModel{responses: map[gateway.Purpose][]string{
		gateway.PurposeSummary: {"Done."},
	}}
	p := testPipeline(t, model, &fakeRunner{result: okResult()})

	first := NewState("t3", "u1", "make a script", nil, "")
	first.TaskType = types.TaskTypeCode
	first.Code = "print(1)"
	first.AuditVerdict = types.VerdictPass
	p.deliver(context.Background(), first)

	second := NewState("t4", "u1", "make a script", nil, "")
	second.TaskType = types.TaskTypeCode
	second.Code = "print(2)"
	second.AuditVerdict = types.VerdictPass
	p.deliver(context.Background(), second)

	require.Len(t, first.Artifacts, 1)
	require.Len(t, second.Artifacts, 1)
	assert.NotEqual(t, first.Artifacts[0], second.Artifacts[0])
	assert.Equal(t, "make_a_script_1.py", filepath.Base(second.Artifacts[0]))
}

func TestDeliverFallbackOnSummaryFailure(t *testing.T) {
	model := &fakeModel{errs: map[gateway.Purpose]error{
		gateway.PurposeSummary: assert.AnError,
	}}
	p := testPipeline(t, model, &fakeRunner{result: okResult()})

	st := NewState("t5", "u1", "run the report", nil, "")
	st.TaskType = types.TaskTypeProject
	st.ProjectName = "reports"
	st.AuditVerdict = types.VerdictPass
	st.ExecutionResult = "Execution: SUCCESS (exit code 0)\nOutput:\nwrote 3 rows"

	p.deliver(context.Background(), st)

	assert.Contains(t, st.FinalResponse, "Project 'reports' executed successfully.")
	assert.Contains(t, st.FinalResponse, "wrote 3 rows")
}

func TestExtractOutput(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{"empty", "", "(no output)"},
		{
			"output section isolated",
			"Execution: SUCCESS (exit code 0)\nOutput:\nline one\nline two\nStderr:\nnoise",
			"line one\nline two",
		},
		{
			"stops at files created",
			"Execution: SUCCESS (exit code 0)\nOutput:\nhello\nFiles created: a.csv",
			"hello",
		},
		{
			"empty output section",
			"Execution: SUCCESS (exit code 0)\nOutput:\nStderr:\nnoise",
			"(no output)",
		},
		{"no output marker passes through", "plain failure text", "plain failure text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractOutput(tt.result))
		})
	}
}

func TestDescribeCode(t *testing.T) {
	code := `import pandas as pd
from pathlib import Path

def load(path):
    return pd.read_csv(path)

def check(df):
    assert len(df) > 0
    assert "amount" in df.columns

print("ALL ASSERTIONS PASSED")`

	got := describeCode(code)
	assert.Contains(t, got, "Uses: pandas, pathlib")
	assert.Contains(t, got, "lines of Python")
	assert.Contains(t, got, "2 functions defined")
	assert.Contains(t, got, "2 assertions")
}
