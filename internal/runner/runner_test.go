package runner

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"research-job-service/internal/audit"
	"research-job-service/internal/config"
	"research-job-service/internal/export"
	"research-job-service/internal/models"
	"research-job-service/internal/registry"
	"research-job-service/internal/workflow"
)

func testConfig(pacing time.Duration) config.Config {
	return config.Config{
		StagePacing:    pacing,
		BackoffInitial: time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
	}
}

func okWorkflow() workflow.Workflow {
	return workflow.Func(func(_ context.Context, query string) (*workflow.Result, error) {
		return &workflow.Result{Success: true, Query: query, Report: "# Report\n"}, nil
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestExecuteAllStagesSucceed(t *testing.T) {
	reg := registry.New(3)
	sink := audit.NewSink(t.TempDir(), zap.NewNop())
	exporter := export.NewLocal(t.TempDir())
	run := New(testConfig(0), reg, sink, okWorkflow(), exporter, zap.NewNop())

	job, _ := reg.Create("history of the internet", "")
	if err := run.Execute(context.Background(), job.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := reg.Get(job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Progress.Percentage != 100 {
		t.Fatalf("expected 100%%, got %f", got.Progress.Percentage)
	}
	if got.Error != nil {
		t.Fatalf("expected nil error, got %q", *got.Error)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected both timestamps set")
	}

	stages := models.Stages()
	if len(got.ExecutionHistory) != len(stages) {
		t.Fatalf("expected %d history entries, got %d", len(stages), len(got.ExecutionHistory))
	}
	for i, rec := range got.ExecutionHistory {
		if rec.Stage != stages[i] {
			t.Fatalf("history out of order at %d: expected %s, got %s", i, stages[i], rec.Stage)
		}
		if !rec.Success {
			t.Fatalf("stage %s recorded as failed", rec.Stage)
		}
	}

	if got.Result == nil || got.Result["report"] != "# Report\n" {
		t.Fatalf("expected report in result, got %v", got.Result)
	}
	path, ok := got.Result["export_path"].(string)
	if !ok {
		t.Fatalf("expected export_path in result")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("exported report missing: %v", err)
	}

	if sink.Count(job.ID) == 0 {
		t.Fatalf("expected audit entries for the job session")
	}
	if _, err := os.Stat(sink.Path(job.ID)); err != nil {
		t.Fatalf("audit file missing: %v", err)
	}
}

func TestExecuteObservesCancellation(t *testing.T) {
	reg := registry.New(3)
	wfCalled := false
	wf := workflow.Func(func(_ context.Context, query string) (*workflow.Result, error) {
		wfCalled = true
		return &workflow.Result{Success: true, Query: query}, nil
	})
	run := New(testConfig(20*time.Millisecond), reg, nil, wf, nil, zap.NewNop())

	job, _ := reg.Create("cancelled mid flight", "")
	done := make(chan error, 1)
	go func() { done <- run.Execute(context.Background(), job.ID) }()

	waitFor(t, 5*time.Second, func() bool {
		got, err := reg.Get(job.ID)
		return err == nil && got.Progress.CurrentStage == models.StageDocumentRetrieval
	})
	if !reg.RequestCancel(job.ID) {
		t.Fatalf("cancel request rejected for running job")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancelled execution returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop after cancellation")
	}

	got, _ := reg.Get(job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at on cancellation")
	}
	if len(got.ExecutionHistory) > 2 {
		t.Fatalf("expected at most 2 history entries, got %d", len(got.ExecutionHistory))
	}
	if wfCalled {
		t.Fatalf("research workflow must not run after cancellation")
	}
}

func TestExecuteRetriesThenFailsTerminally(t *testing.T) {
	reg := registry.New(2)
	run := New(testConfig(0), reg, nil, okWorkflow(), nil, zap.NewNop())
	run.RegisterHandler(models.StageWebResearch, func(context.Context, *models.Job) (StageResult, error) {
		return StageResult{}, errors.New("web search down")
	})

	job, _ := reg.Create("flaky", "")
	err := run.Execute(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("expected terminal failure")
	}
	if !strings.Contains(err.Error(), "web search down") {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := reg.Get(job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retry_count 2, got %d", got.RetryCount)
	}
	if got.Error == nil || !strings.Contains(*got.Error, "web search down") {
		t.Fatalf("expected error recorded on job")
	}
	if got.Result != nil {
		t.Fatalf("failed job must not carry a result")
	}

	// Three attempts, each recording initialization, document retrieval and
	// the failed web research stage.
	if len(got.ExecutionHistory) != 9 {
		t.Fatalf("expected 9 history entries, got %d", len(got.ExecutionHistory))
	}
	last := got.ExecutionHistory[len(got.ExecutionHistory)-1]
	if last.Stage != models.StageWebResearch || last.Success {
		t.Fatalf("expected trailing failed web research record, got %+v", last)
	}
}

func TestCollaboratorFailureIsStageFailure(t *testing.T) {
	reg := registry.New(1)
	wf := workflow.Func(func(context.Context, string) (*workflow.Result, error) {
		return &workflow.Result{Success: false, Error: "llm quota exceeded"}, nil
	})
	run := New(testConfig(0), reg, nil, wf, nil, zap.NewNop())

	job, _ := reg.Create("quota", "")
	err := run.Execute(context.Background(), job.ID)
	if err == nil {
		t.Fatalf("expected failure")
	}
	var collabErr *CollaboratorError
	if !errors.As(err, &collabErr) {
		t.Fatalf("expected CollaboratorError, got %T: %v", err, err)
	}

	got, _ := reg.Get(job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	failedReports := 0
	for _, rec := range got.ExecutionHistory {
		if rec.Stage == models.StageReportGeneration && !rec.Success {
			failedReports++
		}
	}
	if failedReports != 2 {
		t.Fatalf("expected 2 failed report generation records, got %d", failedReports)
	}
}

func TestExecuteRejectsDoubleSchedule(t *testing.T) {
	reg := registry.New(3)
	run := New(testConfig(0), reg, nil, okWorkflow(), nil, zap.NewNop())

	job, _ := reg.Create("busy", "")
	if err := reg.Claim(job.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := run.Execute(context.Background(), job.ID)
	if !errors.Is(err, registry.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	if b := backoffWithJitter(base, max, 0); b != base {
		t.Fatalf("attempt 0 should return base, got %s", b)
	}

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 > max {
		t.Fatalf("backoff exceeded max: %s", b10)
	}
}
