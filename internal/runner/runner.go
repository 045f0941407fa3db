package runner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"research-job-service/internal/audit"
	"research-job-service/internal/config"
	"research-job-service/internal/export"
	"research-job-service/internal/models"
	"research-job-service/internal/registry"
	"research-job-service/internal/telemetry"
	"research-job-service/internal/workflow"
)

// subSteps is the number of paced progress updates within each stage.
const subSteps = 5

// Relative stage durations; multiplied by the configured pacing unit. The
// pacing stands in for per-stage work signals from the underlying
// collaborators and gives the monitoring surface observable granularity.
var stageWeights = map[string]int{
	models.StageInitialization:       2,
	models.StageDocumentRetrieval:    3,
	models.StageWebResearch:          4,
	models.StageCitationVerification: 2,
	models.StageComplianceCheck:      2,
	models.StageReportGeneration:     3,
	models.StageFinalization:         1,
}

var stageOperations = map[string]string{
	models.StageInitialization:       "Initializing research agent and loading configurations",
	models.StageDocumentRetrieval:    "Searching document database using RAG",
	models.StageWebResearch:          "Conducting web research for current information",
	models.StageCitationVerification: "Verifying and formatting citations",
	models.StageComplianceCheck:      "Running PII scan and compliance checks",
	models.StageReportGeneration:     "Generating comprehensive research report",
	models.StageFinalization:         "Finalizing report and cleanup",
}

// StageResult is what a stage handler reports back to the runner.
type StageResult struct {
	Detail string
	// Output, when set, becomes the job result on completion.
	Output map[string]any
}

// Handler performs the work for a single pipeline stage.
type Handler func(ctx context.Context, job *models.Job) (StageResult, error)

// StageError reports a failure raised while executing a pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// CollaboratorError reports a failure returned by the research workflow
// itself. It is handled identically to a stage failure.
type CollaboratorError struct {
	Reason string
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("research workflow failed: %s", e.Reason)
}

// Runner drives one job at a time through the fixed 7-stage pipeline,
// re-checking the cancellation flag between paced sub-steps and at stage
// boundaries, and retrying failed executions with bounded backoff.
type Runner struct {
	cfg      config.Config
	reg      *registry.Registry
	sink     *audit.Sink
	wf       workflow.Workflow
	exporter export.Uploader
	log      *zap.Logger
	handlers map[string]Handler
}

// New constructs a runner. exporter may be nil to skip report export.
func New(cfg config.Config, reg *registry.Registry, sink *audit.Sink, wf workflow.Workflow, exporter export.Uploader, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{
		cfg:      cfg,
		reg:      reg,
		sink:     sink,
		wf:       wf,
		exporter: exporter,
		log:      log,
	}
	r.handlers = map[string]Handler{
		models.StageInitialization:       placeholderHandler("Agent initialized successfully"),
		models.StageDocumentRetrieval:    placeholderHandler("Documents retrieved from vector database"),
		models.StageWebResearch:          placeholderHandler("Web research completed"),
		models.StageCitationVerification: placeholderHandler("Citations verified and formatted"),
		models.StageComplianceCheck:      placeholderHandler("Compliance check passed"),
		models.StageReportGeneration:     r.handleReportGeneration,
		models.StageFinalization:         placeholderHandler("Job finalized"),
	}
	return r
}

// RegisterHandler replaces the handler for a stage. Intended for wiring real
// collaborator-backed stage work in place of the placeholders.
func (r *Runner) RegisterHandler(stage string, h Handler) {
	if stage == "" || h == nil {
		return
	}
	r.handlers[stage] = h
}

// Execute claims the job and runs the pipeline to a terminal state, waiting
// out the retry backoff between failed attempts. It returns an error for
// claim conflicts and terminal failures; cancellation is a normal return.
func (r *Runner) Execute(ctx context.Context, jobID string) error {
	for {
		if err := r.reg.Claim(jobID); err != nil {
			return err
		}
		telemetry.JobsRunning.Inc()
		r.auditLog(jobID, models.AuditStatus, "Status changed to: running")

		cancelled, result, err := r.runPipeline(ctx, jobID)
		telemetry.JobsRunning.Dec()

		switch {
		case cancelled:
			r.reg.UpdateStatus(jobID, models.StatusCancelled)
			telemetry.JobsCancelled.Inc()
			r.auditLog(jobID, models.AuditStatus, "Status changed to: cancelled")
			r.log.Info("job cancelled", zap.String("job_id", jobID))
			return nil

		case err == nil:
			r.exportReport(ctx, jobID, result)
			r.reg.MarkCompleted(jobID, result)
			telemetry.JobsCompleted.Inc()
			r.auditLog(jobID, models.AuditSuccess, "All stages completed successfully")
			r.log.Info("job completed", zap.String("job_id", jobID))
			return nil
		}

		r.reg.MarkFailed(jobID, err.Error(), true)
		job, gerr := r.reg.Get(jobID)
		if gerr != nil {
			return err
		}
		if job.Status != models.StatusRetry {
			telemetry.JobsFailed.Inc()
			r.auditLog(jobID, models.AuditError, fmt.Sprintf("Job failed permanently: %v", err))
			r.log.Error("job failed", zap.String("job_id", jobID), zap.Int("retry_count", job.RetryCount), zap.Error(err))
			return err
		}

		telemetry.JobsRetried.Inc()
		wait := backoffWithJitter(r.cfg.BackoffInitial, r.cfg.BackoffMax, job.RetryCount)
		r.auditLog(jobID, models.AuditWarning, fmt.Sprintf("Retry %d/%d scheduled in %s: %v", job.RetryCount, job.MaxRetries, wait.Round(time.Millisecond), err))
		r.log.Warn("job retry scheduled",
			zap.String("job_id", jobID),
			zap.Int("retry_count", job.RetryCount),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runPipeline walks the stages in order. It returns cancelled=true when the
// cancellation flag was observed at a checkpoint, or the stage error that
// aborted the pipeline.
func (r *Runner) runPipeline(ctx context.Context, jobID string) (bool, map[string]any, error) {
	job, err := r.reg.Get(jobID)
	if err != nil {
		return false, nil, err
	}

	var result map[string]any
	for i, stage := range models.Stages() {
		if err := r.paceStage(ctx, jobID, stage, stageOperations[stage]); err != nil {
			return false, nil, err
		}
		if r.reg.IsCancelRequested(jobID) {
			return true, nil, nil
		}

		res, err := r.handlers[stage](ctx, job)
		if err != nil {
			r.reg.AppendExecutionRecord(jobID, stage, false, err.Error())
			r.auditLog(jobID, models.AuditError, fmt.Sprintf("Stage %d/%d failed: %s: %v", i+1, models.TotalStages, stage, err))
			return false, nil, err
		}
		if res.Output != nil {
			result = res.Output
		}
		r.reg.AppendExecutionRecord(jobID, stage, true, res.Detail)
		r.auditLog(jobID, models.AuditInfo, fmt.Sprintf("Stage %d/%d completed: %s", i+1, models.TotalStages, stage))
	}
	return false, result, nil
}

// paceStage updates progress for the stage and sleeps through its sub-steps,
// emitting an updated operation string per sub-step. It returns early without
// error once the cancellation flag is observed; the caller handles the flag at
// the stage boundary.
func (r *Runner) paceStage(ctx context.Context, jobID, stage, operation string) error {
	r.reg.UpdateProgress(jobID, stage, operation)

	total := time.Duration(stageWeights[stage]) * r.cfg.StagePacing
	step := total / subSteps
	for i := 1; i <= subSteps; i++ {
		if step > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(step):
			}
		}
		if r.reg.IsCancelRequested(jobID) {
			return nil
		}
		r.reg.UpdateProgress(jobID, stage, fmt.Sprintf("%s (%d%%)", operation, i*100/subSteps))
	}
	return nil
}

// handleReportGeneration invokes the external research workflow synchronously.
// Cancellation never interrupts this call; the flag takes effect at the next
// checkpoint.
func (r *Runner) handleReportGeneration(ctx context.Context, job *models.Job) (StageResult, error) {
	res, err := r.wf.Run(ctx, job.Query)
	if err != nil {
		return StageResult{}, &StageError{Stage: models.StageReportGeneration, Err: err}
	}
	if !res.Success {
		return StageResult{}, &CollaboratorError{Reason: res.Error}
	}
	return StageResult{
		Detail: "Report generated successfully",
		Output: res.ToMap(),
	}, nil
}

// exportReport writes the finished report through the configured uploader.
// Export problems are logged and do not fail the job.
func (r *Runner) exportReport(ctx context.Context, jobID string, result map[string]any) {
	if r.exporter == nil || result == nil {
		return
	}
	report, ok := result["report"].(string)
	if !ok || report == "" {
		return
	}
	location, err := r.exporter.Upload(ctx, export.ReportKey(jobID), []byte(report), "text/markdown")
	if err != nil {
		r.log.Warn("export report", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	result["export_path"] = location
	r.auditLog(jobID, models.AuditInfo, fmt.Sprintf("Report exported to %s", location))
}

func (r *Runner) auditLog(jobID, entryType, message string) {
	if r.sink == nil {
		return
	}
	r.sink.Write(jobID, models.AuditEntry{Type: entryType, Message: message})
}

func placeholderHandler(detail string) Handler {
	return func(context.Context, *models.Job) (StageResult, error) {
		return StageResult{Detail: detail}, nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(half)))
	return half + jitter
}
