package models

import "time"

// JobStatus enumerates lifecycle states held in the registry.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusRetry     = "retry"
)

// IsTerminal reports whether a status permits no further automatic transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage identifiers for the fixed research pipeline.
const (
	StageInitialization       = "initialization"
	StageDocumentRetrieval    = "document_retrieval"
	StageWebResearch          = "web_research"
	StageCitationVerification = "citation_verification"
	StageComplianceCheck      = "compliance_check"
	StageReportGeneration     = "report_generation"
	StageFinalization         = "finalization"
)

// TotalStages is the length of the fixed pipeline.
const TotalStages = 7

// Stages returns the pipeline stages in execution order.
func Stages() []string {
	return []string{
		StageInitialization,
		StageDocumentRetrieval,
		StageWebResearch,
		StageCitationVerification,
		StageComplianceCheck,
		StageReportGeneration,
		StageFinalization,
	}
}

// Progress tracks how far a job has advanced through the pipeline.
type Progress struct {
	CurrentStage     string    `json:"current_stage"`
	StagesCompleted  []string  `json:"stages_completed"`
	CompletedStages  int       `json:"completed_stages"`
	TotalStages      int       `json:"total_stages"`
	Percentage       float64   `json:"percentage"`
	CurrentOperation string    `json:"current_operation"`
	LastUpdated      time.Time `json:"last_updated"`
}

// NewProgress returns a tracker positioned at the first stage with nothing done.
func NewProgress() *Progress {
	return &Progress{
		CurrentStage: StageInitialization,
		TotalStages:  TotalStages,
	}
}

// Update records entry into a stage. Each stage is counted once no matter how
// many sub-step updates it receives, so the percentage never regresses within
// a single execution.
func (p *Progress) Update(stage, operation string) {
	p.CurrentStage = stage
	p.CurrentOperation = operation
	seen := false
	for _, s := range p.StagesCompleted {
		if s == stage {
			seen = true
			break
		}
	}
	if !seen {
		p.StagesCompleted = append(p.StagesCompleted, stage)
		p.CompletedStages = len(p.StagesCompleted)
	}
	p.Percentage = float64(p.CompletedStages) / float64(p.TotalStages) * 100
	p.LastUpdated = time.Now().UTC()
}

func (p *Progress) clone() *Progress {
	if p == nil {
		return nil
	}
	cp := *p
	cp.StagesCompleted = append([]string(nil), p.StagesCompleted...)
	return &cp
}

// ExecutionRecord is one entry of a job's append-only stage history.
type ExecutionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail"`
}

// Job represents one tracked unit of asynchronous research work.
type Job struct {
	ID                    string            `json:"job_id"`
	Query                 string            `json:"query"`
	Status                string            `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	StartedAt             *time.Time        `json:"started_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	Progress              *Progress         `json:"progress"`
	Result                map[string]any    `json:"result,omitempty"`
	Error                 *string           `json:"error,omitempty"`
	RetryCount            int               `json:"retry_count"`
	MaxRetries            int               `json:"max_retries"`
	CancellationRequested bool              `json:"cancellation_requested"`
	IdempotencyKey        *string           `json:"idempotency_key,omitempty"`
	ExecutionHistory      []ExecutionRecord `json:"execution_history"`
}

// Clone returns a deep copy so callers never observe a job mid-mutation.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Progress = j.Progress.clone()
	cp.ExecutionHistory = append([]ExecutionRecord(nil), j.ExecutionHistory...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.IdempotencyKey != nil {
		k := *j.IdempotencyKey
		cp.IdempotencyKey = &k
	}
	if j.Result != nil {
		res := make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			res[k] = v
		}
		cp.Result = res
	}
	return &cp
}

// Audit entry types mirrored from the workflow log taxonomy.
const (
	AuditInfo    = "info"
	AuditWarning = "warning"
	AuditError   = "error"
	AuditSuccess = "success"
	AuditStatus  = "status"
	AuditAgent   = "agent"
	AuditTool    = "tool"
	AuditRag     = "rag"
)

// AuditEntry is one structured record in the per-session audit log.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SessionID string         `json:"session_id"`
}
