package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPerformanceRecalculate runs one tracked batch recalculation job.
	TaskPerformanceRecalculate = "performance:recalculate"
	// TaskPerformanceSmartYearly triggers the nightly smart yearly recalculation.
	TaskPerformanceSmartYearly = "performance:smart-yearly"
	// TaskPerformanceReconcile fails stale jobs and re-dispatches pending ones.
	TaskPerformanceReconcile = "performance:reconcile"
)

// RecalculatePayload identifies the tracked job a task executes.
type RecalculatePayload struct {
	JobID string `json:"job_id"`
}

// NewRecalculateTask constructs the task for a tracked job. The job id doubles as the
// asynq task id so a job is never queued twice.
func NewRecalculateTask(jobID uuid.UUID) (*asynq.Task, error) {
	body, err := json.Marshal(RecalculatePayload{JobID: jobID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPerformanceRecalculate, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(jobID.String()),
		asynq.MaxRetry(3),
	), nil
}

// SmartYearlyPayload optionally pins the year; zero means the current year.
type SmartYearlyPayload struct {
	Year int `json:"year,omitempty"`
}

// NewSmartYearlyTask constructs the cron task for smart yearly recalculation.
func NewSmartYearlyTask(year int) (*asynq.Task, error) {
	body, err := json.Marshal(SmartYearlyPayload{Year: year})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPerformanceSmartYearly, body, asynq.Queue(QueueDefault)), nil
}

// NewReconcileTask constructs the cron task for stale job reconciliation.
func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TaskPerformanceReconcile, nil, asynq.Queue(QueueDefault))
}
