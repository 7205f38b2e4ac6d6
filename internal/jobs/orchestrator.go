package jobs

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/roster/internal/domain/assignment"
)

// Orchestrator is the assignment service's view of the job chain. Imports
// and queued processing go through the scheduler; TriggerProcessing runs
// in the caller.
type Orchestrator struct {
	sched Scheduler
	h     *Handlers
}

func NewOrchestrator(sched Scheduler, h *Handlers) *Orchestrator {
	return &Orchestrator{sched: sched, h: h}
}

func (o *Orchestrator) StartImport(ctx context.Context, batchID uuid.UUID) error {
	return o.sched.Enqueue(ctx, TypeImport, Payload{BatchID: batchID})
}

func (o *Orchestrator) ScheduleProcess(ctx context.Context, batchID uuid.UUID) error {
	return o.sched.Enqueue(ctx, TypeProcess, Payload{BatchID: batchID})
}

func (o *Orchestrator) Process(ctx context.Context, batchID uuid.UUID) (*assignment.ProcessOutcome, error) {
	res, err := o.h.Process(ctx, Payload{BatchID: batchID})
	if err != nil {
		return nil, err
	}
	return &assignment.ProcessOutcome{
		BatchID:                 res.BatchID,
		Processed:               res.Processed,
		Skipped:                 res.Skipped,
		Errors:                  res.Errors,
		Message:                 res.Message,
		CreatedPatients:         res.CreatedPatients,
		CreatedEmployees:        res.CreatedEmployees,
		CreatedHospitalizations: res.CreatedHospitalizations,
	}, nil
}
