package httpx

import (
	"time"

	"ordersaga/internal/saga"
)

type SagaResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	State     saga.State     `json:"state"`
	OrderID   string         `json:"orderId"`
	StepSeq   int            `json:"stepSeq"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Steps     []StepResponse `json:"steps"`
}

type StepResponse struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	AggregateID       string          `json:"aggregateId,omitempty"`
	AggregateType     string          `json:"aggregateType,omitempty"`
	Type              saga.StepType   `json:"type"`
	Status            saga.StepStatus `json:"status"`
	ExecutionOrder    int             `json:"executionOrder"`
	CompensatesStepID string          `json:"compensatesStepId,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	EndedAt           *time.Time      `json:"endedAt,omitempty"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func mapSaga(inst saga.Instance, steps []saga.Step) SagaResponse {
	out := SagaResponse{
		ID:        inst.ID,
		Type:      inst.Type,
		State:     inst.State,
		OrderID:   inst.OrderID,
		StepSeq:   inst.StepSeq,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
		Steps:     make([]StepResponse, len(steps)),
	}
	for i, step := range steps {
		out.Steps[i] = StepResponse{
			ID:                step.ID,
			Name:              step.Name,
			AggregateID:       step.AggregateID,
			AggregateType:     step.AggregateType,
			Type:              step.Type,
			Status:            step.Status,
			ExecutionOrder:    step.ExecutionOrder,
			CompensatesStepID: step.CompensatesStepID,
			StartedAt:         step.StartedAt,
			EndedAt:           step.EndedAt,
		}
	}
	return out
}
