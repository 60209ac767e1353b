package budget

import "context"

// OperationLogger records domain-level events emitted by gate and scheduler operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a gated action or a budget mutation.
type OperationLog struct {
	Operation   string
	EntityID    EntityID
	Material    Material
	Zone        Zone
	Decision    Decision
	PointsAfter Points
	Status      string
	Error       error
}

// Resolved fills Status from Error when the caller left it empty.
func (entry OperationLog) Resolved() OperationLog {
	if entry.Status != "" {
		return entry
	}
	if entry.Error != nil {
		entry.Status = OperationStatusError
	} else {
		entry.Status = OperationStatusOK
	}
	return entry
}
