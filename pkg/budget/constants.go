package budget

const (
	OperationBreak           = "break"
	OperationPlace           = "place"
	OperationAreaDestruction = "area_destruction"
	OperationReplenish       = "replenish"

	OperationStatusOK    = "ok"
	OperationStatusError = "error"
)
