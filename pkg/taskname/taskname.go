package taskname

const (
	// Settlement tasks
	SettlementRun = "settlement:run"
)
