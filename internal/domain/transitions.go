package domain

// reportable lists, for each target status a lease holder may report, the statuses it may
// be reported from. Sweeper, cancel, replay and dependency propagation transitions have
// their own conditional updates in the store.
var reportable = map[Status][]Status{
	StatusRunning:    {StatusClaimed},
	StatusCompleted:  {StatusClaimed, StatusRunning},
	StatusPending:    {StatusClaimed, StatusRunning},
	StatusDeadLetter: {StatusClaimed, StatusRunning},
	StatusCancelled:  {StatusClaimed, StatusRunning},
}

// ReportableFrom returns the statuses a lease holder may move an instance out of to reach to.
// It returns nil when to cannot be reported by a lease holder.
func ReportableFrom(to Status) []Status {
	return reportable[to]
}
