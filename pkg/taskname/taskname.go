package taskname

const (
	// Sweeper tasks
	OrderExpireSweep    = "order:expire:sweep"
	OrderReconcileSweep = "order:reconcile:sweep"

	// Availability projection
	AvailabilityRebuild = "availability:rebuild"

	// Notification events emitted on terminal order transitions
	OrderCompletedEvent = "order:completed:event"
	OrderFailedEvent    = "order:failed:event"
)
