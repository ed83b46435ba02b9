package constants

// Service-level paths outside the /api group.
const (
	PathHealth  = "/health"
	PathReady   = "/ready"
	PathMetrics = "/metrics"

	// PathCronTick is the callback the external scheduler invokes.
	PathCronTick = "/api/cron/tick"
	// PathEventStream is the WebSocket event stream of one environment.
	PathEventStream = "/ws/environments/:id"
)
