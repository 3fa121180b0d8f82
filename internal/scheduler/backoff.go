package scheduler

import (
	"math/rand"

	"watchtower/internal/config"
)

// backoffSeconds computes the next retry delay: exponential from
// retry_min_ms, doubled per attempt, capped at retry_max_ms, tightened
// to expiry_soon_retry_max_ms once the row is within expiry_soon_window_seconds
// of its deadline. A uniform jitter of up to half the computed delay avoids
// every retry-scheduled row waking up in lockstep.
func backoffSeconds(attempts int, now int64, expiresAt *int64, cfg config.SchedulerConfig) int64 {
	capMS := cfg.RetryMaxMS
	if expiresAt != nil && *expiresAt-now <= cfg.ExpirySoonWindowSec {
		capMS = cfg.ExpirySoonRetryMaxMS
	}

	delayMS := cfg.RetryMinMS
	for i := 0; i < attempts && delayMS < capMS; i++ {
		delayMS *= 2
	}
	if delayMS > capMS {
		delayMS = capMS
	}
	if delayMS < 0 {
		delayMS = capMS
	}

	jitterMS := int64(0)
	if delayMS > 0 {
		jitterMS = rand.Int63n(delayMS/2 + 1)
	}
	totalMS := delayMS + jitterMS

	delaySec := totalMS / 1000
	if totalMS%1000 != 0 {
		delaySec++
	}
	if delaySec < 1 {
		delaySec = 1
	}
	return delaySec
}
