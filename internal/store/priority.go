package store

import "time"

// Priority ranks used for queue head selection (§4.3 "Priority order and ETA").
const (
	PriorityInteractive = "interactive"
	PriorityNormal      = "normal"
	PriorityBackground  = "background"
)

// priorityRank maps a priority label to its queue ordering rank (lower
// claims first). Unknown priorities normalize to normal.
func priorityRank(p string) int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityBackground:
		return 2
	default:
		return 1
	}
}

// NormalizePriority maps an unknown priority to normal, per §4.3.
func NormalizePriority(p string) string {
	switch p {
	case PriorityInteractive, PriorityNormal, PriorityBackground:
		return p
	default:
		return PriorityNormal
	}
}

// slotMs is the advertised SLA slot duration used for ETA computation.
func slotMs(priority string) int64 {
	switch priority {
	case PriorityInteractive:
		return 20_000
	case PriorityBackground:
		return 240_000
	default:
		return 90_000
	}
}

// ETAMillis returns the advertised ETA in milliseconds for a request/job at
// 1-indexed queue position p (§4.3). These are advisory SLAs, not enforced
// deadlines.
func ETAMillis(priority string, position int) int64 {
	if position <= 1 {
		return 0
	}
	return slotMs(priority) * int64(position-1)
}

// defaultQueueWaitBudgetMs returns the default per-priority SLA budget,
// floored at 1000ms per §4.3.
func defaultQueueWaitBudgetMs(priority string) int64 {
	return slotMs(priority)
}

// NormalizeQueueWaitBudgetMs applies the default-if-zero and 1000ms floor
// rule from §4.3.
func NormalizeQueueWaitBudgetMs(priority string, budgetMs int64) int64 {
	if budgetMs <= 0 {
		budgetMs = defaultQueueWaitBudgetMs(priority)
	}
	if budgetMs < 1000 {
		budgetMs = 1000
	}
	return budgetMs
}

// durationMsSince computes max(0, terminalAt - enqueuedAt) in milliseconds,
// the invariant used by every terminal transition (§8 invariant 4).
func durationMsSince(enqueuedAt, terminalAt time.Time) int64 {
	d := terminalAt.Sub(enqueuedAt).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}
