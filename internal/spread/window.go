package spread

const (
	// NeverWindow is the window index of a feed that was never fetched. It sorts before
	// every real window.
	NeverWindow int64 = -1_000_000_000

	// CatchUpFactor is the number of intervals after which a feed is refreshed regardless
	// of its slot.
	CatchUpFactor int64 = 2

	// PruneFactor is the number of intervals after which a pending follow-up is considered
	// orphaned and dropped at load.
	PruneFactor int64 = 2
)

// WindowIndex returns floor((ts - slot) / interval). Non-positive timestamps map to
// NeverWindow.
func WindowIndex(ts, slot, interval int64) int64 {
	if ts <= 0 {
		return NeverWindow
	}

	if interval <= 0 {
		interval = 1
	}

	return floorDiv(ts-slot, interval)
}

// ShouldRunPrimary reports whether a feed last updated at lastUpdate is due at now.
func ShouldRunPrimary(lastUpdate, now, slot, interval int64) bool {
	if lastUpdate == 0 {
		return true
	}

	if now-lastUpdate >= CatchUpFactor*interval {
		return true
	}

	return WindowIndex(now, slot, interval) > WindowIndex(lastUpdate, slot, interval)
}

// NextRefreshTime returns when a feed's next primary refresh is expected: now when it is
// already due, otherwise the start of the next window.
func NextRefreshTime(lastUpdate, now, slot, interval int64) int64 {
	if ShouldRunPrimary(lastUpdate, now, slot, interval) {
		return now
	}

	return slot + (WindowIndex(now, slot, interval)+1)*interval
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}

	return q
}
