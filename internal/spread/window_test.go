package spread

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotDeterministicAndInRange(t *testing.T) {
	intervals := []int64{3600, 86_400, 7 * 86_400, 1}

	for _, interval := range intervals {
		for id := int64(1); id <= 200; id++ {
			url := fmt.Sprintf("https://rsshub.app/github/issue/%d", id)

			slot := Slot(url, id, "salt", interval)
			require.GreaterOrEqual(t, slot, int64(0))
			require.Less(t, slot, interval)
			require.Equal(t, slot, Slot(url, id, "salt", interval))
		}
	}
}

func TestSlotDependsOnSaltAndIdentity(t *testing.T) {
	const interval = 86_400

	base := Slot("https://example.com/feed", 7, "", interval)

	differs := 0
	for _, slot := range []int64{
		Slot("https://example.com/feed", 8, "", interval),
		Slot("https://example.com/other", 7, "", interval),
		Slot("https://example.com/feed", 7, "instance-b", interval),
	} {
		if slot != base {
			differs++
		}
	}

	assert.Positive(t, differs)
	assert.Equal(t, int64(0), Slot("https://example.com/feed", 7, "", 0))
}

func TestSlotMatchesCRC32OfJoinedIdentity(t *testing.T) {
	// crc32("a|1|") = 0x60dbe4eb
	assert.Equal(t, int64(0x60dbe4eb%86_400), Slot("a", 1, "", 86_400))
}

func TestWindowIndex(t *testing.T) {
	tests := []struct {
		name     string
		ts       int64
		slot     int64
		interval int64
		want     int64
	}{
		{name: "never", ts: 0, slot: 10, interval: 100, want: NeverWindow},
		{name: "negative timestamp", ts: -5, slot: 10, interval: 100, want: NeverWindow},
		{name: "at slot", ts: 10, slot: 10, interval: 100, want: 0},
		{name: "before slot", ts: 9, slot: 10, interval: 100, want: -1},
		{name: "end of window", ts: 109, slot: 10, interval: 100, want: 0},
		{name: "next window", ts: 110, slot: 10, interval: 100, want: 1},
		{name: "far past slot", ts: 1, slot: 250, interval: 100, want: -3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, WindowIndex(tc.ts, tc.slot, tc.interval))
		})
	}
}

func TestWindowIndexNonDecreasing(t *testing.T) {
	const interval = 3600

	for _, slot := range []int64{0, 1, 1799, 3599} {
		prev := WindowIndex(1, slot, interval)
		for now := int64(2); now < 5*interval; now += 37 {
			cur := WindowIndex(now, slot, interval)
			require.GreaterOrEqual(t, cur, prev, "slot %d now %d", slot, now)
			prev = cur
		}
	}
}

func TestShouldRunPrimaryOncePerWindow(t *testing.T) {
	const (
		interval = int64(86_400)
		slot     = int64(40_000)
	)

	windowStart := slot + 20_000*interval

	require.True(t, ShouldRunPrimary(0, windowStart+5, slot, interval))

	// primary recorded at windowStart+5
	lastUpdate := windowStart + 5
	for _, now := range []int64{lastUpdate, lastUpdate + 1, windowStart + interval - 1} {
		assert.False(t, ShouldRunPrimary(lastUpdate, now, slot, interval), "now %d", now)
	}

	assert.True(t, ShouldRunPrimary(lastUpdate, windowStart+interval, slot, interval))
}

func TestShouldRunPrimaryScenarios(t *testing.T) {
	const interval = int64(86_400)

	slot := Slot("https://rsshub.app/telegram/channel/x", 42, "", interval)
	now := slot + 19_000*interval + 60_000

	t.Run("never updated", func(t *testing.T) {
		assert.True(t, ShouldRunPrimary(0, now, slot, interval))
	})

	t.Run("same window", func(t *testing.T) {
		assert.False(t, ShouldRunPrimary(now-50_000, now, slot, interval))
	})

	t.Run("previous window within catch-up", func(t *testing.T) {
		// 90000s ago is always an earlier window for a one day interval
		assert.True(t, ShouldRunPrimary(now-90_000, now, slot, interval))
	})

	t.Run("catch-up", func(t *testing.T) {
		assert.True(t, ShouldRunPrimary(now-200_000, now, slot, interval))
	})
}

func TestNextRefreshTime(t *testing.T) {
	const (
		interval = int64(3600)
		slot     = int64(600)
	)

	now := slot + 100*interval + 1000

	assert.Equal(t, now, NextRefreshTime(0, now, slot, interval))
	assert.Equal(t, now, NextRefreshTime(now-2*interval, now, slot, interval))
	assert.Equal(t, now, NextRefreshTime(now-1500, now, slot, interval))
	assert.Equal(t, slot+101*interval, NextRefreshTime(now-500, now, slot, interval))
}

func TestFloorDiv(t *testing.T) {
	assert.Equal(t, int64(2), floorDiv(7, 3))
	assert.Equal(t, int64(-3), floorDiv(-7, 3))
	assert.Equal(t, int64(-2), floorDiv(-6, 3))
	assert.Equal(t, int64(0), floorDiv(0, 3))
}
