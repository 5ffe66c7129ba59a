package spread

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

type memStore struct {
	ints    map[string]int64
	strs    map[string]string
	intMaps map[string]map[int64]int64
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{
		ints:    map[string]int64{},
		strs:    map[string]string{},
		intMaps: map[string]map[int64]int64{},
	}
}

func (m *memStore) HasKey(key string) bool {
	_, okInt := m.ints[key]
	_, okStr := m.strs[key]
	_, okMap := m.intMaps[key]

	return okInt || okStr || okMap
}

func (m *memStore) Int(key string) (int64, bool) {
	v, ok := m.ints[key]

	return v, ok
}

func (m *memStore) String(key string) (string, bool) {
	v, ok := m.strs[key]

	return v, ok
}

func (m *memStore) IntMap(key string) (map[int64]int64, bool) {
	v, ok := m.intMaps[key]

	return maps.Clone(v), ok
}

func (m *memStore) SetInt(key string, value int64)     { m.ints[key] = value }
func (m *memStore) SetString(key string, value string) { m.strs[key] = value }

func (m *memStore) SetIntMap(key string, value map[int64]int64) {
	m.intMaps[key] = maps.Clone(value)
}

func (m *memStore) Save(context.Context) error {
	if m.saveErr != nil {
		return m.saveErr
	}

	m.saves++

	return nil
}

type fakeFeed struct {
	id         int64
	url        string
	name       string
	lastUpdate int64
	mode       RefreshMode
}

func (f *fakeFeed) ID() int64              { return f.id }
func (f *fakeFeed) URL(bool) string        { return f.url }
func (f *fakeFeed) Name() string           { return f.name }
func (f *fakeFeed) LastUpdate() int64      { return f.lastUpdate }
func (f *fakeFeed) RefreshMode() RefreshMode {
	if f.mode == "" {
		return RefreshDefault
	}

	return f.mode
}

type fakeLister struct {
	feeds []*fakeFeed
	err   error
	calls int
}

func (l *fakeLister) ListFeeds(context.Context) ([]Feed, error) {
	l.calls++

	if l.err != nil {
		return nil, l.err
	}

	out := make([]Feed, 0, len(l.feeds))
	for _, f := range l.feeds {
		out = append(out, f)
	}

	return out, nil
}

var errListing = errors.New("database is locked")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(unix int64) *fakeClock {
	return &fakeClock{now: time.Unix(unix, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type recordingObserver struct {
	decisions map[Decision]int
	pending   int
}

func (o *recordingObserver) ObserveDecision(decision Decision, _ bool) {
	if o.decisions == nil {
		o.decisions = map[Decision]int{}
	}

	o.decisions[decision]++
}

func (o *recordingObserver) ObservePending(pending int) { o.pending = pending }
