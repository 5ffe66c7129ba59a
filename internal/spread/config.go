package spread

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// Setting keys in the configuration store.
const (
	KeyInterval        = "spread.interval_seconds"
	KeyFollowupDelay   = "spread.followup_delay_seconds"
	KeyFollowupHosts   = "spread.followup_hosts"
	KeyPendingFollowup = "spread.pending_followups"
	KeyLastDiscovery   = "spread.last_discovery_at"
)

const (
	DefaultInterval      int64 = 86_400
	DefaultFollowupDelay int64 = 600
	DefaultHosts               = "rsshub.app"

	// MinInterval is the floor applied to stored intervals.
	MinInterval int64 = 3600

	discoveryInterval  int64 = 3600
	statsFlushInterval int64 = 3600
)

// Config is an immutable snapshot of the scheduling tunables.
type Config struct {
	HostInput       string
	Hosts           []string
	Interval        int64
	FollowupDelay   int64
	LastDiscoveryAt int64
}

// FollowupsEnabled reports whether follow-up fetches can be scheduled at all.
func (c Config) FollowupsEnabled() bool {
	return c.FollowupDelay > 0 && len(c.Hosts) > 0
}

// IntervalHours is the interval rounded to whole hours, at least one.
func (c Config) IntervalHours() int {
	return max(1, int((c.Interval+1800)/3600))
}

// FollowupMinutes is the follow-up delay rounded to whole minutes; 0 when disabled.
func (c Config) FollowupMinutes() int {
	if c.FollowupDelay <= 0 {
		return 0
	}

	return max(1, int((c.FollowupDelay+30)/60))
}

// IsEligible reports whether rawURL's host is one of the follow-up hosts or a subdomain
// of one.
func (c Config) IsEligible(rawURL string) bool {
	if len(c.Hosts) == 0 {
		return false
	}

	host := urlHost(rawURL)
	if host == "" {
		return false
	}

	for _, allowed := range c.Hosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}

	return false
}

// Update is an operator request to change the tunables.
type Update struct {
	Hosts           string
	IntervalHours   int
	FollowupMinutes int
}

func (u Update) normalized() Update {
	u.IntervalHours = max(1, u.IntervalHours)
	u.FollowupMinutes = max(0, u.FollowupMinutes)
	u.Hosts = strings.TrimSpace(u.Hosts)

	return u
}

// LoadConfig reads the tunables, staging defaults for missing keys. seeded is true when
// defaults were staged and the store needs saving.
func LoadConfig(store ConfigStore) (cfg Config, seeded bool) {
	if !store.HasKey(KeyInterval) {
		store.SetInt(KeyInterval, DefaultInterval)
		seeded = true
	}

	if !store.HasKey(KeyFollowupHosts) {
		store.SetString(KeyFollowupHosts, DefaultHosts)
		seeded = true
	}

	if !store.HasKey(KeyFollowupDelay) {
		store.SetInt(KeyFollowupDelay, DefaultFollowupDelay)
		seeded = true
	}

	if !store.HasKey(KeyPendingFollowup) {
		store.SetIntMap(KeyPendingFollowup, map[int64]int64{})
		seeded = true
	}

	interval, ok := store.Int(KeyInterval)
	if !ok {
		interval = DefaultInterval
	}

	delay, ok := store.Int(KeyFollowupDelay)
	if !ok {
		delay = DefaultFollowupDelay
	}

	hostInput, ok := store.String(KeyFollowupHosts)
	if !ok {
		hostInput = DefaultHosts
	}

	lastDiscovery, _ := store.Int(KeyLastDiscovery)

	cfg = Config{
		HostInput:       hostInput,
		Hosts:           ParseHosts(hostInput),
		Interval:        max(MinInterval, interval),
		FollowupDelay:   max(0, delay),
		LastDiscoveryAt: max(0, lastDiscovery),
	}

	return cfg, seeded
}

// ParseHosts splits a newline, space or comma separated host list into normalized
// lowercase ASCII hostnames. URLs are reduced to their host and duplicates dropped.
func ParseHosts(input string) []string {
	fields := strings.FieldsFunc(strings.ToLower(input), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	seen := make(map[string]struct{}, len(fields))
	hosts := make([]string, 0, len(fields))

	for _, field := range fields {
		host := field
		if strings.Contains(host, "://") {
			if u, err := url.Parse(host); err == nil && u.Hostname() != "" {
				host = u.Hostname()
			}
		}

		host = normalizeHost(strings.TrimLeft(host, "."))
		if host == "" {
			continue
		}

		if _, dup := seen[host]; dup {
			continue
		}

		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}

	return hosts
}

func urlHost(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}

	return normalizeHost(u.Hostname())
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}

	return ascii
}
