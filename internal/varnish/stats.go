package varnish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

type Stats struct {
	Timestamp       time.Time     `json:"timestamp"`
	Hits            uint64        `json:"hits"`
	Misses          uint64        `json:"misses"`
	Passes          uint64        `json:"passes"`
	Requests        uint64        `json:"requests"`
	HitRatio        float64       `json:"hitRatio"`
	Objects         uint64        `json:"objects"`
	Uptime          time.Duration `json:"uptime"`
	BackendFailures uint64        `json:"backendFailures"`
	MemoryUsed      uint64        `json:"memoryUsed"`
	MemoryFree      uint64        `json:"memoryFree"`
}

// Stat reads counters with varnishstat.
type Stat struct {
	Runner shell.Runner
}

func (s Stat) Snapshot(ctx context.Context) (Stats, error) {
	res, err := shell.Check(ctx, s.Runner, "varnishstat", "-j")
	if err != nil {
		return Stats{}, err
	}
	return ParseStats(res.Stdout)
}

type counter struct {
	Value uint64 `json:"value"`
}

// ParseStats accepts both the flat Varnish 6 layout and the Varnish 7
// layout that nests counters under "counters".
func ParseStats(b []byte) (Stats, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return Stats{}, fmt.Errorf("varnishstat json: %w", err)
	}
	var st Stats
	if raw, ok := top["timestamp"]; ok {
		var ts string
		if json.Unmarshal(raw, &ts) == nil {
			if t, err := time.Parse("2006-01-02T15:04:05", ts); err == nil {
				st.Timestamp = t
			}
		}
	}
	fields := top
	if raw, ok := top["counters"]; ok {
		fields = map[string]json.RawMessage{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Stats{}, fmt.Errorf("varnishstat counters: %w", err)
		}
	}
	values := map[string]uint64{}
	for name, raw := range fields {
		if !strings.Contains(name, ".") {
			continue
		}
		var c counter
		if json.Unmarshal(raw, &c) == nil {
			values[name] = c.Value
		}
	}
	st.Hits = values["MAIN.cache_hit"]
	st.Misses = values["MAIN.cache_miss"]
	st.Passes = values["MAIN.s_pass"]
	st.Requests = values["MAIN.client_req"]
	st.Objects = values["MAIN.n_object"]
	st.BackendFailures = values["MAIN.backend_fail"]
	st.Uptime = time.Duration(values["MAIN.uptime"]) * time.Second
	for name, v := range values {
		if !strings.HasPrefix(name, "SMA.") || strings.HasPrefix(name, "SMA.Transient.") {
			continue
		}
		switch {
		case strings.HasSuffix(name, ".g_bytes"):
			st.MemoryUsed += v
		case strings.HasSuffix(name, ".g_space"):
			st.MemoryFree += v
		}
	}
	if lookups := st.Hits + st.Misses; lookups > 0 {
		st.HitRatio = float64(st.Hits) / float64(lookups)
	}
	return st, nil
}
