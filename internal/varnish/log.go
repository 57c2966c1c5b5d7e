package varnish

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/turnuphosting/latest-varnish/pkg/shell"
)

// NCSAFormat is the varnishncsa -F format ParseLog understands.
const NCSAFormat = `%{%s}t\t%{Host}i\t%U\t%q\t%s\t%b\t%{Varnish:hitmiss}x`

type Request struct {
	Time   time.Time `json:"time"`
	Host   string    `json:"host"`
	Path   string    `json:"path"`
	Query  string    `json:"query,omitempty"`
	Status int       `json:"status"`
	Bytes  int64     `json:"bytes"`
	Hit    bool      `json:"hit"`
}

func (r Request) URL() string { return r.Host + r.Path + r.Query }

// Log reads the in-memory request log with varnishncsa -d.
type Log struct {
	Runner shell.Runner
}

func (l Log) Recent(ctx context.Context) ([]Request, error) {
	res, err := shell.Check(ctx, l.Runner, "varnishncsa", "-d", "-F", NCSAFormat)
	if err != nil {
		return nil, err
	}
	return ParseLog(res.Stdout), nil
}

// ParseLog parses NCSAFormat lines; malformed lines are dropped.
func ParseLog(out []byte) []Request {
	var reqs []Request
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		f := strings.Split(sc.Text(), "\t")
		if len(f) != 7 {
			continue
		}
		sec, err := strconv.ParseInt(f[0], 10, 64)
		if err != nil {
			continue
		}
		status, err := strconv.Atoi(f[4])
		if err != nil {
			continue
		}
		var n int64
		if f[5] != "-" {
			n, _ = strconv.ParseInt(f[5], 10, 64)
		}
		reqs = append(reqs, Request{
			Time:   time.Unix(sec, 0).UTC(),
			Host:   normalizeHost(f[1]),
			Path:   f[2],
			Query:  f[3],
			Status: status,
			Bytes:  n,
			Hit:    f[6] == "hit",
		})
	}
	return reqs
}

func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}

type Filter func(Request) bool

func Since(t time.Time) Filter { return func(r Request) bool { return !r.Time.Before(t) } }

func ForHosts(hosts ...string) Filter {
	set := map[string]bool{}
	for _, h := range hosts {
		set[strings.ToLower(h)] = true
	}
	return func(r Request) bool { return set[r.Host] || set[strings.TrimPrefix(r.Host, "www.")] }
}

func ForURL(host, path string) Filter {
	host = strings.ToLower(host)
	return func(r Request) bool { return r.Host == host && r.Path == path }
}

// All combines filters; nil filters are ignored.
func All(fs ...Filter) Filter {
	return func(r Request) bool {
		for _, f := range fs {
			if f != nil && !f(r) {
				return false
			}
		}
		return true
	}
}

type Summary struct {
	Requests int     `json:"requests"`
	Hits     int     `json:"hits"`
	Misses   int     `json:"misses"`
	HitRatio float64 `json:"hitRatio"`
	Bytes    int64   `json:"bytes"`
	Errors   int     `json:"errors"`
}

func Summarize(reqs []Request, keep Filter) Summary {
	var s Summary
	for _, r := range reqs {
		if keep != nil && !keep(r) {
			continue
		}
		s.Requests++
		if r.Hit {
			s.Hits++
		} else {
			s.Misses++
		}
		s.Bytes += r.Bytes
		if r.Status >= 500 {
			s.Errors++
		}
	}
	if s.Requests > 0 {
		s.HitRatio = float64(s.Hits) / float64(s.Requests)
	}
	return s
}

type URLCount struct {
	URL      string `json:"url"`
	Requests int    `json:"requests"`
	Hits     int    `json:"hits"`
}

// TopURLs ranks host+path by request count, ties broken by URL.
func TopURLs(reqs []Request, keep Filter, limit int) []URLCount {
	idx := map[string]*URLCount{}
	for _, r := range reqs {
		if keep != nil && !keep(r) {
			continue
		}
		key := r.Host + r.Path
		c, ok := idx[key]
		if !ok {
			c = &URLCount{URL: key}
			idx[key] = c
		}
		c.Requests++
		if r.Hit {
			c.Hits++
		}
	}
	out := make([]URLCount, 0, len(idx))
	for _, c := range idx {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].URL < out[j].URL
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type Bucket struct {
	Start    time.Time `json:"start"`
	Requests int       `json:"requests"`
	Hits     int       `json:"hits"`
}

// Timeline counts requests into n buckets of width step starting at start.
func Timeline(reqs []Request, keep Filter, start time.Time, step time.Duration, n int) []Bucket {
	if step <= 0 || n <= 0 {
		return nil
	}
	out := make([]Bucket, n)
	for i := range out {
		out[i].Start = start.Add(time.Duration(i) * step)
	}
	for _, r := range reqs {
		if keep != nil && !keep(r) {
			continue
		}
		if r.Time.Before(start) {
			continue
		}
		i := int(r.Time.Sub(start) / step)
		if i >= n {
			continue
		}
		out[i].Requests++
		if r.Hit {
			out[i].Hits++
		}
	}
	return out
}
