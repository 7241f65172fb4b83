package ratelimit

import (
	"strings"
	"time"
)

// Rule limits one method and path. A path ending in "/" matches by prefix.
type Rule struct {
	Path   string
	Method string
	Limit  int           // Requests per window; 0 means unlimited
	Window time.Duration
	Burst  int // Defaults to Limit when 0
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration
	// IdleAfter is how long an unused bucket is kept.
	IdleAfter time.Duration
	Allow     map[string]bool
	Deny      map[string]bool
	Rules     []Rule
}

// NewConfig builds the limits for the job API. jobsPerHour caps job
// submissions per client; zero disables limiting altogether.
func NewConfig(jobsPerHour int) *Config {
	if jobsPerHour <= 0 {
		return &Config{Enabled: false}
	}
	burst := max(jobsPerHour/5, 1)
	return &Config{
		Enabled:       true,
		DefaultLimit:  600,
		DefaultWindow: time.Minute,
		IdleAfter:     time.Hour,
		Allow:         map[string]bool{},
		Deny:          map[string]bool{},
		Rules: []Rule{
			// Each of these starts a job and spends provider turns.
			{Path: "/jobs", Method: "POST", Limit: jobsPerHour, Window: time.Hour, Burst: burst},
			{Path: "/search", Method: "GET", Limit: jobsPerHour, Window: time.Hour, Burst: burst},
			// PDF rendering launches a browser.
			{Path: "/results/", Method: "GET", Limit: 60, Window: time.Minute, Burst: 10},
			{Path: "/jobs/", Method: "DELETE", Limit: 100, Window: time.Minute, Burst: 10},
		},
	}
}

// Match returns the rule for a request, or nil when the default applies.
// /health and /metrics are never limited.
func Match(path, method string, rules []Rule) *Rule {
	if method == "GET" && (path == "/health" || path == "/metrics") {
		return &Rule{}
	}
	for i := range rules {
		if rules[i].Path == path && rules[i].Method == method {
			return &rules[i]
		}
	}
	for i := range rules {
		r := &rules[i]
		if r.Method == method && strings.HasSuffix(r.Path, "/") && strings.HasPrefix(path, r.Path) {
			return r
		}
	}
	return nil
}
