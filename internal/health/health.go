// Package health reports whether the API's dependencies answer.
//
// PostgreSQL, MinIO and the analyzer are checked in the background by the
// topologymetrics dephealth SDK, which also exports app_dependency_* series
// on /metrics. Redis has no dephealth checker here and is pinged on demand
// through asynq.
package health

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/hibiken/asynq"
)

// PingFunc checks one dependency synchronously.
type PingFunc func(ctx context.Context) error

// HTTPDependency is an HTTP endpoint watched by dephealth.
type HTTPDependency struct {
	Name string
	URL  string
	Path string
}

// Options selects what the Monitor watches. DB is nil in inline mode.
type Options struct {
	ServiceID     string
	DB            *sql.DB
	DatabaseURL   string
	HTTP          []HTTPDependency
	Pings        map[string]PingFunc
	CheckInterval time.Duration
}

// Report is the body of /healthz.
type Report struct {
	Status       string          `json:"status"`
	Dependencies map[string]bool `json:"dependencies,omitempty"`
}

// Healthy reports whether every dependency answered.
func (r Report) Healthy() bool { return r.Status == StatusOK }

// Report statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Monitor aggregates background dephealth results and on-demand pings.
type Monitor struct {
	dh     *dephealth.DepHealth
	deps   func() map[string]bool
	pings map[string]PingFunc
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

// New builds a Monitor. extra is passed to dephealth (tests use it for an
// isolated Prometheus registerer).
func New(opts Options, logger *slog.Logger, extra ...dephealth.Option) (*Monitor, error) {
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	dhOpts := []dephealth.Option{dephealth.WithLogger(logger)}
	watched := len(opts.HTTP)
	if opts.DB != nil {
		watched++
		dhOpts = append(dhOpts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(opts.DB)),
			dephealth.FromURL(opts.DatabaseURL),
			dephealth.CheckInterval(interval),
			dephealth.Critical(true),
		))
	}
	for _, dep := range opts.HTTP {
		depOpts := []dephealth.DependencyOption{
			dephealth.FromURL(dep.URL),
			dephealth.CheckInterval(interval),
			dephealth.Critical(true),
		}
		if dep.Path != "" {
			depOpts = append(depOpts, dephealth.WithHTTPHealthPath(dep.Path))
		}
		if parsed, err := url.Parse(dep.URL); err == nil && parsed.Scheme == "https" {
			depOpts = append(depOpts, dephealth.WithHTTPTLSSkipVerify(false))
		}
		dhOpts = append(dhOpts, dephealth.HTTP(dep.Name, depOpts...))
	}
	dhOpts = append(dhOpts, extra...)

	m := &Monitor{
		pings: opts.Pings,
		logger: logger.With(slog.String("component", "health")),
	}
	if watched > 0 {
		dh, err := dephealth.New(opts.ServiceID, "clipsight", dhOpts...)
		if err != nil {
			return nil, err
		}
		m.dh = dh
		m.deps = dh.Health
	}
	return m, nil
}

// Start begins the background checks.
func (m *Monitor) Start(ctx context.Context) error {
	if m.dh == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := m.dh.Start(ctx); err != nil {
		return err
	}
	m.started = true
	m.logger.Info("dependency monitoring started")
	return nil
}

// Stop ends the background checks.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dh != nil && m.started {
		m.dh.Stop()
		m.started = false
	}
}

// Check runs the pings and merges them with the latest background results.
// Background keys have the form "dependency:host:port".
func (m *Monitor) Check(ctx context.Context) Report {
	deps := map[string]bool{}
	if m.deps != nil {
		for name, ok := range m.deps() {
			deps[name] = ok
		}
	}
	names := make([]string, 0, len(m.pings))
	for name := range m.pings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := m.pings[name](pingCtx)
		cancel()
		if err != nil {
			m.logger.Warn("dependency ping failed", slog.String("dependency", name), slog.String("error", err.Error()))
		}
		deps[name] = err == nil
	}
	report := Report{Status: StatusOK, Dependencies: deps}
	for _, ok := range deps {
		if !ok {
			report.Status = StatusDegraded
			break
		}
	}
	return report
}

// RedisPing reports whether Redis answers, using the asynq inspector.
func RedisPing(inspector *asynq.Inspector) PingFunc {
	return func(context.Context) error {
		_, err := inspector.Queues()
		return err
	}
}

// MinIOHealthURL returns the base URL of a MinIO endpoint and the path of
// its liveness check.
func MinIOHealthURL(endpoint string, useSSL bool) (string, string) {
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(endpoint, "/"), "/minio/health/live"
}
