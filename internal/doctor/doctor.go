// Package doctor runs the preflight checks behind `keelhaul doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/beevik/ntp"
	"github.com/docker/docker/api/types/swarm"
	"golang.org/x/sys/unix"

	"keelhaul/internal/adapter/docker"
	"keelhaul/internal/image"
	"keelhaul/internal/policy"
	"keelhaul/internal/reconcile"
)

const (
	DefaultNTPServer    = "pool.ntp.org"
	DefaultNTPThreshold = 500 * time.Millisecond
	defaultCheckTimeout = 10 * time.Second
)

type Status uint8

const (
	StatusPass Status = iota + 1
	StatusWarn
	StatusFail
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Finding is the result of one check. Fix is a hint for failed checks.
type Finding struct {
	Component string
	Status    Status
	Detail    string
	Fix       string
}

// Doctor holds the collaborators each check needs. Nil collaborators skip
// their checks.
type Doctor struct {
	Ping         func(ctx context.Context) error
	Swarm        func(ctx context.Context) (docker.SwarmStatus, error)
	Orchestrator reconcile.Orchestrator
	Filter       *policy.Filter
	Credentials  reconcile.CredentialSource
	// DataDir is checked for write access when set.
	DataDir string

	NTPServer    string
	NTPThreshold time.Duration
	// QueryNTP returns the local clock offset. Defaults to an SNTP query.
	QueryNTP  func(server string) (time.Duration, error)
	SkipClock bool
	Timeout   time.Duration
}

// Run executes every check in order. Engine checks that depend on a
// reachable engine are skipped when the ping fails.
func (d *Doctor) Run(ctx context.Context) []Finding {
	var findings []Finding
	add := func(f Finding) { findings = append(findings, f) }

	engineOK := true
	if d.Ping != nil {
		f := d.checkEngine(ctx)
		engineOK = f.Status == StatusPass
		add(f)
	}
	if d.Swarm != nil {
		if engineOK {
			add(d.checkSwarm(ctx))
		} else {
			add(Finding{Component: "swarm", Status: StatusSkipped, Detail: "engine unreachable"})
		}
	}
	if d.Orchestrator != nil {
		if engineOK {
			findings = append(findings, d.checkServices(ctx)...)
		} else {
			add(Finding{Component: "services", Status: StatusSkipped, Detail: "engine unreachable"})
		}
	}
	if d.DataDir != "" {
		add(d.checkDataDir())
	}
	if d.SkipClock {
		add(Finding{Component: "clock", Status: StatusSkipped, Detail: "disabled"})
	} else {
		add(d.checkClock())
	}
	return findings
}

// Failed reports whether any finding failed.
func Failed(findings []Finding) bool {
	return slices.ContainsFunc(findings, func(f Finding) bool { return f.Status == StatusFail })
}

func (d *Doctor) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultCheckTimeout
}

func (d *Doctor) checkEngine(ctx context.Context) Finding {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	if err := d.Ping(ctx); err != nil {
		return Finding{
			Component: "engine",
			Status:    StatusFail,
			Detail:    err.Error(),
			Fix:       "set docker.host (or DOCKER_HOST) to a reachable engine",
		}
	}
	return Finding{Component: "engine", Status: StatusPass, Detail: "reachable"}
}

func (d *Doctor) checkSwarm(ctx context.Context) Finding {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	st, err := d.Swarm(ctx)
	switch {
	case err != nil:
		return Finding{Component: "swarm", Status: StatusFail, Detail: err.Error()}
	case st.State != swarm.LocalNodeStateActive:
		return Finding{
			Component: "swarm",
			Status:    StatusFail,
			Detail:    fmt.Sprintf("swarm state %q", st.State),
			Fix:       "run keelhaul against an engine that is part of a swarm",
		}
	case !st.IsManager:
		return Finding{
			Component: "swarm",
			Status:    StatusFail,
			Detail:    "node is a worker",
			Fix:       "point keelhaul at a manager node; workers cannot update services",
		}
	}
	return Finding{
		Component: "swarm",
		Status:    StatusPass,
		Detail:    fmt.Sprintf("manager, %d managers / %d nodes, engine %s", st.Managers, st.Nodes, st.ServerVer),
	}
}

// checkServices lists services, reports how many are managed and checks
// that credentials resolve for every registry they pull from.
func (d *Doctor) checkServices(ctx context.Context) []Finding {
	listCtx, cancel := context.WithTimeout(ctx, d.timeout())
	services, err := d.Orchestrator.ListServices(listCtx)
	cancel()
	if err != nil {
		return []Finding{{Component: "services", Status: StatusFail, Detail: err.Error()}}
	}

	managed, hosts, problems := 0, map[string]struct{}{}, 0
	for _, svc := range services {
		eligible := true
		if d.Filter != nil {
			ok, _, ferr := d.Filter.Eligible(svc.Name, svc.Labels)
			if ferr != nil {
				problems++
			}
			eligible = ok
		}
		if !eligible {
			continue
		}
		managed++
		if ref, err := image.Parse(svc.Image); err == nil {
			hosts[ref.Domain()] = struct{}{}
		}
	}

	status := StatusPass
	detail := fmt.Sprintf("%d of %d services managed", managed, len(services))
	var fix string
	switch {
	case problems > 0:
		status = StatusWarn
		detail += fmt.Sprintf(", %d with malformed policy labels", problems)
		fix = "see the agent log for the offending labels"
	case managed == 0:
		status = StatusWarn
		fix = "label services with <prefix>.enable=true"
	}
	findings := []Finding{{Component: "services", Status: status, Detail: detail, Fix: fix}}

	if d.Credentials == nil {
		return findings
	}
	sorted := make([]string, 0, len(hosts))
	for h := range hosts {
		sorted = append(sorted, h)
	}
	slices.Sort(sorted)
	for _, host := range sorted {
		findings = append(findings, d.checkCredentials(ctx, host))
	}
	return findings
}

func (d *Doctor) checkCredentials(ctx context.Context, host string) Finding {
	component := "credentials " + host
	creds, err := d.Credentials.Credentials(ctx, host)
	if err != nil {
		return Finding{
			Component: component,
			Status:    StatusFail,
			Detail:    err.Error(),
			Fix:       "check the docker config or credential helper for " + host,
		}
	}
	if creds.IsZero() {
		return Finding{Component: component, Status: StatusPass, Detail: "anonymous"}
	}
	who := creds.Username
	if who == "" {
		who = "token"
	}
	return Finding{Component: component, Status: StatusPass, Detail: "authenticated as " + who}
}

// checkDataDir verifies the agent can create its lock file. A missing
// directory passes when the agent could create it.
func (d *Doctor) checkDataDir() Finding {
	dir := filepath.Clean(d.DataDir)
	target := dir
	for {
		_, err := os.Stat(target)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) || filepath.Dir(target) == target {
			return Finding{Component: "data-dir", Status: StatusFail, Detail: err.Error()}
		}
		target = filepath.Dir(target)
	}

	if err := unix.Access(target, unix.W_OK|unix.X_OK); err != nil {
		return Finding{
			Component: "data-dir",
			Status:    StatusFail,
			Detail:    fmt.Sprintf("%s is not writable: %v", target, err),
			Fix:       "set data-dir to a directory the agent user can write",
		}
	}
	if target != dir {
		return Finding{Component: "data-dir", Status: StatusPass, Detail: fmt.Sprintf("%s will be created", dir)}
	}
	return Finding{Component: "data-dir", Status: StatusPass, Detail: dir}
}

func (d *Doctor) checkClock() Finding {
	server := d.NTPServer
	if server == "" {
		server = DefaultNTPServer
	}
	threshold := d.NTPThreshold
	if threshold <= 0 {
		threshold = DefaultNTPThreshold
	}
	query := d.QueryNTP
	if query == nil {
		query = queryNTP
	}

	offset, err := query(server)
	if err != nil {
		// Clock skew breaks registry token expiry checks, but an unreachable
		// NTP server alone is not fatal.
		return Finding{Component: "clock", Status: StatusWarn, Detail: fmt.Sprintf("ntp %s: %v", server, err)}
	}
	detail := fmt.Sprintf("offset %s from %s", offset.Round(time.Millisecond), server)
	if offset.Abs() >= threshold {
		return Finding{
			Component: "clock",
			Status:    StatusFail,
			Detail:    detail,
			Fix:       "enable time synchronisation (chrony, systemd-timesyncd)",
		}
	}
	return Finding{Component: "clock", Status: StatusPass, Detail: detail}
}

func queryNTP(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
