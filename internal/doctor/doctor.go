// Package doctor runs local diagnostics for octovalve: missing binaries,
// unreadable configuration, daemon reachability, and lax permissions on
// the state dir that holds ssh control sockets and the askpass helper.
package doctor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/octovalve/octovalve/internal/appconfig"
	"github.com/octovalve/octovalve/internal/config"
	"github.com/octovalve/octovalve/internal/protocol"
	"github.com/octovalve/octovalve/internal/sshutil"
	"github.com/octovalve/octovalve/internal/tunneld"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether any issue is high severity.
func (r Report) HasHigh() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Run executes local diagnostics against the given wire config path and
// tunnel daemon address.
func Run(configPath, daemonAddr string) (Report, error) {
	var issues []Issue

	if err := sshutil.EnsureSSHBinary(); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install OpenSSH client and ensure `ssh` is on PATH",
		})
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "config",
			Target:         configPath,
			Message:        err.Error(),
			Recommendation: "fix the target configuration file",
		})
	} else {
		issues = append(issues, configIssues(cfg)...)
	}

	issues = append(issues, daemonIssues(daemonAddr)...)
	issues = append(issues, stateDirIssues()...)

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return severityRank(issues[i].Severity) > severityRank(issues[j].Severity)
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		return issues[i].Target < issues[j].Target
	})
	return Report{Issues: issues}, nil
}

func configIssues(cfg *config.Config) []Issue {
	var issues []Issue
	for _, target := range cfg.Targets {
		if target.SSH == "" {
			continue
		}
		if target.SSHPassword != "" {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "ssh-password",
				Target:         target.Name,
				Message:        "ssh_password is configured; keyboard-interactive/2FA cannot be automated",
				Recommendation: "prefer SSH key auth; passwords flow through the askpass helper only",
			})
		}
		if _, ok := cfg.Forward(target.Name, protocol.PurposeData); !ok {
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "forwards",
				Target:         target.Name,
				Message:        "no data forward configured",
				Recommendation: "add a [[targets.forwards]] entry with purpose = \"data\"",
			})
		}
	}
	return issues
}

func daemonIssues(daemonAddr string) []Issue {
	client := tunneld.NewClient(daemonAddr, "octovalve-doctor")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.ListForwards(ctx); err != nil {
		return []Issue{{
			Severity:       SeverityMedium,
			Check:          "tunnel-daemon",
			Target:         daemonAddr,
			Message:        err.Error(),
			Recommendation: "start `octovalve tunnel-daemon` before the proxy or console",
		}}
	}
	return nil
}

func stateDirIssues() []Issue {
	dir, err := appconfig.StateDir()
	if err != nil {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return []Issue{{
			Severity:       SeverityMedium,
			Check:          "state-dir",
			Target:         dir,
			Message:        fmt.Sprintf("state dir permissions are too broad (%#o)", perm),
			Recommendation: "restrict the state dir to 0700; it holds ssh control sockets",
		}}
	}
	return nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
