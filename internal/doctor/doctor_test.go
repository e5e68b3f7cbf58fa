package doctor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunFlagsMissingConfig(t *testing.T) {
	t.Setenv("OCTOVALVE_STATE_DIR", t.TempDir())
	report, err := Run(filepath.Join(t.TempDir(), "missing.toml"), "127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, issue := range report.Issues {
		if issue.Check == "config" && issue.Severity == SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing config not flagged: %+v", report.Issues)
	}
	if !report.HasHigh() {
		t.Fatal("HasHigh must be true with a high issue present")
	}
}

func TestRunFlagsPasswordAndUnreachableDaemon(t *testing.T) {
	t.Setenv("OCTOVALVE_STATE_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[[targets]]
name = "dev"
desc = "dev"
ssh = "devops@10.0.0.1"
ssh_password = "hunter2"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := Run(path, "127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]bool{}
	for _, issue := range report.Issues {
		checks[issue.Check] = true
	}
	if !checks["ssh-password"] {
		t.Fatalf("ssh-password not flagged: %+v", report.Issues)
	}
	if !checks["tunnel-daemon"] {
		t.Fatalf("unreachable daemon not flagged: %+v", report.Issues)
	}
	if !checks["forwards"] {
		t.Fatalf("missing data forward not flagged: %+v", report.Issues)
	}
}
