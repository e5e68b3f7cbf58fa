package security

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestClassifiedErrorMessages(t *testing.T) {
	err := NewClassifiedError("failed to start forward", "ssh exited 255: bind failed")
	if got := UserMessage(err, false); got != "failed to start forward" {
		t.Fatalf("UserMessage = %q", got)
	}
	if got := DebugMessage(err); got != "ssh exited 255: bind failed" {
		t.Fatalf("DebugMessage = %q", got)
	}

	wrapped := fmt.Errorf("outer: %w", err)
	var ce *ClassifiedError
	if !errors.As(wrapped, &ce) {
		t.Fatal("ClassifiedError must survive wrapping")
	}
}

func TestRedactMessageHidesHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	msg := "open " + home + "/.ssh/id_ed25519: permission denied"
	out := RedactMessage(msg)
	if strings.Contains(out, home) {
		t.Fatalf("home dir leaked: %q", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Fatalf("ssh path not redacted: %q", out)
	}
}

func TestSSHAuthHint(t *testing.T) {
	cases := []struct {
		detail      string
		hasPassword bool
		wantSubstr  string
	}{
		{"Permission denied (keyboard-interactive)", false, "keyboard-interactive/2FA"},
		{"Verification code:", true, "keyboard-interactive/2FA"},
		{"Permission denied (publickey,password)", true, "Check ssh_password"},
		{"Permission denied (publickey)", false, "Configure SSH keys"},
		{"connection refused", false, ""},
	}
	for _, tc := range cases {
		got := SSHAuthHint(tc.detail, tc.hasPassword)
		if tc.wantSubstr == "" {
			if got != "" {
				t.Errorf("SSHAuthHint(%q) = %q, want empty", tc.detail, got)
			}
			continue
		}
		if !strings.Contains(got, tc.wantSubstr) {
			t.Errorf("SSHAuthHint(%q) = %q, want substring %q", tc.detail, got, tc.wantSubstr)
		}
	}
}
