package security

import "strings"

// SSHAuthHint inspects ssh failure output and returns actionable guidance,
// or "" when the failure doesn't match a known authentication pattern.
//
// Keyboard-interactive and 2FA prompts cannot be satisfied through
// SSH_ASKPASS; those failures must steer the operator toward key-based auth
// rather than retry loops.
func SSHAuthHint(detail string, hasPassword bool) string {
	lower := strings.ToLower(detail)
	if strings.Contains(lower, "keyboard-interactive") ||
		strings.Contains(lower, "verification code") ||
		strings.Contains(lower, "two-factor") {
		return "ssh requires keyboard-interactive/2FA; SSH_ASKPASS cannot handle it. Use SSH key auth or adjust server auth settings."
	}
	if strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "no supported authentication methods available") ||
		strings.Contains(lower, "too many authentication failures") {
		if hasPassword {
			return "ssh password auth failed. Check ssh_password; if 2FA/keyboard-interactive is required, use SSH keys instead."
		}
		return "ssh authentication failed. Configure SSH keys (preferred) or set ssh_password if password login is allowed."
	}
	return ""
}

// FormatSSHFailure combines a command label with the process output and an
// auth hint when one applies.
func FormatSSHFailure(label string, stdout, stderr []byte, hasPassword bool) string {
	detail := strings.TrimSpace(string(stdout) + string(stderr))
	msg := label + " failed"
	if detail != "" {
		msg += ": " + detail
	}
	if hint := SSHAuthHint(detail, hasPassword); hint != "" {
		msg += "\n" + hint
	}
	return msg
}
