package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// AnonymizeSubject runs cfg.AnonCmd (an opaque external command, like the
// transcoder) with subject as its single argument and returns the trimmed
// stdout as the anonymized subject id. It is a no-op returning subject
// unchanged when AnonCmd is empty.
func AnonymizeSubject(ctx context.Context, cfg Config, subject string) (string, error) {
	if cfg.AnonCmd == "" {
		return subject, nil
	}
	cmd := exec.CommandContext(ctx, cfg.AnonCmd, subject)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &UsageError{Msg: fmt.Sprintf("anon-cmd %q %q failed: %v: %s", cfg.AnonCmd, subject, err, stderr.String())}
	}
	anon := strings.TrimSpace(stdout.String())
	if anon == "" {
		return "", &UsageError{Msg: fmt.Sprintf("anon-cmd %q %q returned an empty id", cfg.AnonCmd, subject)}
	}
	if len(strings.Fields(anon)) > 1 {
		return "", &UsageError{Msg: fmt.Sprintf("anon-cmd %q %q returned multiline/multiword output", cfg.AnonCmd, subject)}
	}
	return anon, nil
}
