package patcher

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// Executor runs a script in a short-lived sandbox. The context deadline
// bounds the wall clock; on expiry the child process is killed.
type Executor interface {
	Run(ctx context.Context, script string) (output string, err error)
	CommandAvailable(ctx context.Context, command string) bool
}

// ExecSandbox executes scripts with /bin/sh in a scratch working
// directory.
type ExecSandbox struct {
	workDir string
	logger  *logrus.Logger
}

// NewExecSandbox builds a sandbox rooted at workDir; empty means a fresh
// temp directory per run.
func NewExecSandbox(workDir string, logger *logrus.Logger) *ExecSandbox {
	return &ExecSandbox{workDir: workDir, logger: logger}
}

// Run executes the script and returns combined output. Non-zero exit or a
// killed process surfaces as an error with the captured output attached.
func (s *ExecSandbox) Run(ctx context.Context, script string) (string, error) {
	dir := s.workDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "patch-sandbox-")
		if err != nil {
			return "", contracts.Wrap(contracts.KindInternal, err, "failed to create sandbox dir")
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if ctx.Err() == context.DeadlineExceeded {
		return output, contracts.E(contracts.KindTransient, "script timed out")
	}
	if err != nil {
		s.logger.WithError(err).WithField("output", truncateOutput(output)).Debug("Script execution failed")
		return output, contracts.Wrap(contracts.KindInternal, err, "script exited with failure")
	}
	return output, nil
}

// CommandAvailable reports whether a command resolves on PATH.
func (s *ExecSandbox) CommandAvailable(ctx context.Context, command string) bool {
	check := exec.CommandContext(ctx, "/bin/sh", "-c", "command -v "+command)
	return check.Run() == nil
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
