package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"loom/internal/errs"
	"loom/internal/logging"
)

// LocalLauncher runs code as shell subprocesses in throwaway working
// directories. It provides process-level isolation only; deployments that
// need stronger isolation plug in a container-backed Launcher instead.
type LocalLauncher struct {
	baseDir string
	logger  logging.Logger
}

// NewLocalLauncher creates a launcher that roots instance workdirs under
// baseDir (os.TempDir when empty).
func NewLocalLauncher(baseDir string, logger logging.Logger) *LocalLauncher {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &LocalLauncher{baseDir: baseDir, logger: logging.OrNop(logger)}
}

// Launch creates a fresh instance with its own working directory.
func (l *LocalLauncher) Launch(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(l.baseDir, "sbx-")
	if err != nil {
		return nil, errs.Wrap(errs.KindSandboxRejected, err, "create sandbox workdir")
	}
	inst := &localInstance{
		id:     "sbx_" + uuid.NewString()[:8],
		dir:    dir,
		logger: l.logger,
	}
	l.logger.Debug("launched local sandbox %s in %s", inst.id, dir)
	return inst, nil
}

type localInstance struct {
	id     string
	dir    string
	logger logging.Logger
}

func (i *localInstance) ID() string { return i.id }

func (i *localInstance) Exec(ctx context.Context, code string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", code)
	cmd.Dir = i.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() != nil {
			return result, errs.Wrap(errs.KindSandboxTimeout, ctx.Err(), "sandbox %s exec interrupted", i.id)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, errs.Wrap(errs.KindSandboxRejected, err, "sandbox %s exec", i.id)
	}
	return result, nil
}

func (i *localInstance) Destroy(ctx context.Context) error {
	i.logger.Debug("destroying local sandbox %s", i.id)
	return os.RemoveAll(i.dir)
}
