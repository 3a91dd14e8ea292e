package process

import (
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/crashguard/internal/logger"
)

// DefaultStopTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// Spec describes the supervised child. The command is an executable path
// plus an argument list; it is never passed through a shell.
type Spec struct {
	Name        string            `json:"name" yaml:"name"`
	Path        string            `json:"path" yaml:"path"`
	Args        []string          `json:"args" yaml:"args"`
	WorkDir     string            `json:"work_dir" yaml:"work_dir"`
	Env         []string          `json:"env" yaml:"env"` // fully merged environment; nil inherits the supervisor's
	StopTimeout time.Duration     `json:"stop_timeout" yaml:"stop_timeout"`
	Log         logger.FileConfig `json:"log" yaml:"log"`
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("child path is required")
	}
	return nil
}

// CommandLine renders the command for logs and events only.
func (s Spec) CommandLine() string {
	return strings.Join(append([]string{s.Path}, s.Args...), " ")
}

// BuildCommand constructs the *exec.Cmd for this spec. Stdio is left to the caller.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- path and args come from operator configuration, no shell involved
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}
