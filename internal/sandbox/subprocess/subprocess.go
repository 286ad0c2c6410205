// Package subprocess runs bundles in a python3 subprocess, communicating over a
// length-prefixed JSON protocol on stdio and cancelling via SIGINT then SIGKILL after a grace
// period.
package subprocess

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/sandbox"
)

// Sandbox runs bundles whose manifest declares runtime "subprocess-python".
type Sandbox struct {
	// Interpreter is the executable invoked for each run, e.g. "python3". Overridable for tests.
	Interpreter string
	// KillGrace is how long SIGINT is given to end the process before SIGKILL.
	KillGrace time.Duration
}

// New builds a Sandbox defaulting to python3 with a 5s SIGKILL grace period.
func New() *Sandbox {
	return &Sandbox{Interpreter: "python3", KillGrace: 5 * time.Second}
}

func (s *Sandbox) Name() string { return "interpreter-subprocess-python" }

func (s *Sandbox) CanHandle(def metadata.JobDefinition, binding *bundle.Binding) bool {
	return def.Runtime == metadata.RuntimeInterpreter && binding != nil
}

type bundleManifest struct {
	Entry   string `json:"entry"`
	Runtime string `json:"runtime"`
}

// frame is the length-prefixed JSON envelope exchanged with the subprocess: a uint32
// big-endian length followed by that many bytes of JSON payload, in each direction.
type frame struct {
	ExportName string          `json:"exportName"`
	Parameters json.RawMessage `json:"parameters"`
}

type frameReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Logs   []struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	} `json:"logs,omitempty"`
}

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

func (s *Sandbox) Execute(
	ctx context.Context,
	acquired *bundle.AcquiredBundle,
	def metadata.JobDefinition,
	run metadata.JobRun,
	parameters json.RawMessage,
	timeoutMs int64,
	exportName string,
	logger sandbox.Logger,
	update sandbox.Update,
	resolveSecret sandbox.SecretResolver,
) (sandbox.Telemetry, error) {
	start := time.Now()
	if acquired == nil {
		return sandbox.Telemetry{}, apherr.New(apherr.KindExecution, "subprocess sandbox requires an acquired bundle")
	}

	var manifest bundleManifest
	if raw, err := osReadFile(filepath.Join(acquired.Dir, "manifest.json")); err == nil {
		_ = json.Unmarshal(raw, &manifest)
	}
	if manifest.Entry == "" {
		manifest.Entry = "main.py"
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interpreter := s.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	cmd := exec.CommandContext(runCtx, interpreter, filepath.Join(acquired.Dir, manifest.Entry))
	cmd.Dir = acquired.Dir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGINT) }
	cmd.WaitDelay = s.graceOrDefault()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, err)
	}

	if err := cmd.Start(); err != nil {
		return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, fmt.Errorf("start subprocess interpreter: %w", err))
	}

	if err := writeFrame(stdin, frame{ExportName: exportName, Parameters: parameters}); err != nil {
		_ = cmd.Process.Kill()
		return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, fmt.Errorf("write request frame: %w", err))
	}

	var reply frameReply
	readErr := readFrame(bufio.NewReader(stdout), &reply)
	waitErr := cmd.Wait()

	if runCtx.Err() == context.DeadlineExceeded {
		return sandbox.Telemetry{}, apherr.New(apherr.KindTimeout, "subprocess interpreter exceeded wall-clock timeout")
	}
	if readErr != nil {
		return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, fmt.Errorf("read response frame: %w", readErr))
	}
	if waitErr != nil {
		return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, fmt.Errorf("subprocess interpreter exited: %w", waitErr))
	}
	if reply.Error != "" {
		return sandbox.Telemetry{}, apherr.New(apherr.KindExecution, reply.Error)
	}

	logs := make([]sandbox.LogLine, 0, len(reply.Logs))
	for _, l := range reply.Logs {
		logs = append(logs, sandbox.LogLine{Timestamp: time.Now().UTC(), Level: l.Level, Message: l.Message})
		if logger != nil {
			logger(l.Message, map[string]any{"level": l.Level})
		}
	}

	return sandbox.Telemetry{
		TaskID:        run.ID,
		DurationMs:    time.Since(start).Milliseconds(),
		Logs:          logs,
		ResourceUsage: sandbox.ResourceUsage{WallTimeMs: time.Since(start).Milliseconds()},
		Result:        reply.Result,
	}, nil
}

func (s *Sandbox) graceOrDefault() time.Duration {
	if s.KillGrace <= 0 {
		return 5 * time.Second
	}
	return s.KillGrace
}

func osReadFile(path string) ([]byte, error) { return os.ReadFile(path) }
