// Package container implements the container executor: image allow/deny matching,
// workspace-scoped mounts, network policy enforcement, and GPU gating, driven through a narrow
// DockerClient interface rather than the full Docker SDK surface.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	networktypes "github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/config"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/sandbox"
)

type DockerClient interface {
	ContainerCreate(ctx context.Context, cfg *containertypes.Config, hostCfg *containertypes.HostConfig, netCfg *networktypes.NetworkingConfig, platform *ocispec.Platform, name string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options containertypes.CopyToContainerOptions) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
}

// InputMount is one workspace-relative input the run needs materialized
type InputMount struct {
	ID            string
	SourceNodeID  string
	SourceBackend string
	SourcePath    string
	WorkspacePath string // must be a relative subpath of the workspace
}

// NetworkPolicy mirrors the network policy fields.
type NetworkPolicy struct {
	IsolationEnabled  bool
	AllowModeOverride string
	AllowedModes      []string
	DefaultMode       string
}

// resolve returns the effective network mode, forcing "none" when isolation is enforced
// regardless of any override.
func (p NetworkPolicy) resolve() string {
	if p.IsolationEnabled {
		return "none"
	}
	if p.AllowModeOverride != "" {
		for _, m := range p.AllowedModes {
			if m == p.AllowModeOverride {
				return p.AllowModeOverride
			}
		}
	}
	if p.DefaultMode != "" {
		return p.DefaultMode
	}
	return "none"
}

// RunMetadata is the job-supplied container configuration, parsed from
// JobDefinition/run Metadata["docker"]
type RunMetadata struct {
	Image       string               `json:"image"`
	Command     []string             `json:"command,omitempty"`
	Env         map[string]string    `json:"env,omitempty"`
	SecretEnv   map[string]SecretRef `json:"secretEnv,omitempty"`
	GPU         bool                 `json:"gpu,omitempty"`
	Network     NetworkPolicy        `json:"network,omitempty"`
	InputMounts []InputMount         `json:"inputMounts,omitempty"`
}

// SecretRef names an external secret store entry; inline secret values are rejected.
type SecretRef struct {
	Source string `json:"source"`
	Key    string `json:"key"`
}

// Sandbox executes jobs as containers.
type Sandbox struct {
	Client        DockerClient
	Config        config.Docker
	WorkspaceRoot string
}

// New builds a container Sandbox bound to client and cfg.
func New(client DockerClient, cfg config.Docker) *Sandbox {
	return &Sandbox{Client: client, Config: cfg, WorkspaceRoot: cfg.WorkspaceRoot}
}

func (s *Sandbox) Name() string { return "container" }

func (s *Sandbox) CanHandle(def metadata.JobDefinition, _ *bundle.Binding) bool {
	return def.Runtime == metadata.RuntimeContainer
}

// validationErrors collects policy failures; surfaced as context.docker.validationErrors.
type validationErrors []string

func (v validationErrors) asError() error {
	if len(v) == 0 {
		return nil
	}
	return apherr.New(apherr.KindDockerPolicy, "container run metadata failed policy validation").
		WithProperties(map[string]any{"docker": map[string]any{"validationErrors": []string(v)}})
}

// Validate checks image allow/deny, GPU gating, secret references, and input mount paths
// against cfg Deny wins over allow; an empty allow list permits anything not
// denied. Exposed so the HTTP layer can fail job creation fast on a policy violation, before
// any run exists.
func Validate(meta RunMetadata, cfg config.Docker) error {
	var errs validationErrors

	if matchesAny(meta.Image, cfg.ImageDenylist) {
		errs = append(errs, fmt.Sprintf("image %q matches deny pattern", meta.Image))
	} else if len(cfg.ImageAllowlist) > 0 && !matchesAny(meta.Image, cfg.ImageAllowlist) {
		errs = append(errs, fmt.Sprintf("image %q does not match any allowed pattern", meta.Image))
	}

	if meta.GPU && !cfg.EnableGPU {
		errs = append(errs, "gpu requested but globally disabled")
	}

	for ref, secret := range meta.SecretEnv {
		if secret.Source == "" || secret.Key == "" {
			errs = append(errs, fmt.Sprintf("secret env %q must reference source+key, inline values are rejected", ref))
		}
	}

	seenMounts := map[string]bool{}
	for _, m := range meta.InputMounts {
		if seenMounts[m.ID] {
			errs = append(errs, fmt.Sprintf("input id %q is not unique within the run", m.ID))
		}
		seenMounts[m.ID] = true
		if filepath.IsAbs(m.WorkspacePath) || strings.Contains(m.WorkspacePath, "..") {
			errs = append(errs, fmt.Sprintf("input %q workspacePath %q is not a relative subpath of the workspace", m.ID, m.WorkspacePath))
		}
	}

	return errs.asError()
}

func (s *Sandbox) validate(meta RunMetadata) error { return Validate(meta, s.Config) }

// matchesAny reports whether value matches any glob pattern in patterns (* and ? supported).
func matchesAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, value); ok {
			return true
		}
	}
	return false
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

	var meta RunMetadata
	if len(def.Metadata) > 0 {
		var wrapper struct {
			Docker RunMetadata `json:"docker"`
		}
		if err := json.Unmarshal(def.Metadata, &wrapper); err == nil {
			meta = wrapper.Docker
		}
	}
	if err := s.validate(meta); err != nil {
		return sandbox.Telemetry{}, err
	}

	workspace := filepath.Join(s.WorkspaceRoot, run.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return sandbox.Telemetry{}, apherr.New(apherr.KindDockerPolicy, "could not create run workspace").
			WithProperties(map[string]any{"docker": map[string]any{"error": err.Error()}})
	}
	defer os.RemoveAll(workspace)

	env := make([]string, 0, len(meta.Env)+len(meta.SecretEnv))
	for k, v := range meta.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, ref := range meta.SecretEnv {
		if resolveSecret == nil {
			continue
		}
		val, ok, err := resolveSecret(ctx, fmt.Sprintf("%s:%s", ref.Source, ref.Key))
		if err != nil || !ok {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", k, val))
	}

	netMode := meta.Network.resolve()
	hostCfg := &containertypes.HostConfig{
		NetworkMode: containertypes.NetworkMode(netMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workspace)},
	}

	created, err := s.Client.ContainerCreate(ctx, &containertypes.Config{
		Image:      meta.Image,
		Env:        env,
		Cmd:        meta.Command,
		WorkingDir: "/workspace",
	}, hostCfg, &networktypes.NetworkingConfig{}, nil, "")
	if err != nil {
		return sandbox.Telemetry{}, apherr.New(apherr.KindDockerPolicy, "container create failed").
			WithProperties(map[string]any{"docker": map[string]any{"error": err.Error()}})
	}
	defer s.Client.ContainerRemove(context.Background(), created.ID, containertypes.RemoveOptions{Force: true})

	timeout := time.Duration(timeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Client.ContainerStart(runCtx, created.ID, containertypes.StartOptions{}); err != nil {
		return sandbox.Telemetry{}, apherr.New(apherr.KindDockerPolicy, "container start failed").
			WithProperties(map[string]any{"docker": map[string]any{"error": err.Error()}})
	}

	waitCh, errCh := s.Client.ContainerWait(runCtx, created.ID, containertypes.WaitConditionNotRunning)
	var exitCode int64
	select {
	case res := <-waitCh:
		exitCode = res.StatusCode
	case err := <-errCh:
		return sandbox.Telemetry{}, apherr.Wrap(apherr.KindExecution, err)
	case <-runCtx.Done():
		return sandbox.Telemetry{}, apherr.New(apherr.KindTimeout, "container exceeded wall-clock timeout")
	}

	logs := s.collectLogs(context.Background(), created.ID)
	if exitCode != 0 {
		return sandbox.Telemetry{TaskID: run.ID, Logs: logs, DurationMs: time.Since(start).Milliseconds()},
			apherr.Newf(apherr.KindExecution, "container exited with code %d", exitCode)
	}

	return sandbox.Telemetry{
		TaskID:        run.ID,
		DurationMs:    time.Since(start).Milliseconds(),
		Logs:          logs,
		ResourceUsage: sandbox.ResourceUsage{WallTimeMs: time.Since(start).Milliseconds()},
	}, nil
}

func (s *Sandbox) collectLogs(ctx context.Context, containerID string) []sandbox.LogLine {
	rc, err := s.Client.ContainerLogs(ctx, containerID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	if len(raw) == 0 {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	out := make([]sandbox.LogLine, 0, len(lines))
	for _, l := range lines {
		if l == "" {
			continue
		}
		out = append(out, sandbox.LogLine{Timestamp: time.Now().UTC(), Level: "info", Message: l})
	}
	return out
}
