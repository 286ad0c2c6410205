package container

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/config"
)

func allowlistConfig() config.Docker {
	return config.Docker{
		ImageAllowlist: []string{"registry.example.com/*"},
	}
}

func TestValidateRejectsImageOutsideAllowlist(t *testing.T) {
	err := Validate(RunMetadata{Image: "other.registry/app:latest"}, allowlistConfig())
	require.Equal(t, apherr.KindDockerPolicy, apherr.KindOf(err))

	e, ok := apherr.As(err)
	require.True(t, ok)
	docker, ok := e.Properties["docker"].(map[string]any)
	require.True(t, ok)
	require.NotEmpty(t, docker["validationErrors"])
}

func TestValidateAllowsImageMatchingAllowlist(t *testing.T) {
	err := Validate(RunMetadata{Image: "registry.example.com/app:latest"}, allowlistConfig())
	require.NoError(t, err)
}

func TestValidateDenyWinsOverAllow(t *testing.T) {
	cfg := config.Docker{
		ImageAllowlist: []string{"registry.example.com/*"},
		ImageDenylist:  []string{"registry.example.com/forbidden*"},
	}
	err := Validate(RunMetadata{Image: "registry.example.com/forbidden:v1"}, cfg)
	require.Equal(t, apherr.KindDockerPolicy, apherr.KindOf(err))
}

func TestValidateEmptyAllowlistPermitsAnythingNotDenied(t *testing.T) {
	cfg := config.Docker{ImageDenylist: []string{"bad/*"}}
	require.NoError(t, Validate(RunMetadata{Image: "anything/else:tag"}, cfg))
	require.Error(t, Validate(RunMetadata{Image: "bad/image:tag"}, cfg))
}

func TestValidateRejectsGPUWhenGloballyDisabled(t *testing.T) {
	err := Validate(RunMetadata{Image: "registry.example.com/app", GPU: true}, allowlistConfig())
	require.Equal(t, apherr.KindDockerPolicy, apherr.KindOf(err))
}

func TestValidateRejectsInlineSecretValues(t *testing.T) {
	meta := RunMetadata{
		Image:     "registry.example.com/app",
		SecretEnv: map[string]SecretRef{"API_KEY": {Source: "", Key: ""}},
	}
	err := Validate(meta, allowlistConfig())
	require.Equal(t, apherr.KindDockerPolicy, apherr.KindOf(err))
}

func TestValidateRejectsWorkspaceEscape(t *testing.T) {
	for _, path := range []string{"/etc/passwd", "../outside", "inputs/../../outside"} {
		meta := RunMetadata{
			Image:       "registry.example.com/app",
			InputMounts: []InputMount{{ID: "in-1", WorkspacePath: path}},
		}
		err := Validate(meta, allowlistConfig())
		require.Equal(t, apherr.KindDockerPolicy, apherr.KindOf(err), path)
	}
}

func TestValidateRejectsDuplicateMountIDs(t *testing.T) {
	meta := RunMetadata{
		Image: "registry.example.com/app",
		InputMounts: []InputMount{
			{ID: "in-1", WorkspacePath: "a"},
			{ID: "in-1", WorkspacePath: "b"},
		},
	}
	err := Validate(meta, allowlistConfig())
	require.Equal(t, apherr.KindDockerPolicy, apherr.KindOf(err))
}

func TestNetworkPolicyIsolationForcesNone(t *testing.T) {
	p := NetworkPolicy{
		IsolationEnabled:  true,
		AllowModeOverride: "bridge",
		AllowedModes:      []string{"bridge"},
		DefaultMode:       "bridge",
	}
	require.Equal(t, "none", p.resolve())
}

func TestNetworkPolicyOverrideRequiresAllowedMode(t *testing.T) {
	p := NetworkPolicy{AllowModeOverride: "bridge", AllowedModes: []string{"none"}, DefaultMode: "none"}
	require.Equal(t, "none", p.resolve())

	p.AllowedModes = []string{"none", "bridge"}
	require.Equal(t, "bridge", p.resolve())
}
