package sandbox

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHardenedHostConfig(t *testing.T) {
	cfg := hardenedHostConfig(KindOneShot)

	assert.True(t, cfg.ReadonlyRootfs)
	assert.Equal(t, "none", string(cfg.NetworkMode))
	assert.Equal(t, []string{"ALL"}, []string(cfg.CapDrop))
	assert.ElementsMatch(t, []string{"SETUID", "SETGID"}, []string(cfg.CapAdd))
	assert.Contains(t, cfg.SecurityOpt, "no-new-privileges:true")
	assert.Equal(t, tmpfsOptions, cfg.Tmpfs["/tmp"])
	assert.Equal(t, tmpfsOptions, cfg.Tmpfs["/var/tmp"])

	assert.Equal(t, int64(memoryLimitBytes), cfg.Resources.Memory)
	assert.Equal(t, int64(nanoCPUs), cfg.Resources.NanoCPUs)
	require.NotNil(t, cfg.Resources.PidsLimit)
	assert.Equal(t, int64(pidsLimit), *cfg.Resources.PidsLimit)

	limits := map[string]int64{}
	for _, u := range cfg.Resources.Ulimits {
		limits[u.Name] = u.Hard
	}
	assert.Equal(t, int64(openFilesLimit), limits["nofile"])
	assert.Equal(t, int64(processesLimit), limits["nproc"])
}

func TestWebSandboxGetsBridgeNetwork(t *testing.T) {
	cfg := hardenedHostConfig(KindWeb)
	assert.Equal(t, "bridge", string(cfg.NetworkMode))
	// The port binding itself is attached per-sandbox, not in the profile.
	assert.Empty(t, cfg.PortBindings[nat.Port("8501/tcp")])
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
}
