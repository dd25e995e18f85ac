package p8

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveSpec(t *testing.T) {
	c := DefaultConfig()
	c.IpcPrefix = "test-"
	assert.Equal(t, "ipc://test-client-out", c.ResolveSpec("ipc://{ipc_prefix}client-out"))

	c.PortOffset = 10
	assert.Equal(t, "tcp://*:5570", c.ResolveSpec("tcp://*:5560"))
	// non-tcp specs are not port shifted
	assert.Equal(t, "ipc://test-sock", c.ResolveSpec("ipc://{ipc_prefix}sock"))
}

func TestResolveSpecDirs(t *testing.T) {
	c := DefaultConfig()
	c.RunDir = "/var/run/p8"
	assert.Equal(t, "ipc:///var/run/p8/sock", c.ResolveSpec("ipc://{rundir}/sock"))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
		// json5 allows comments
		ipc_prefix: "custom-",
		port_offset: 2,
		routes: "/etc/p8/routes",
	}`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "custom-", c.IpcPrefix)
	assert.Equal(t, 2, c.PortOffset)
	assert.Equal(t, "/etc/p8/routes", c.RoutesFile)
	// defaults survive under the overrides
	assert.NotEmpty(t, c.ZClientOut)
}

func TestLoadConfigMissing(t *testing.T) {
	c, err := LoadConfig("")
	assert.NoError(t, err)
	assert.NotNil(t, c)

	_, err = LoadConfig("/does/not/exist")
	assert.Error(t, err)
}
