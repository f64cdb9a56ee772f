package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	assert.Nil(t, NewDefaultConfig().Validate())
	assert.Nil(t, NewTestConfig().Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := []func(c *Config){
		func(c *Config) { c.Engine.LockTableBits = 0 },
		func(c *Config) { c.Engine.ContentionManager = "karma" },
		func(c *Config) { c.Engine.MaxBackoff = 1; c.Engine.MinBackoff = 2 },
		func(c *Config) { c.Log.Slots = 0 },
		func(c *Config) { c.Log.Capacity = 100 },
		func(c *Config) { c.Log.FullPolicy = "spin" },
		func(c *Config) { c.Device.Kind = "mmap" },
		func(c *Config) { c.Device.Size = ByteSize(c.LogAreaSize()) },
		func(c *Config) { c.Device.CrashKeepProbability = 2 },
	}
	for i, mutate := range cases {
		c := NewTestConfig()
		mutate(c)
		assert.NotNil(t, c.Validate(), "case %d", i)
	}
}

func TestLayoutSizes(t *testing.T) {
	c := NewTestConfig()
	assert.Equal(t, uint64(8*(64+16*1024)), c.LogAreaSize())
	assert.Equal(t, uint64(c.Device.Size)-c.LogAreaSize(), c.DataSize())
}

func TestLoadFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "pstm-config")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "pstm.toml")
	content := `
log-level = "debug"

[engine]
contention-manager = "priority"
cm-threshold = 2
max-wait = "3ms"

[log]
slots = 4
capacity = "64KiB"
full-policy = "truncate"

[device]
kind = "badger"
path = "/tmp/pstm"
size = "8MiB"
`
	require.Nil(t, ioutil.WriteFile(path, []byte(content), 0644))

	c, err := LoadFile(path)
	require.Nil(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "priority", c.Engine.ContentionManager)
	assert.Equal(t, 2, c.Engine.CMThreshold)
	assert.Equal(t, 3*time.Millisecond, c.Engine.MaxWait.Duration)
	assert.Equal(t, ByteSize(64*KB), c.Log.Capacity)
	assert.Equal(t, ByteSize(8*MB), c.Device.Size)
	assert.Equal(t, "truncate", c.Log.FullPolicy)
	// Untouched keys keep their defaults.
	assert.Equal(t, uint(20), c.Engine.LockTableBits)
}

func TestLoadFileInvalid(t *testing.T) {
	dir, err := ioutil.TempDir("", "pstm-config")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "bad.toml")
	require.Nil(t, ioutil.WriteFile(path, []byte("[log]\nslots = 0\n"), 0644))
	_, err = LoadFile(path)
	assert.NotNil(t, err)
}
