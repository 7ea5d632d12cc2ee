package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterui/realtime/internal/config"
)

func TestRunFlagsOverrideConfig(t *testing.T) {
	t.Setenv("REALTIME_LISTEN", ":7070")

	v := config.NewViper()
	v.SetConfigName("does-not-exist")
	cmd := newRunCommand(v)

	require.NoError(t, cmd.Flags().Parse([]string{
		"--listen", ":9999",
		"--api-base-url", "https://manager.example/api",
		"--stream-throttle", "-1s",
	}))

	cfg, err := config.Read(v)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "https://manager.example/api", cfg.API.BaseURL)
	assert.Equal(t, -time.Second, cfg.Stream.Throttle)
	assert.Equal(t, config.DefaultConfig().Stream.PollInterval, cfg.Stream.PollInterval)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	v := config.NewViper()
	v.SetConfigName("does-not-exist")

	root := newRootCommand()
	root.AddCommand(newRunCommand(v))
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--api-base-url", "ftp://backend/api"})

	assert.ErrorContains(t, root.Execute(), "must be http or https")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newVersionCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "realtime-gateway dev")
}
