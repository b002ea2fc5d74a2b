package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version, strings.TrimSpace(out.String()))
}

func TestServeFlagsOverrideEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--storage", "memory"}))
	addr, err := cmd.Flags().GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, ":9999", addr)
	backend, err := cmd.Flags().GetString("storage")
	require.NoError(t, err)
	assert.Equal(t, "memory", backend)
}
