package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/vatbundle"
)

func TestLoadBundleFromCode(t *testing.T) {
	b, err := loadBundle("echo", "")
	require.NoError(t, err)
	require.Equal(t, vatbundle.FormatNative, b.Format)
	require.Equal(t, "echo", b.Code)
}

func TestLoadBundleFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.bundle")
	require.NoError(t, vatbundle.Write(path, vatbundle.Bundle{Format: vatbundle.FormatNative, Code: "counter"}))

	b, err := loadBundle("", path)
	require.NoError(t, err)
	require.Equal(t, "counter", b.Code)
}

func TestLoadBundleRequiresCodeOrFile(t *testing.T) {
	_, err := loadBundle("", "")
	require.Error(t, err)
}

func TestResolveWorkerBinaryPrefersConfigured(t *testing.T) {
	require.Equal(t, "/opt/bin/ocap-supervisor", resolveWorkerBinary("/opt/bin/ocap-supervisor"))
}

func TestResolveWorkerBinaryFallsBackToPATH(t *testing.T) {
	got := resolveWorkerBinary("")
	require.NotEmpty(t, got)
}

func TestDefaultFacadeSocketIsUnderHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".ocapkernel", "facade.sock"), defaultFacadeSocket())
}
