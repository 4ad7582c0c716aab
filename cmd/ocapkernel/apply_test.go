package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestParseManifestFileVat(t *testing.T) {
	path := writeManifest(t, `
apiVersion: ocapkernel/v1
kind: Vat
metadata:
  name: my-counter
spec:
  code: counter
  parameters:
    start: 10
  subcluster: sub-a
`)

	manifest, err := parseManifestFile(path)
	require.NoError(t, err)
	require.Equal(t, "Vat", manifest.Kind)
	require.Equal(t, "my-counter", manifest.Metadata.Name)
	require.Equal(t, "counter", manifest.Spec.Code)
	require.Equal(t, "sub-a", manifest.Spec.Subcluster)
	require.Equal(t, 10, manifest.Spec.Parameters["start"])
}

func TestParseManifestFileSubcluster(t *testing.T) {
	path := writeManifest(t, `
kind: Subcluster
metadata:
  name: my-subcluster
spec:
  bundleFile: /tmp/does-not-need-to-exist-for-parsing.bundle
`)

	manifest, err := parseManifestFile(path)
	require.NoError(t, err)
	require.Equal(t, "Subcluster", manifest.Kind)
	require.Equal(t, "/tmp/does-not-need-to-exist-for-parsing.bundle", manifest.Spec.BundleFile)
}

func TestParseManifestFileMissingFileErrors(t *testing.T) {
	_, err := parseManifestFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParseManifestFileInvalidYAMLErrors(t *testing.T) {
	path := writeManifest(t, "kind: [this is not a manifest")
	_, err := parseManifestFile(path)
	require.Error(t, err)
}

func TestRunApplyRejectsUnsupportedKindBeforeDialing(t *testing.T) {
	path := writeManifest(t, `
kind: Secret
metadata:
  name: irrelevant
spec:
  code: echo
`)

	cmd := &cobra.Command{}
	cmd.Flags().StringP("file", "f", path, "")

	err := runApply(cmd, nil)
	require.ErrorContains(t, err, "unsupported manifest kind")
}
