package vatbundle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.gz")
	b := Bundle{
		Format:   FormatNative,
		Code:     "counter",
		Metadata: map[string]string{"name": "counter-vat"},
	}
	require.NoError(t, Write(path, b))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, b, got)
}

func TestLoadDefaultsFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.gz")
	require.NoError(t, Write(path, Bundle{Code: "echo"}))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, FormatNative, got.Format)
}
