package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "lib", "src", "widgets")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pubspec.yaml"), []byte("name: demo\n"), 0o644))

	p, err := FindUp("pubspec.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "pubspec.yaml"), p)

	p, err = FindUp("pubspec.yaml", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "pubspec.yaml"), p)
}

func TestFindUpNotFound(t *testing.T) {
	_, err := FindUp("definitely-not-a-real-file-7f3a9c.yaml", t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
