package runtime

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainerName_DeterministicAndPrefixed(t *testing.T) {
	n1 := ContainerName("My Project", "migration-1")
	n2 := ContainerName("My Project", "migration-1")
	n3 := ContainerName("My Project", "migration-2")

	assert.Equal(t, n1, n2, "same inputs must produce the same name")
	assert.NotEqual(t, n1, n3, "different migration ids must not collide on name")
	assert.Contains(t, n1, "ai-modernizer-my-project-")
}

func TestNormalizeName_LowercasesAndHyphenates(t *testing.T) {
	assert.Equal(t, "my-app", normalizeName("My_App"))
	assert.Equal(t, "my-app", normalizeName("my app"))
	assert.Equal(t, "myapp123", normalizeName("MyApp123"))
}

func TestBoundedBuffer_TruncatesFromHead(t *testing.T) {
	var b boundedBuffer
	b.limit = 8
	b.Write([]byte("abcdefgh"))
	b.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", b.String())
}

func TestTarDirectory_ExcludesNamedDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "leftpad"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "leftpad", "index.js"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"), []byte(`{}`), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0644))

	buf, err := tarDirectory(root, []string{"node_modules", ".git", "venv", "__pycache__"})
	require.NoError(t, err)

	names := tarEntryNames(t, buf.Bytes())
	assert.Contains(t, names, "package.json")
	for _, n := range names {
		assert.NotContains(t, n, "node_modules")
		assert.NotContains(t, n, ".git")
	}
}

func tarEntryNames(t *testing.T, data []byte) []string {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	return names
}
