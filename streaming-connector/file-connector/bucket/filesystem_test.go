package bucket

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileSystem() *FileSystem {
	return &FileSystem{Fs: afero.NewMemMapFs(), BasePath: "/data", PartPrefix: "part", PartSuffix: ".log"}
}

func readFile(t *testing.T, fs afero.Fs, path string) string {
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return string(b)
}

func TestFileSystem_PartLifecycle(t *testing.T) {
	fs := newTestFileSystem()
	part, err := fs.CreatePart("a", 3, time.Now())
	require.NoError(t, err)
	written, err := fs.Append(part, []byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, written)
	assert.Equal(t, int64(6), part.Size)

	hidden := filepath.Join("/data", "a", ".part-3.log.inprogress")
	exists, err := afero.Exists(fs.Fs, hidden)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, fs.Finalize(part))
	uncommitted, err := fs.ListUncommitted("a")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, uncommitted)

	require.NoError(t, fs.Commit("a", 3))
	assert.Equal(t, "hello\n", readFile(t, fs.Fs, filepath.Join("/data", "a", "part-3.log")))
	//committing twice is a no-op
	require.NoError(t, fs.Commit("a", 3))
	assert.Error(t, fs.Commit("a", 4))

	next, err := fs.NextPartNumber("a")
	require.NoError(t, err)
	assert.Equal(t, 4, next)
	uncommitted, err = fs.ListUncommitted("a")
	require.NoError(t, err)
	assert.Empty(t, uncommitted)
}

func TestFileSystem_Listing(t *testing.T) {
	fs := newTestFileSystem()
	next, err := fs.NextPartNumber("missing")
	require.NoError(t, err)
	assert.Equal(t, 0, next)
	buckets, err := fs.ListBuckets()
	require.NoError(t, err)
	assert.Empty(t, buckets)

	require.NoError(t, afero.WriteFile(fs.Fs, "/data/a/part-0.log", nil, 0644))
	require.NoError(t, afero.WriteFile(fs.Fs, "/data/a/.part-1.log.inprogress", nil, 0644))
	require.NoError(t, afero.WriteFile(fs.Fs, "/data/a/notes.txt", nil, 0644))
	require.NoError(t, afero.WriteFile(fs.Fs, "/data/a/part-x.log", nil, 0644))
	require.NoError(t, fs.Fs.MkdirAll("/data/b", 0755))

	buckets, err = fs.ListBuckets()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, buckets)
	uncommitted, err := fs.ListUncommitted("a")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, uncommitted)
	next, err = fs.NextPartNumber("a")
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	require.NoError(t, fs.Discard("a", 1))
	require.NoError(t, fs.Discard("a", 1))
	uncommitted, err = fs.ListUncommitted("a")
	require.NoError(t, err)
	assert.Empty(t, uncommitted)
}
