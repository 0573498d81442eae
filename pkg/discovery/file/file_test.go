package file

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func write(t *testing.T, path, body string) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestEnvOverridesFile(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "a:1\n")
    t.Setenv("SAFEMODE_TEST_SEEDS", "y:8, x:9,")

    d := New(Options{Path: f, Env: "SAFEMODE_TEST_SEEDS"})
    assert.Equal(t, []string{"x:9", "y:8"}, d.Seeds())

    t.Setenv("SAFEMODE_TEST_SEEDS", "")
    assert.Equal(t, []string{"a:1"}, d.Seeds())
}

func TestFileCommentsAndReload(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "# coordinators\na:1, b:2\n\nb:2\n")
    d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
    assert.Equal(t, []string{"a:1", "b:2"}, d.Seeds())

    write(t, f, "c:3\n")
    // Force a newer mtime regardless of filesystem timestamp granularity.
    future := time.Now().Add(time.Minute)
    require.NoError(t, os.Chtimes(f, future, future))
    assert.Equal(t, []string{"c:3"}, d.Seeds())
}

func TestGlobMergesFiles(t *testing.T) {
    dir := t.TempDir()
    write(t, filepath.Join(dir, "a.seeds"), "a:1\nb:2\n")
    write(t, filepath.Join(dir, "b.seeds"), "b:2\nc:3\n")
    write(t, filepath.Join(dir, "ignored.txt"), "z:9\n")

    d := New(Options{Path: filepath.Join(dir, "*.seeds")})
    assert.Equal(t, []string{"a:1", "b:2", "c:3"}, d.Seeds())
}

func TestMissingFileKeepsLastSeeds(t *testing.T) {
    f := filepath.Join(t.TempDir(), "seeds.txt")
    write(t, f, "a:1\n")
    d := New(Options{Path: f})
    assert.Equal(t, []string{"a:1"}, d.Seeds())

    require.NoError(t, os.Remove(f))
    assert.Equal(t, []string{"a:1"}, d.Seeds())
    assert.Nil(t, New(Options{}).Seeds())
}
