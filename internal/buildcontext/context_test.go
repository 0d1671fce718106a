package buildcontext_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seyoung4503/asgipack/internal/buildcontext"
)

const manifestContent = `
[project]
name = "demo"
version = "0.1.0"
dependencies = [
    "Demo-Pkg==0.1.0",
    "other>=1.0",
]
`

func writeContext(t *testing.T, manifest, lock string) string {
	t.Helper()

	dir := t.TempDir()

	if manifest != "" {
		err := os.WriteFile(filepath.Join(dir, buildcontext.ManifestFile), []byte(manifest), 0644)
		require.NoError(t, err)
	}
	if lock != "" {
		err := os.WriteFile(filepath.Join(dir, buildcontext.LockFile), []byte(lock), 0644)
		require.NoError(t, err)
	}

	return dir
}

func lockFor(t *testing.T, manifest string) string {
	t.Helper()

	dir := writeContext(t, manifest, "")
	m, err := buildcontext.LoadManifest(filepath.Join(dir, buildcontext.ManifestFile))
	require.NoError(t, err)

	return `
version = 1

[metadata]
content-hash = "` + m.ContentHash() + `"

[[package]]
name = "demo-pkg"
version = "0.1.0"
url = "https://files.example.com/demo_pkg-0.1.0-py3-none-any.whl"
sha256 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

[[package]]
name = "other"
version = "1.2.3"
url = "https://files.example.com/other-1.2.3-py3-none-any.whl"
sha256 = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
`
}

func TestCanonicalName(t *testing.T) {
	require.Equal(t, "demo-pkg", buildcontext.CanonicalName("Demo_Pkg"))
	require.Equal(t, "demo-pkg", buildcontext.CanonicalName("demo.pkg"))
	require.Equal(t, "demo-pkg", buildcontext.CanonicalName("DEMO--PKG"))
}

func TestContentHashIgnoresOrder(t *testing.T) {
	a := buildcontext.Manifest{}
	a.Project.Name = "demo"
	a.Project.Dependencies = []string{"x==1", "y==2"}

	b := buildcontext.Manifest{}
	b.Project.Name = "demo"
	b.Project.Dependencies = []string{"y==2", "x==1"}

	require.Equal(t, a.ContentHash(), b.ContentHash())
}

func TestLoadAndVerify(t *testing.T) {
	dir := writeContext(t, manifestContent, lockFor(t, manifestContent))

	bctx, err := buildcontext.Load(dir)
	require.NoError(t, err)

	require.NoError(t, bctx.Verify())
	require.Len(t, bctx.Manifest.Requirements(), 2)
}

func TestMissingLockIsConsistencyError(t *testing.T) {
	dir := writeContext(t, manifestContent, "")

	_, err := buildcontext.Load(dir)
	require.Error(t, err)
	require.True(t, buildcontext.IsConsistencyError(err))
}

func TestStaleLockHashFailsVerify(t *testing.T) {
	lock := lockFor(t, manifestContent)

	// the manifest changed after the lock was resolved
	editedDeps := `
[project]
name = "demo"
version = "0.1.0"
dependencies = [
    "Demo-Pkg==0.2.0",
    "other>=1.0",
]
`
	dir := writeContext(t, editedDeps, lock)

	bctx, err := buildcontext.Load(dir)
	require.NoError(t, err)

	err = bctx.Verify()
	require.Error(t, err)
	require.True(t, buildcontext.IsConsistencyError(err))
	require.Contains(t, err.Error(), "content-hash")
}

func TestUnpinnedDependencyFailsVerify(t *testing.T) {
	lock := `
version = 1

[metadata]
content-hash = "untested"

[[package]]
name = "other"
version = "1.2.3"
url = "https://files.example.com/other-1.2.3-py3-none-any.whl"
sha256 = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
`
	dir := writeContext(t, manifestContent, lock)

	bctx, err := buildcontext.Load(dir)
	require.NoError(t, err)

	// patch the hash so only the missing pin can fail
	bctx.Lock.Metadata.ContentHash = bctx.Manifest.ContentHash()

	err = bctx.Verify()
	require.Error(t, err)
	require.True(t, buildcontext.IsConsistencyError(err))
	require.Contains(t, err.Error(), "demo-pkg")
}

func TestPinnedVersionMismatchFailsVerify(t *testing.T) {
	lock := lockFor(t, manifestContent)
	dir := writeContext(t, manifestContent, lock)

	bctx, err := buildcontext.Load(dir)
	require.NoError(t, err)

	bctx.Lock.Packages[0].Version = "0.9.9"

	err = bctx.Verify()
	require.Error(t, err)
	require.True(t, buildcontext.IsConsistencyError(err))
}

func TestLockRejectsMissingPinFields(t *testing.T) {
	dir := writeContext(t, manifestContent, `
version = 1

[metadata]
content-hash = "whatever"

[[package]]
name = "demo-pkg"
version = "0.1.0"
`)

	_, err := buildcontext.Load(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pin field")
}
