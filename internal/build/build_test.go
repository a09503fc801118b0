package build

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/engine/enginetest"
)

// addonRepo creates a git repository with one commit tagged version.
func addonRepo(t *testing.T, version string) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ssh"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ssh", "Dockerfile"), []byte("FROM alpine\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("ssh/Dockerfile")
	require.NoError(t, err)
	hash, err := wt.Commit("add ssh", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	_, err = repo.CreateTag(version, hash, nil)
	require.NoError(t, err)
	return dir
}

func TestBuilder_LocalDir(t *testing.T) {
	fake := enginetest.New()
	dir := t.TempDir()
	b := &Builder{Dir: dir, Arch: "amd64", BuildArgs: map[string]string{"BUILD_FROM": "alpine"}}

	ref := "local/amd64-addon-ssh:9.1.0"
	require.NoError(t, b.Acquire(t.Context(), fake, ref, engine.PullOptions{Platform: "linux/amd64"}))

	require.Len(t, fake.Builds, 1)
	req := fake.Builds[0]
	assert.Equal(t, dir, req.ContextDir)
	assert.Equal(t, []string{ref}, req.Tags)
	assert.Equal(t, "9.1.0", req.Labels["io.hass.version"])
	assert.Equal(t, map[string]string{
		"BUILD_FROM":    "alpine",
		"BUILD_VERSION": "9.1.0",
		"BUILD_ARCH":    "amd64",
	}, req.BuildArgs)
	assert.Equal(t, "linux/amd64", req.Platform)
	assert.True(t, fake.HasImage(ref))

	// the configured args are not mutated
	assert.Len(t, b.BuildArgs, 1)
}

func TestBuilder_NoSource(t *testing.T) {
	err := (&Builder{}).Acquire(t.Context(), enginetest.New(), "x:1", engine.PullOptions{})
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestBuilder_BuildFailure(t *testing.T) {
	fake := enginetest.New()
	fake.Fail("ImageBuild", engine.ErrUnavailable)
	err := (&Builder{Dir: t.TempDir()}).Acquire(t.Context(), fake, "x:1", engine.PullOptions{})
	assert.ErrorIs(t, err, engine.ErrUnavailable)
}

func TestBuilder_Repository(t *testing.T) {
	repo := addonRepo(t, "2.0.0")
	workspace := t.TempDir()
	fake := enginetest.New()

	b := &Builder{Repository: repo, Subdir: "ssh", Workspace: workspace}
	require.NoError(t, b.Acquire(t.Context(), fake, "local/ssh:2.0.0", engine.PullOptions{}))

	require.Len(t, fake.Builds, 1)
	assert.Equal(t, "ssh", filepath.Base(fake.Builds[0].ContextDir))

	// the checkout is removed after the build
	entries, err := os.ReadDir(workspace)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClone_UnknownTag(t *testing.T) {
	repo := addonRepo(t, "1.0.0")
	err := Clone(t.Context(), repo, "3.0.0", t.TempDir(), 0)
	assert.Error(t, err)
}
