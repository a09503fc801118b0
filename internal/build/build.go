// Package build acquires add-on images by building them from source with the
// engine build primitive.
package build

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/role"
)

// ErrNoSource is returned when a Builder has neither a repository nor a directory.
var ErrNoSource = errors.New("build source not configured")

// Builder builds an add-on image from a git repository checked out at the
// requested version, or from a local directory.
type Builder struct {
	// Repository is the git URL of the add-on source. Empty uses Dir.
	Repository string
	// Subdir is the add-on directory inside the repository.
	Subdir string
	// Dir is a local build context, used when Repository is empty.
	Dir string
	// Workspace holds temporary clones.
	Workspace string
	// Depth limits the clone history; 0 fetches all of it.
	Depth      int
	Dockerfile string
	Arch       string
	BuildArgs  map[string]string
}

var _ role.Acquirer = (*Builder)(nil)

// Acquire builds ref (image:version). The version selects the git tag to
// check out and is stamped into the io.hass.version label.
func (b *Builder) Acquire(ctx context.Context, images engine.ImageAPI, ref string, opts engine.PullOptions) error {
	_, version := role.SplitRef(ref)
	logger := log.G(ctx).WithFields(log.Fields{"image": ref, "version": version})

	dir, cleanup, err := b.context(ctx, version)
	if err != nil {
		return err
	}
	defer cleanup()

	args := maps.Clone(b.BuildArgs)
	if args == nil {
		args = map[string]string{}
	}
	args["BUILD_VERSION"] = version
	if b.Arch != "" {
		args["BUILD_ARCH"] = b.Arch
	}

	logger.WithField("context", dir).Info("building image")
	err = images.ImageBuild(ctx, &engine.BuildRequest{
		ContextDir: dir,
		Dockerfile: b.Dockerfile,
		Tags:       []string{ref},
		Labels:     map[string]string{"io.hass.version": version},
		BuildArgs:  args,
		Platform:   opts.Platform,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", ref, err)
	}
	return nil
}

// context returns the build context directory and a function releasing it.
func (b *Builder) context(ctx context.Context, version string) (string, func(), error) {
	if b.Repository == "" {
		if b.Dir == "" {
			return "", nil, ErrNoSource
		}
		return b.Dir, func() {}, nil
	}

	if err := os.MkdirAll(b.Workspace, 0o750); err != nil {
		return "", nil, fmt.Errorf("create build workspace: %w", err)
	}
	tmp, err := os.MkdirTemp(b.Workspace, "addon-*")
	if err != nil {
		return "", nil, fmt.Errorf("create build workspace: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.G(ctx).WithError(err).WithField("path", tmp).Warn("failed to remove build checkout")
		}
	}

	if err := Clone(ctx, b.Repository, version, tmp, b.Depth); err != nil {
		cleanup()
		return "", nil, err
	}
	return filepath.Join(tmp, b.Subdir), cleanup, nil
}

// Clone checks out url into dir. A non-empty version is checked out by tag;
// otherwise the default branch is used.
func Clone(ctx context.Context, url, version, dir string, depth int) error {
	opts := &git.CloneOptions{
		URL:          url,
		Depth:        depth,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if version != "" {
		opts.ReferenceName = plumbing.NewTagReferenceName(version)
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return fmt.Errorf("clone %s at %q: %w", url, version, err)
	}
	return nil
}
