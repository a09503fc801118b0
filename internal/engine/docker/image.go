package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/containerd/log"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/spin-stack/fleetd/internal/engine"
)

// ImagePull pulls ref and waits for the pull to finish.
func (c *Client) ImagePull(ctx context.Context, ref string, opts engine.PullOptions) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{
		RegistryAuth: opts.RegistryAuth,
		Platform:     opts.Platform,
	})
	if err != nil {
		return classify("pull "+ref, err)
	}
	defer rc.Close()

	if err := drainProgress(ctx, rc); err != nil {
		return classify("pull "+ref, err)
	}
	return nil
}

// ImageBuild tars the context directory and runs an engine build.
func (c *Client) ImageBuild(ctx context.Context, req *engine.BuildRequest) error {
	tar, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to archive build context %s: %w", req.ContextDir, err)
	}
	defer tar.Close()

	args := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		args[k] = &v
	}

	resp, err := c.cli.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:        req.Tags,
		Dockerfile:  req.Dockerfile,
		Labels:      req.Labels,
		BuildArgs:   args,
		Platform:    req.Platform,
		Remove:      true,
		ForceRemove: true,
		PullParent:  true,
	})
	if err != nil {
		return classify("build "+req.ContextDir, err)
	}
	defer resp.Body.Close()

	if err := drainProgress(ctx, resp.Body); err != nil {
		return classify("build "+req.ContextDir, err)
	}
	return nil
}

// drainProgress consumes a JSON progress stream and returns the first
// error message the engine reports in it.
func drainProgress(ctx context.Context, r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.Stream != "" {
			log.G(ctx).Trace(msg.Stream)
		}
	}
}

func (c *Client) ImageInspect(ctx context.Context, ref string) (*engine.ImageInfo, error) {
	resp, err := c.cli.ImageInspect(ctx, ref)
	if err != nil {
		return nil, classify("inspect image "+ref, err)
	}
	info := &engine.ImageInfo{
		ID:          resp.ID,
		RepoTags:    resp.RepoTags,
		RepoDigests: resp.RepoDigests,
	}
	if resp.Config != nil {
		info.Labels = resp.Config.Labels
	}
	info.Created, _ = time.Parse(time.RFC3339Nano, resp.Created)
	return info, nil
}

func (c *Client) ImageList(ctx context.Context, repo string) ([]engine.ImageInfo, error) {
	summaries, err := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", repo)),
	})
	if err != nil {
		return nil, classify("list images "+repo, err)
	}
	out := make([]engine.ImageInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, engine.ImageInfo{
			ID:          s.ID,
			RepoTags:    s.RepoTags,
			RepoDigests: s.RepoDigests,
			Labels:      s.Labels,
			Created:     time.Unix(s.Created, 0),
		})
	}
	return out, nil
}

func (c *Client) ImageRemove(ctx context.Context, ref string, force bool) error {
	_, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: force, PruneChildren: true})
	return classify("remove image "+ref, err)
}

func (c *Client) ImageTag(ctx context.Context, source, target string) error {
	return classify("tag "+source, c.cli.ImageTag(ctx, source, target))
}
