package enginetest

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/spin-stack/fleetd/internal/engine"
)

// repoOf returns the repository part of a reference.
func repoOf(ref string) string {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i]
	}
	return ref
}

func normalize(ref string) string {
	if strings.HasPrefix(ref, "sha256:") || strings.Contains(ref[strings.LastIndex(ref, "/")+1:], ":") {
		return ref
	}
	return ref + ":latest"
}

// resolveImage returns the image ID for a tag or ID. Callers hold f.mu.
func (f *Fake) resolveImage(ref string) (string, bool) {
	if _, ok := f.images[ref]; ok {
		return ref, true
	}
	id, ok := f.tags[normalize(ref)]
	return id, ok
}

// AddImage makes ref present locally, as if previously pulled, and returns its ID.
func (f *Fake) AddImage(ref string, labels map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addImageLocked(ref, labels)
}

func (f *Fake) addImageLocked(ref string, labels map[string]string) string {
	ref = normalize(ref)
	id := digest.FromString(ref).String()
	img, ok := f.images[id]
	if !ok {
		img = &engine.ImageInfo{
			ID:          id,
			Labels:      maps.Clone(labels),
			RepoDigests: []string{repoOf(ref) + "@" + id},
			Created:     time.Now(),
		}
		f.images[id] = img
	}
	f.tagLocked(id, ref)
	return id
}

func (f *Fake) tagLocked(id, ref string) {
	if old, ok := f.tags[ref]; ok && old != id {
		f.untagLocked(ref)
	}
	f.tags[ref] = id
	img := f.images[id]
	if !slices.Contains(img.RepoTags, ref) {
		img.RepoTags = append(img.RepoTags, ref)
	}
}

func (f *Fake) untagLocked(ref string) {
	id, ok := f.tags[ref]
	if !ok {
		return
	}
	delete(f.tags, ref)
	img := f.images[id]
	img.RepoTags = slices.DeleteFunc(img.RepoTags, func(t string) bool { return t == ref })
	if len(img.RepoTags) == 0 {
		delete(f.images, id)
	}
}

// HasImage reports whether ref is present locally.
func (f *Fake) HasImage(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.resolveImage(ref)
	return ok
}

// Tags returns every local tag, sorted.
func (f *Fake) Tags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.tags))
}

func (f *Fake) ImagePull(ctx context.Context, ref string, opts engine.PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ImagePull"); err != nil {
		return err
	}
	f.Pulls = append(f.Pulls, PullCall{Ref: ref, Opts: opts})
	f.addImageLocked(ref, map[string]string{"io.hass.version": ref[strings.LastIndex(ref, ":")+1:]})
	return nil
}

func (f *Fake) ImageBuild(ctx context.Context, req *engine.BuildRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ImageBuild"); err != nil {
		return err
	}
	f.Builds = append(f.Builds, *req)
	for _, tag := range req.Tags {
		f.addImageLocked(tag, req.Labels)
	}
	return nil
}

func (f *Fake) ImageInspect(ctx context.Context, ref string) (*engine.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ImageInspect"); err != nil {
		return nil, err
	}
	id, ok := f.resolveImage(ref)
	if !ok {
		return nil, notFound("image", ref)
	}
	img := *f.images[id]
	img.RepoTags = slices.Clone(img.RepoTags)
	return &img, nil
}

func (f *Fake) ImageList(ctx context.Context, repo string) ([]engine.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ImageList"); err != nil {
		return nil, err
	}
	var out []engine.ImageInfo
	for _, id := range slices.Sorted(maps.Keys(f.images)) {
		img := f.images[id]
		if slices.ContainsFunc(img.RepoTags, func(t string) bool { return repoOf(t) == repo }) {
			cp := *img
			cp.RepoTags = slices.Clone(img.RepoTags)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *Fake) ImageRemove(ctx context.Context, ref string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ImageRemove"); err != nil {
		return err
	}
	if img, ok := f.images[ref]; ok {
		if !force && len(img.RepoTags) > 1 {
			return conflict("image %s is referenced in multiple repositories", ref)
		}
		for _, t := range slices.Clone(img.RepoTags) {
			f.untagLocked(t)
		}
		return nil
	}
	ref = normalize(ref)
	if _, ok := f.tags[ref]; !ok {
		return notFound("image", ref)
	}
	f.untagLocked(ref)
	return nil
}

func (f *Fake) ImageTag(ctx context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ImageTag"); err != nil {
		return err
	}
	id, ok := f.resolveImage(source)
	if !ok {
		return notFound("image", source)
	}
	f.tagLocked(id, normalize(target))
	return nil
}
