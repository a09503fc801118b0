// Package trust validates acquired images against a publisher policy.
//
// The policy is a YAML document:
//
//	default: deny            # allow or deny for publishers not listed
//	publishers:
//	  home-assistant:
//	    pinned: []           # when non-empty only these image IDs are trusted
//	    revoked:
//	      - sha256:4f53...   # never trusted
package trust

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/containerd/log"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

// ErrInvalidImageID is returned when the image ID is not a valid digest.
var ErrInvalidImageID = errors.New("invalid image id")

// Decision values for publishers absent from the policy.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Publisher is the policy of one publisher.
type Publisher struct {
	Pinned  []string `yaml:"pinned"`
	Revoked []string `yaml:"revoked"`
}

// Policy is the parsed trust document.
type Policy struct {
	Default    string               `yaml:"default"`
	Publishers map[string]Publisher `yaml:"publishers"`
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse trust policy: %w", err)
	}
	if p.Default == "" {
		p.Default = Deny
	}
	if p.Default != Allow && p.Default != Deny {
		return nil, fmt.Errorf("trust policy: default must be %q or %q, got %q", Allow, Deny, p.Default)
	}
	for name, pub := range p.Publishers {
		for _, d := range slices.Concat(pub.Pinned, pub.Revoked) {
			if err := digest.Digest(d).Validate(); err != nil {
				return nil, fmt.Errorf("trust policy: publisher %s: %q: %w", name, d, err)
			}
		}
	}
	return &p, nil
}

// Store verifies images against a policy loaded from disk.
type Store struct {
	path string

	mu     sync.RWMutex
	policy *Policy
}

// Load reads the policy at path.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// New returns a store for an in-memory policy.
func New(p *Policy) *Store {
	return &Store{policy: p}
}

// Reload re-reads the policy file. On error the previous policy stays active.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read trust policy: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	log.L.WithField("publishers", len(p.Publishers)).WithField("path", s.path).Debug("trust policy loaded")
	return nil
}

// Verify reports whether imageID is trusted for publisher. An empty publisher
// is never checked. A false result with a nil error means the image is not
// trusted; an error means the question could not be answered.
func (s *Store) Verify(ctx context.Context, imageID, publisher string) (bool, error) {
	if publisher == "" {
		return true, nil
	}
	id := digest.Digest(imageID)
	if err := id.Validate(); err != nil {
		return false, fmt.Errorf("%w %q: %w", ErrInvalidImageID, imageID, err)
	}

	s.mu.RLock()
	p := s.policy
	s.mu.RUnlock()

	pub, ok := p.Publishers[publisher]
	if !ok {
		trusted := p.Default == Allow
		log.G(ctx).WithFields(log.Fields{
			"publisher": publisher,
			"image":     id.Encoded()[:12],
			"trusted":   trusted,
		}).Debug("publisher not in trust policy")
		return trusted, nil
	}
	if slices.Contains(pub.Revoked, imageID) {
		return false, nil
	}
	if len(pub.Pinned) > 0 && !slices.Contains(pub.Pinned, imageID) {
		return false, nil
	}
	return true, nil
}

// AllowAll trusts every image. It is used when trust validation is disabled.
type AllowAll struct{}

func (AllowAll) Verify(ctx context.Context, imageID, publisher string) (bool, error) {
	return true, nil
}
