package lifecycle

import (
	"time"

	"github.com/spin-stack/fleetd/internal/role"
)

// Trust statuses of the installed image.
const (
	TrustUnverified = "unverified"
	TrustTrusted    = "trusted"
)

// Record is the persisted view of one managed container. There is exactly one
// record per container name, stored in the records bucket keyed by Name.
type Record struct {
	Name        string    `json:"name"`
	Role        role.Role `json:"role"`
	Slug        string    `json:"slug,omitempty"`
	State       string    `json:"state"`
	Image       string    `json:"image"`
	Version     string    `json:"version"`
	ContainerID string    `json:"container_id,omitempty"`
	Address     string    `json:"address,omitempty"`
	Trust       string    `json:"trust"`
	ExitCode    int       `json:"exit_code"`
	Health      string    `json:"health,omitempty"`
	// Pending is a version installed while a container of the recorded
	// version existed. The next container created uses it.
	Pending *Installed `json:"pending,omitempty"`
	// Stale is set when an engine call timed out and the state may not match
	// the engine. It is cleared by the next observed event or Reinspect.
	Stale     bool      `json:"stale,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref returns the image reference of the installed version.
func (r Record) Ref() string {
	if r.Image == "" || r.Version == "" {
		return ""
	}
	return role.ImageRef(r.Image, r.Version)
}

// Installed is an image version made available locally by Install.
type Installed struct {
	Image   string `json:"image"`
	Version string `json:"version"`
	Trust   string `json:"trust"`
}

// Ref returns image:version.
func (i Installed) Ref() string { return role.ImageRef(i.Image, i.Version) }

// references reports whether ref is the recorded or the pending image.
func (r Record) references(ref string) bool {
	if ref == "" {
		return false
	}
	return ref == r.Ref() || (r.Pending != nil && ref == r.Pending.Ref())
}
