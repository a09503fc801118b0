// Package role describes the fixed set of container roles fleetd manages and
// the immutable descriptors they are created from.
package role

import "fmt"

// Role identifies a managed container class.
type Role string

const (
	Addon     Role = "addon"
	Audio     Role = "audio"
	Cli       Role = "cli"
	DNS       Role = "dns"
	Core      Role = "homeassistant"
	Multicast Role = "multicast"
	Observer  Role = "observer"
	Self      Role = "supervisor"
)

// All lists every role in startup order: the self container first, plugins
// next, then the core service and add-ons.
var All = []Role{Self, DNS, Audio, Cli, Observer, Multicast, Core, Addon}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case Addon, Audio, Cli, DNS, Core, Multicast, Observer, Self:
		return true
	}
	return false
}

// Parse converts a string to a Role.
func Parse(s string) (Role, error) {
	r := Role(s)
	if s == "core" {
		r = Core
	}
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// ContainerName returns the deterministic container name of a role. Add-ons
// are named after their slug.
func ContainerName(r Role, slug string) string {
	switch r {
	case Addon:
		return "addon_" + slug
	case Core:
		return "homeassistant"
	default:
		return "hassio_" + string(r)
	}
}
