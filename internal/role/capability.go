package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/spin-stack/fleetd/internal/engine"
)

// ErrNotSupported is returned when a role lacks the capability an operation needs.
var ErrNotSupported = errors.New("operation not supported by role")

// Acquirer makes image:version available locally.
type Acquirer interface {
	Acquire(ctx context.Context, images engine.ImageAPI, ref string, opts engine.PullOptions) error
}

// Pull acquires images from a registry.
type Pull struct{}

func (Pull) Acquire(ctx context.Context, images engine.ImageAPI, ref string, opts engine.PullOptions) error {
	return images.ImagePull(ctx, ref, opts)
}

// TrustPolicy validates an acquired image.
type TrustPolicy interface {
	Verify(ctx context.Context, imageID, publisher string) (bool, error)
}

// Executor runs a one-off command for a role.
type Executor interface {
	Exec(ctx context.Context, containers engine.ContainerAPI, image string, command []string) (*engine.ExecResult, error)
}

// Ephemeral runs commands in a throwaway container of the role image.
type Ephemeral struct {
	// Name of the ephemeral container; must not collide with the role container.
	Name        string
	Entrypoint  []string
	Env         map[string]string
	Mounts      []engine.Mount
	NetworkMode string
	Privileged  bool
}

func (e Ephemeral) Exec(ctx context.Context, containers engine.ContainerAPI, image string, command []string) (*engine.ExecResult, error) {
	spec := &engine.ContainerSpec{
		Name:        e.Name,
		Image:       image,
		Entrypoint:  e.Entrypoint,
		Cmd:         command,
		Env:         e.Env,
		Mounts:      e.Mounts,
		NetworkMode: e.NetworkMode,
		Privileged:  e.Privileged,
		Labels:      map[string]string{engine.ManagedLabel: ""},
	}
	res, err := containers.RunEphemeral(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("exec %v: %w", command, err)
	}
	return res, nil
}

// StdinWriter delivers input to a running role container.
type StdinWriter interface {
	WriteStdin(ctx context.Context, containers engine.ContainerAPI, containerID string, data []byte) error
}

// AttachStdin writes through an attach to the container's stdin.
type AttachStdin struct {
	// AppendNewline terminates each write with '\n' when missing.
	AppendNewline bool
}

func (a AttachStdin) WriteStdin(ctx context.Context, containers engine.ContainerAPI, containerID string, data []byte) error {
	if a.AppendNewline && (len(data) == 0 || data[len(data)-1] != '\n') {
		data = append(append([]byte{}, data...), '\n')
	}
	return containers.ContainerWriteStdin(ctx, containerID, data)
}
