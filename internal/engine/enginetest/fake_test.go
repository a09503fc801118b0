package enginetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/fleetd/internal/engine"
)

func TestFake_ContainerLifecycleEmitsEvents(t *testing.T) {
	f := New()
	ctx := t.Context()
	f.AddImage("example/dns:1.0", nil)

	events, errs := f.Events(ctx, engine.EventFilter{Labels: []string{engine.ManagedLabel}})

	id, err := f.ContainerCreate(ctx, &engine.ContainerSpec{
		Name:   "hassio_dns",
		Image:  "example/dns:1.0",
		Labels: map[string]string{engine.ManagedLabel: ""},
	})
	require.NoError(t, err)
	require.NoError(t, f.ContainerStart(ctx, id))
	f.Die("hassio_dns", 1)

	var actions []string
	for len(actions) < 3 {
		select {
		case ev := <-events:
			actions = append(actions, ev.Action)
			if ev.Action == engine.ActionDie {
				assert.Equal(t, 1, ev.ExitCode)
			}
		case err := <-errs:
			t.Fatalf("stream ended: %v", err)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{engine.ActionCreate, engine.ActionStart, engine.ActionDie}, actions)

	info, err := f.ContainerInspect(ctx, "hassio_dns")
	require.NoError(t, err)
	assert.Equal(t, "exited", info.State.Status)
	assert.Equal(t, 1, info.State.ExitCode)
}

func TestFake_UnlabelledEventsFiltered(t *testing.T) {
	f := New()
	ctx := t.Context()
	f.AddImage("other:1", nil)
	events, _ := f.Events(ctx, engine.EventFilter{Labels: []string{engine.ManagedLabel}})

	id, err := f.ContainerCreate(ctx, &engine.ContainerSpec{Name: "foreign", Image: "other:1"})
	require.NoError(t, err)
	require.NoError(t, f.ContainerStart(ctx, id))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFake_FailureInjection(t *testing.T) {
	f := New()
	boom := errors.New("boom")
	f.Fail("ImagePull", boom)

	err := f.ImagePull(t.Context(), "example/cli:2", engine.PullOptions{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, f.HasImage("example/cli:2"))

	require.NoError(t, f.ImagePull(t.Context(), "example/cli:2", engine.PullOptions{}))
	assert.True(t, f.HasImage("example/cli:2"))
	assert.Equal(t, 2, f.Calls("ImagePull"))

	f.SetUnavailable(true)
	assert.True(t, engine.IsUnavailable(f.Ping(t.Context())))
}

func TestFake_CreateConflictAndNotFound(t *testing.T) {
	f := New()
	ctx := t.Context()
	f.AddImage("example/cli:2", nil)

	_, err := f.ContainerCreate(ctx, &engine.ContainerSpec{Name: "hassio_cli", Image: "example/cli:3"})
	assert.True(t, engine.IsNotFound(err))

	_, err = f.ContainerCreate(ctx, &engine.ContainerSpec{Name: "hassio_cli", Image: "example/cli:2"})
	require.NoError(t, err)
	_, err = f.ContainerCreate(ctx, &engine.ContainerSpec{Name: "hassio_cli", Image: "example/cli:2"})
	assert.ErrorIs(t, err, engine.ErrConflict)

	assert.True(t, engine.IsNotFound(f.ContainerRemove(ctx, "missing", true)))
}

func TestFake_ImageTags(t *testing.T) {
	f := New()
	ctx := t.Context()
	id := f.AddImage("example/core:2024.1.0", nil)

	require.NoError(t, f.ImageTag(ctx, "example/core:2024.1.0", "example/core:latest"))
	img, err := f.ImageInspect(ctx, "example/core")
	require.NoError(t, err)
	assert.Equal(t, id, img.ID)

	f.AddImage("example/core:2024.2.0", nil)
	list, err := f.ImageList(ctx, "example/core")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, f.ImageRemove(ctx, "example/core:2024.1.0", false))
	assert.True(t, f.HasImage("example/core:latest"), "other tag keeps the image")
	assert.Equal(t, []string{"example/core:2024.2.0", "example/core:latest"}, f.Tags())
}

func TestFake_Networks(t *testing.T) {
	f := New()
	ctx := t.Context()
	f.AddImage("example/dns:1", nil)
	f.AddNetwork(engine.NetworkSpec{Name: "hassio", Subnet: "172.30.32.0/23", Gateway: "172.30.32.1"})

	id, err := f.ContainerCreate(ctx, &engine.ContainerSpec{Name: "hassio_dns", Image: "example/dns:1"})
	require.NoError(t, err)

	err = f.NetworkConnect(ctx, "hassio", id, &engine.EndpointSpec{IPv4Address: "10.0.0.3"})
	assert.Error(t, err, "address outside subnet")

	require.NoError(t, f.NetworkConnect(ctx, "hassio", id, &engine.EndpointSpec{IPv4Address: "172.30.32.3", Aliases: []string{"dns"}}))
	assert.ErrorIs(t, f.NetworkConnect(ctx, "hassio", id, nil), engine.ErrConflict)
	assert.ErrorIs(t, f.NetworkRemove(ctx, "hassio"), engine.ErrConflict)

	info, err := f.NetworkInspect(ctx, "hassio")
	require.NoError(t, err)
	require.Len(t, info.Containers, 1)
	assert.Equal(t, "172.30.32.3", info.Containers[0].IPv4Address)
	assert.Equal(t, []string{"dns"}, f.Aliases("hassio", "hassio_dns"))

	require.NoError(t, f.NetworkDisconnect(ctx, "hassio", id, false))
	require.NoError(t, f.NetworkRemove(ctx, "hassio"))
}

func TestFake_DropSubscriptions(t *testing.T) {
	f := New()
	_, errs := f.Events(t.Context(), engine.EventFilter{})
	require.Equal(t, 1, f.Subscribers())

	f.DropSubscriptions(engine.ErrUnavailable)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, engine.ErrUnavailable)
	case <-time.After(time.Second):
		t.Fatal("subscription not terminated")
	}
	assert.Equal(t, 0, f.Subscribers())
}

func TestFake_StopEventOrder(t *testing.T) {
	f := New()
	ctx := t.Context()
	f.AddImage("example/dns:1.0", nil)
	id, err := f.ContainerCreate(ctx, &engine.ContainerSpec{
		Name:   "hassio_dns",
		Image:  "example/dns:1.0",
		Labels: map[string]string{engine.ManagedLabel: ""},
	})
	require.NoError(t, err)
	require.NoError(t, f.ContainerStart(ctx, id))

	events, _ := f.Events(ctx, engine.EventFilter{Labels: []string{engine.ManagedLabel}})
	require.NoError(t, f.ContainerStop(ctx, id, time.Second))

	var actions []string
	for range 3 {
		select {
		case ev := <-events:
			actions = append(actions, ev.Action)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{engine.ActionKill, engine.ActionDie, engine.ActionStop}, actions)
}

func TestFake_HoldContainerCreate(t *testing.T) {
	f := New()
	f.AddImage("example/dns:1.0", nil)
	spec := &engine.ContainerSpec{Name: "hassio_dns", Image: "example/dns:1.0"}

	release := f.Hold("ContainerCreate")
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := f.ContainerCreate(ctx, spec)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := f.ContainerCreate(t.Context(), spec)
		done <- err
	}()
	release()
	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("create not released")
	}
}
