package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/fleetd/internal/boltstore"
	"github.com/spin-stack/fleetd/internal/engine"
	"github.com/spin-stack/fleetd/internal/engine/enginetest"
	"github.com/spin-stack/fleetd/internal/lifecycle"
	"github.com/spin-stack/fleetd/internal/monitor"
	"github.com/spin-stack/fleetd/internal/registry"
	"github.com/spin-stack/fleetd/internal/role"
	"github.com/spin-stack/fleetd/internal/stats"
)

type health monitor.Health

func (h *health) Health() monitor.Health { return monitor.Health(*h) }

func get(t *testing.T, h http.Handler, path string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	return w.Code, body
}

func runningDNS(t *testing.T, fake *enginetest.Fake) *registry.Registry[*lifecycle.Controller] {
	t.Helper()
	reg := registry.New[*lifecycle.Controller]()
	d, err := role.Builtin(role.DNS, role.CatalogOptions{ExternDir: t.TempDir(), Arch: "amd64"})
	require.NoError(t, err)
	c := lifecycle.New(d, lifecycle.Options{
		Engine:  fake,
		Locker:  reg,
		Records: boltstore.NewInMemoryStore[lifecycle.Record](),
	})
	reg.Register(c)
	require.NoError(t, c.Install(t.Context(), "2024.1.0", lifecycle.InstallOptions{}))
	require.NoError(t, c.Run(t.Context()))
	return reg
}

func TestServer_Healthz(t *testing.T) {
	h := &health{Connected: true}
	s := New(Options{Monitor: h})

	code, body := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Monitor.Connected)

	h.Connected = false
	h.LastError = "engine unavailable"
	h.ReconnectAttempts = 3
	code, body = get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, 3, resp.Monitor.ReconnectAttempts)
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "fleetd_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := New(Options{Gatherer: reg})
	code, body := get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "fleetd_test_total 3")
}

func TestServer_Containers(t *testing.T) {
	fake := enginetest.New()
	s := New(Options{Registry: runningDNS(t, fake)})

	code, body := get(t, s.Handler(), "/containers")
	require.Equal(t, http.StatusOK, code)
	var records []lifecycle.Record
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "hassio_dns", records[0].Name)
	assert.Equal(t, "running", records[0].State)

	code, body = get(t, s.Handler(), "/containers/hassio_dns")
	require.Equal(t, http.StatusOK, code)
	var rec lifecycle.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, "2024.1.0", rec.Version)

	code, _ = get(t, s.Handler(), "/containers/hassio_nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_ContainerStats(t *testing.T) {
	fake := enginetest.New()
	reg := runningDNS(t, fake)
	s := New(Options{Registry: reg, Stats: stats.NewCollector(fake, time.Second)})

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sample := func(at time.Time, cpu, sys, rx uint64) *engine.RawStats {
		return &engine.RawStats{
			Read: at,
			CPU: engine.CPUStats{
				CPUUsage:    engine.CPUUsage{TotalUsage: cpu},
				SystemUsage: sys,
				OnlineCPUs:  2,
			},
			Memory:   engine.MemoryStats{Usage: 250, Limit: 1000},
			Networks: map[string]engine.NetworkStats{"eth0": {RxBytes: rx}},
		}
	}

	fake.SetStats("hassio_dns", sample(t0, 100, 1000, 0))
	code, body := get(t, s.Handler(), "/containers/hassio_dns/stats")
	require.Equal(t, http.StatusOK, code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Running)
	assert.Zero(t, resp.CPUPercent, "no previous sample")
	require.NotNil(t, resp.MemoryPercent)
	assert.InDelta(t, 25.0, *resp.MemoryPercent, 0.001)
	assert.Nil(t, resp.RxPerSec)

	fake.SetStats("hassio_dns", sample(t0.Add(2*time.Second), 300, 2000, 4096))
	_, body = get(t, s.Handler(), "/containers/hassio_dns/stats")
	resp = statsResponse{}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.InDelta(t, 40.0, resp.CPUPercent, 0.001)
	require.NotNil(t, resp.RxPerSec)
	assert.InDelta(t, 2048.0, *resp.RxPerSec, 0.001)
}

func TestServer_StatsOfStoppedContainer(t *testing.T) {
	fake := enginetest.New()
	reg := runningDNS(t, fake)
	c, _ := reg.Get("hassio_dns")
	require.NoError(t, c.Stop(t.Context(), false))

	s := New(Options{Registry: reg, Stats: stats.NewCollector(fake, time.Second)})
	code, body := get(t, s.Handler(), "/containers/hassio_dns/stats")
	require.Equal(t, http.StatusOK, code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.False(t, resp.Running)
	assert.Nil(t, resp.MemoryPercent)
}

func TestServer_StartAndShutdown(t *testing.T) {
	s := New(Options{Address: "127.0.0.1:0"})
	require.NoError(t, s.Start(t.Context()))
	require.NoError(t, s.Shutdown(t.Context()))
	require.NoError(t, New(Options{}).Shutdown(t.Context()), "shutdown before start")
}

func TestServer_Hosts(t *testing.T) {
	s := New(Options{Hosts: func() map[string]string {
		return map[string]string{"hassio_dns": "172.30.32.3", "dns": "172.30.32.3"}
	}})

	code, body := get(t, s.Handler(), "/hosts")
	assert.Equal(t, http.StatusOK, code)
	var hosts map[string]string
	require.NoError(t, json.Unmarshal(body, &hosts))
	assert.Equal(t, map[string]string{"hassio_dns": "172.30.32.3", "dns": "172.30.32.3"}, hosts)

	code, body = get(t, New(Options{}).Handler(), "/hosts")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{}`, string(body))
}
