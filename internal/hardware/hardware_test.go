package hardware

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		rel   string
		class Class
		ok    bool
	}{
		{"snd/controlC0", ClassAudio, true},
		{"snd/pcmC0D0p", ClassAudio, true},
		{"ttyUSB0", ClassSerial, true},
		{"ttyACM1", ClassSerial, true},
		{"serial/by-id/usb-zigbee", ClassSerial, true},
		{"bus/usb/001/002", ClassUSB, true},
		{"video0", ClassVideo, true},
		{"dri/renderD128", ClassVideo, true},
		{"gpiochip0", ClassGPIO, true},
		{"rfkill", ClassBluetooth, true},
		{"null", "", false},
		{"sda1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			class, ok := Classify(tt.rel)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.class, class)
		})
	}
}

func TestRules(t *testing.T) {
	zigbee := Device{Path: "/dev/ttyACM0", Major: 166, Minor: 0, Class: ClassSerial}
	gpio := Device{Path: "/dev/gpiochip0", Major: 254, Minor: 0, Class: ClassGPIO}
	card := Device{Path: "/dev/snd/controlC0", Major: 116, Minor: 0, Class: ClassAudio}
	hci := Device{Path: "/dev/vhci", Major: 10, Minor: 137, Class: ClassBluetooth}

	tests := []struct {
		name    string
		classes []Class
		devices []Device
		want    []string
	}{
		{
			name:    "audio and bluetooth without devices",
			classes: []Class{ClassAudio, ClassBluetooth},
			want:    []string{"c 116:* rwm", "c 13:* rwm"},
		},
		{
			name:    "covered majors get no dedicated rule",
			classes: []Class{ClassAudio},
			devices: []Device{card, zigbee},
			want:    []string{"c 116:* rwm"},
		},
		{
			name:    "dynamic majors get a dedicated rule",
			classes: []Class{ClassAudio, ClassBluetooth},
			devices: []Device{card, hci, gpio},
			want:    []string{"c 10:137 rwm", "c 116:* rwm", "c 13:* rwm"},
		},
		{
			name:    "gpio has no static rules",
			classes: []Class{ClassGPIO},
			devices: []Device{gpio, gpio},
			want:    []string{"c 254:0 rwm"},
		},
		{
			name: "no classes",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rules(tt.classes, tt.devices))
		})
	}
}

func TestWildcardMajor(t *testing.T) {
	maj, ok := wildcardMajor("c 189:* rwm")
	assert.True(t, ok)
	assert.Equal(t, uint32(189), maj)

	_, ok = wildcardMajor("c 10:137 rwm")
	assert.False(t, ok)
	_, ok = wildcardMajor("garbage")
	assert.False(t, ok)
}

func TestScan_IgnoresRegularFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "snd"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snd", "controlC0"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0"), nil, 0600))

	devices, err := Scan(dir)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(dir)
	events := w.Subscribe(4)

	require.NoError(t, w.Start(t.Context()))
	require.NoError(t, w.Start(t.Context()), "second start is a no-op")
	assert.Empty(t, w.Devices())

	// Regular files never become devices.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0"), nil, 0600))

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	for ev := range events {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWatcher_StartMissingDir(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, w.Start(t.Context()))
	w.Stop()
}

func TestStaticLister(t *testing.T) {
	devs := StaticLister{{Path: "/dev/ttyUSB0", Major: 188, Class: ClassSerial}}
	got := devs.Devices()
	got[0].Path = "changed"
	assert.Equal(t, "/dev/ttyUSB0", devs[0].Path)
}
