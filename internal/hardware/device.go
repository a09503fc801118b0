// Package hardware tracks host devices and derives the device cgroup rules
// role containers need for them.
package hardware

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

// Class groups devices a role can be granted access to.
type Class string

const (
	ClassAudio     Class = "audio"
	ClassBluetooth Class = "bluetooth"
	ClassSerial    Class = "serial"
	ClassUSB       Class = "usb"
	ClassVideo     Class = "video"
	ClassGPIO      Class = "gpio"
)

// Device is a character device node under the watched directory.
type Device struct {
	Path  string
	Major uint32
	Minor uint32
	Class Class
}

// Rule returns the cgroup rule granting access to exactly this device.
func (d Device) Rule() string {
	return fmt.Sprintf("c %d:%d rwm", d.Major, d.Minor)
}

type classMatcher struct {
	class    Class
	prefixes []string // relative to the dev dir
}

var matchers = []classMatcher{
	{ClassAudio, []string{"snd/"}},
	{ClassBluetooth, []string{"rfkill", "uhid", "vhci"}},
	{ClassSerial, []string{"ttyUSB", "ttyACM", "ttyAMA", "ttyS", "serial/by-id/"}},
	{ClassUSB, []string{"bus/usb/"}},
	{ClassVideo, []string{"video", "dri/", "vchiq", "media"}},
	{ClassGPIO, []string{"gpiochip", "gpiomem"}},
}

// Classify maps a path relative to the dev dir to a device class.
func Classify(rel string) (Class, bool) {
	rel = filepath.ToSlash(rel)
	for _, m := range matchers {
		for _, p := range m.prefixes {
			if strings.HasPrefix(rel, p) {
				return m.class, true
			}
		}
	}
	return "", false
}

// Probe stats path and returns the device if it is a classified character device.
func Probe(devDir, path string) (Device, bool, error) {
	rel, err := filepath.Rel(devDir, path)
	if err != nil {
		return Device{}, false, err
	}
	class, ok := Classify(rel)
	if !ok {
		return Device{}, false, nil
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Device{}, false, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return Device{}, false, nil
	}
	rdev := uint64(st.Rdev)
	return Device{
		Path:  path,
		Major: unix.Major(rdev),
		Minor: unix.Minor(rdev),
		Class: class,
	}, true, nil
}

// Scan walks devDir and returns every classified device, sorted by path.
func Scan(devDir string) ([]Device, error) {
	var devices []Device
	err := filepath.WalkDir(devDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) || os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || d.Type()&fs.ModeCharDevice == 0 {
			return nil
		}
		dev, ok, err := Probe(devDir, path)
		if err != nil || !ok {
			return nil
		}
		devices = append(devices, dev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", devDir, err)
	}
	slices.SortFunc(devices, func(a, b Device) int { return strings.Compare(a.Path, b.Path) })
	return devices, nil
}
