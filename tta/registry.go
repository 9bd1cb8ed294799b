package tta

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

var (
	muDevices sync.Mutex

	// devices maps the device names to the live devices.
	devices = make(map[string]*Device)
)

// registerDevice adds the device to the registry. Names must be unique among live devices.
func registerDevice(d *Device) error {
	muDevices.Lock()
	defer muDevices.Unlock()
	if _, found := devices[d.name]; found {
		return errors.Errorf("a device named %q already exists, destroy it first", d.name)
	}
	devices[d.name] = d
	return nil
}

func unregisterDevice(d *Device) {
	muDevices.Lock()
	defer muDevices.Unlock()
	if devices[d.name] == d {
		delete(devices, d.name)
	}
}

// GetDevice returns the live device with the given name.
func GetDevice(name string) (*Device, error) {
	muDevices.Lock()
	defer muDevices.Unlock()
	d, found := devices[name]
	if !found {
		return nil, errors.Errorf("no device named %q (available: %v)", name, keys(devices))
	}
	return d, nil
}

// DeviceNames returns the sorted names of the live devices.
func DeviceNames() []string {
	muDevices.Lock()
	defer muDevices.Unlock()
	names := keys(devices)
	slices.Sort(names)
	return names
}
