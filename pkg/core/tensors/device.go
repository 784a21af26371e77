// Copyright 2026 The lavse Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceKind identifies the type of compute device.
type DeviceKind string

// CPU is the only device kind this backend computes on.
const CPU DeviceKind = "cpu"

// Device is where a tensor is stored and where the computations that use it happen.
type Device struct {
	Kind DeviceKind
	Num  int
}

// Host is the default device: the host CPU.
var Host = Device{Kind: CPU}

// String implements fmt.Stringer: "cpu:0".
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Num)
}

// SupportedDeviceKinds lists the device kinds accepted by ParseDevice.
var SupportedDeviceKinds = []DeviceKind{CPU}

// ParseDevice parses a device specification like "cpu" or "cpu:1".
// It returns an error for device kinds without a backend here (e.g.: "cuda").
func ParseDevice(spec string) (Device, error) {
	spec = strings.TrimSpace(strings.ToLower(spec))
	if spec == "" {
		return Host, nil
	}
	kindStr, numStr, hasNum := strings.Cut(spec, ":")
	kind := DeviceKind(kindStr)
	if !slices.Contains(SupportedDeviceKinds, kind) {
		return Device{}, errors.Errorf("device %q not supported, supported device kinds are %v", spec, SupportedDeviceKinds)
	}
	device := Device{Kind: kind}
	if hasNum {
		num, err := strconv.Atoi(numStr)
		if err != nil || num < 0 {
			return Device{}, errors.Errorf("invalid device number in %q", spec)
		}
		device.Num = num
	}
	return device, nil
}

// Device where the tensor is stored.
func (t *Tensor) Device() Device { return t.device }

// OnDevice returns the tensor placed on the given device: the tensor itself if it is already there,
// otherwise a copy transferred to the device.
func (t *Tensor) OnDevice(device Device) *Tensor {
	if t.device == device {
		return t
	}
	transferred := t.Clone()
	transferred.device = device
	return transferred
}
