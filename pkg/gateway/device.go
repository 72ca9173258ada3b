// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"os"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	"github.com/absmach/lwm2m-gw/pkg/objects"
)

// DeviceInfo describes the gateway in its own Device object.
type DeviceInfo struct {
	Manufacturer    string
	Model           string
	Serial          string
	FirmwareVersion string
}

// Version is reported as the Device object's firmware version.
var Version = "dev"

// NewDeviceStore creates the gateway's object store with Device instance 0.
// Current Time follows the wall clock until written; Reboot runs reboot.
func NewDeviceStore(info DeviceInfo, reboot objects.ExecuteFunc) (*objects.Store, error) {
	if info.Manufacturer == "" {
		info.Manufacturer = "Abstract Machines"
	}
	if info.Model == "" {
		info.Model = "lwm2m-gw"
	}
	if info.Serial == "" {
		info.Serial, _ = os.Hostname()
	}
	if info.FirmwareVersion == "" {
		info.FirmwareVersion = Version
	}

	store := objects.NewStore(nil)
	if err := store.CreateInstance(objects.DeviceID, 0); err != nil {
		return nil, err
	}
	res := func(id uint16) objects.Path {
		return objects.ResourcePath(objects.DeviceID, 0, id)
	}

	_, offset := time.Now().Zone()
	values := map[uint16]codec.Value{
		objects.DeviceManufacturer:    codec.String(info.Manufacturer),
		objects.DeviceModelNumber:     codec.String(info.Model),
		objects.DeviceSerialNumber:    codec.String(info.Serial),
		objects.DeviceFirmwareVersion: codec.String(info.FirmwareVersion),
		objects.DeviceUTCOffset:       codec.String(utcOffset(offset)),
		objects.DeviceTimezone:        codec.String(time.Local.String()),
		objects.DeviceBindingModes:    codec.String("U"),
	}
	for id, v := range values {
		if err := store.Set(res(id), v); err != nil {
			return nil, err
		}
	}
	if err := store.Bind(res(objects.DeviceCurrentTime), func() codec.Value {
		return codec.Time(time.Now())
	}); err != nil {
		return nil, err
	}
	if reboot != nil {
		if err := store.OnExecute(res(objects.DeviceReboot), reboot); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// utcOffset renders seconds east of UTC as ISO 8601, e.g. "+02:00".
func utcOffset(seconds int) string {
	sign := byte('+')
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	h, m := seconds/3600, seconds%3600/60
	return string([]byte{sign, byte('0' + h/10), byte('0' + h%10), ':', byte('0' + m/10), byte('0' + m%10)})
}
