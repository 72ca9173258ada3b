// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package objects

import "github.com/absmach/lwm2m-gw/pkg/codec"

// Well-known object ids.
const (
	SecurityID    uint16 = 0
	ServerID      uint16 = 1
	DeviceID      uint16 = 3
	TemperatureID uint16 = 3303
)

// Device object resource ids.
const (
	DeviceManufacturer    uint16 = 0
	DeviceModelNumber     uint16 = 1
	DeviceSerialNumber    uint16 = 2
	DeviceFirmwareVersion uint16 = 3
	DeviceReboot          uint16 = 4
	DeviceBatteryLevel    uint16 = 9
	DeviceCurrentTime     uint16 = 13
	DeviceUTCOffset       uint16 = 14
	DeviceTimezone        uint16 = 15
	DeviceBindingModes    uint16 = 16
)

// Temperature object resource ids.
const (
	TemperatureMinMeasured uint16 = 5601
	TemperatureMaxMeasured uint16 = 5602
	TemperatureResetMinMax uint16 = 5605
	TemperatureValue       uint16 = 5700
	TemperatureUnits       uint16 = 5701
)

func Security() Object {
	return Object{
		ID:       SecurityID,
		Name:     "LWM2M Security",
		URN:      "urn:oma:lwm2m:oma:0",
		Multiple: true,
		Resources: []Resource{
			{ID: 0, Name: "LWM2M Server URI", Kind: codec.KindString, Mandatory: true},
			{ID: 1, Name: "Bootstrap-Server", Kind: codec.KindBoolean, Mandatory: true},
			{ID: 2, Name: "Security Mode", Kind: codec.KindInteger, Mandatory: true},
			{ID: 3, Name: "Public Key or Identity", Kind: codec.KindOpaque, Mandatory: true},
			{ID: 4, Name: "Server Public Key", Kind: codec.KindOpaque, Mandatory: true},
			{ID: 5, Name: "Secret Key", Kind: codec.KindOpaque, Mandatory: true},
			{ID: 10, Name: "Short Server ID", Kind: codec.KindInteger},
		},
	}
}

func Server() Object {
	return Object{
		ID:       ServerID,
		Name:     "LwM2M Server",
		URN:      "urn:oma:lwm2m:oma:1",
		Multiple: true,
		Resources: []Resource{
			{ID: 0, Name: "Short Server ID", Kind: codec.KindInteger, Operations: OpRead, Mandatory: true},
			{ID: 1, Name: "Lifetime", Kind: codec.KindInteger, Operations: OpReadWrite, Mandatory: true, Units: "s"},
			{ID: 2, Name: "Default Minimum Period", Kind: codec.KindInteger, Operations: OpReadWrite, Units: "s"},
			{ID: 3, Name: "Default Maximum Period", Kind: codec.KindInteger, Operations: OpReadWrite, Units: "s"},
			{ID: 4, Name: "Disable", Operations: OpExecute},
			{ID: 6, Name: "Notification Storing When Disabled or Offline", Kind: codec.KindBoolean, Operations: OpReadWrite, Mandatory: true},
			{ID: 7, Name: "Binding", Kind: codec.KindString, Operations: OpReadWrite, Mandatory: true},
			{ID: 8, Name: "Registration Update Trigger", Operations: OpExecute, Mandatory: true},
		},
	}
}

func Device() Object {
	return Object{
		ID:   DeviceID,
		Name: "Device",
		URN:  "urn:oma:lwm2m:oma:3",
		Resources: []Resource{
			{ID: DeviceManufacturer, Name: "Manufacturer", Kind: codec.KindString, Operations: OpRead},
			{ID: DeviceModelNumber, Name: "Model Number", Kind: codec.KindString, Operations: OpRead},
			{ID: DeviceSerialNumber, Name: "Serial Number", Kind: codec.KindString, Operations: OpRead},
			{ID: DeviceFirmwareVersion, Name: "Firmware Version", Kind: codec.KindString, Operations: OpRead},
			{ID: DeviceReboot, Name: "Reboot", Operations: OpExecute, Mandatory: true},
			{ID: DeviceBatteryLevel, Name: "Battery Level", Kind: codec.KindInteger, Operations: OpRead, Units: "%"},
			{ID: DeviceCurrentTime, Name: "Current Time", Kind: codec.KindTime, Operations: OpReadWrite},
			{ID: DeviceUTCOffset, Name: "UTC Offset", Kind: codec.KindString, Operations: OpReadWrite},
			{ID: DeviceTimezone, Name: "Timezone", Kind: codec.KindString, Operations: OpReadWrite},
			{ID: DeviceBindingModes, Name: "Supported Binding and Modes", Kind: codec.KindString, Operations: OpRead, Mandatory: true},
		},
	}
}

func Temperature() Object {
	return Object{
		ID:       TemperatureID,
		Name:     "Temperature",
		URN:      "urn:oma:lwm2m:ext:3303",
		Multiple: true,
		Resources: []Resource{
			{ID: TemperatureMinMeasured, Name: "Min Measured Value", Kind: codec.KindDouble, Operations: OpRead},
			{ID: TemperatureMaxMeasured, Name: "Max Measured Value", Kind: codec.KindDouble, Operations: OpRead},
			{ID: TemperatureResetMinMax, Name: "Reset Min and Max Measured Values", Operations: OpExecute},
			{ID: TemperatureValue, Name: "Sensor Value", Kind: codec.KindDouble, Operations: OpRead, Mandatory: true},
			{ID: TemperatureUnits, Name: "Sensor Units", Kind: codec.KindString, Operations: OpRead},
		},
	}
}
