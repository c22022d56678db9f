package dataapi

import (
	"fmt"
	"strings"
	"unicode"
)

// HomeEntry is one element of the homes listing.
type HomeEntry struct {
	ID string `json:"id"`
}

// DeviceEntry is one element of a home's device listing.
type DeviceEntry struct {
	ID string `json:"id"`
}

type deviceInfo struct {
	Name  string `json:"name"`
	Brand string `json:"brand"`
	Model string `json:"model"`
}

type capabilityData struct {
	ID          string `json:"id"`
	Unit        string `json:"unit"`
	Value       any    `json:"value"`
	Description string `json:"description"`
}

type deviceData struct {
	ID           string           `json:"id"`
	ExternalID   string           `json:"externalId"`
	Info         deviceInfo       `json:"info"`
	Capabilities []capabilityData `json:"capabilities"`
}

// Device is a detailed device snapshot from the Data API.
type Device struct {
	data    deviceData
	homeID  string
	sensors []Sensor
}

func newDevice(data deviceData, homeID string) *Device {
	sensors := make([]Sensor, len(data.Capabilities))
	for i, capability := range data.Capabilities {
		sensors[i] = Sensor{data: capability}
	}
	return &Device{data: data, homeID: homeID, sensors: sensors}
}

// HomeID returns the home the device belongs to.
func (d *Device) HomeID() string { return d.homeID }

// ID returns the device ID.
func (d *Device) ID() string { return d.data.ID }

// ExternalID returns the device external ID.
func (d *Device) ExternalID() string { return d.data.ExternalID }

// Name returns the device name.
func (d *Device) Name() string { return d.data.Info.Name }

// Brand returns the device brand.
func (d *Device) Brand() string { return d.data.Info.Brand }

// Model returns the device model.
func (d *Device) Model() string { return d.data.Info.Model }

// Sensors returns the device capabilities.
func (d *Device) Sensors() []Sensor { return d.sensors }

func (d *Device) String() string {
	return fmt.Sprintf("Device(id=%s, name=%s, brand=%s, model=%s)",
		d.ID(), d.Name(), d.Brand(), d.Model())
}

// Sensor is one capability of a device.
type Sensor struct {
	data capabilityData
}

// ID returns the sensor ID.
func (s Sensor) ID() string { return s.data.ID }

// Unit returns the sensor unit.
func (s Sensor) Unit() string { return s.data.Unit }

// Value returns the sensor value. The API sends booleans, numbers and
// strings depending on the capability.
func (s Sensor) Value() any { return s.data.Value }

// Description returns the sensor description with the first letter
// capitalized and the rest lowered.
func (s Sensor) Description() string {
	description := s.data.Description
	if description == "" {
		return ""
	}
	runes := []rune(strings.ToLower(description))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func (s Sensor) String() string {
	return fmt.Sprintf("Sensor(id=%s, unit=%s, value=%v, description=%s)",
		s.ID(), s.Unit(), s.Value(), s.Description())
}
