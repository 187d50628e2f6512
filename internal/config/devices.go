package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Defaults for the energy alarm when the config omits them.
const (
	DefaultAlarmThresholdWh = 1000.0
	DefaultAlarmPeriodMin   = 60
)

// CadenceFlags selects the daily/monthly/yearly cadences of a calculation.
type CadenceFlags struct {
	Daily   bool `json:"daily"`
	Monthly bool `json:"monthly"`
	Yearly  bool `json:"yearly"`
}

// Any reports whether at least one cadence is enabled.
func (c CadenceFlags) Any() bool { return c.Daily || c.Monthly || c.Yearly }

// PowerOnCounter configures the threshold-crossing counter of a device.
type PowerOnCounter struct {
	OnThreshold  float64 `json:"on_threshold"`
	OffThreshold float64 `json:"off_threshold"`
	Daily        bool    `json:"daily"`
	Monthly      bool    `json:"monthly"`
	Yearly       bool    `json:"yearly"`
}

// Cadences returns the counter's cadence selection.
func (p PowerOnCounter) Cadences() CadenceFlags {
	return CadenceFlags{Daily: p.Daily, Monthly: p.Monthly, Yearly: p.Yearly}
}

// EnergyAlarm configures trailing-window consumption monitoring.
type EnergyAlarm struct {
	Active                bool    `json:"active"`
	ThresholdWh           float64 `json:"threshold_wh"`
	PeriodMin             int     `json:"period_min"`
	ReferenceWhLastPeriod float64 `json:"reference_wh_last_period"`
}

// SwitchSettings marks a device as switchable.
type SwitchSettings struct {
	Active bool `json:"active"`
}

// DeviceSettings is the configuration of one monitored device.
type DeviceSettings struct {
	IP              string          `json:"ip"`
	UpdateTime      int             `json:"update_time"`
	Type            string          `json:"type"`
	CostCalculation *CadenceFlags   `json:"cost_calculation,omitempty"`
	PowerOnCounter  *PowerOnCounter `json:"power_on_counter,omitempty"`
	EnergyAlarm     *EnergyAlarm    `json:"energy_alarm,omitempty"`
	Switch          *SwitchSettings `json:"switch,omitempty"`
}

// DeviceStore is the JSON-file-backed device configuration. Reads and
// read-modify-write updates happen only from the scheduler goroutine, so
// no locking is needed.
type DeviceStore struct {
	path    string
	devices map[string]*DeviceSettings
}

// LoadDevices reads the devices file. A missing file is an error the
// caller treats as fatal at startup: without devices there is nothing to
// poll.
func LoadDevices(path string) (*DeviceStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	devices := map[string]*DeviceSettings{}
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	return &DeviceStore{path: path, devices: devices}, nil
}

// Names returns the configured device names, sorted for stable iteration.
func (s *DeviceStore) Names() []string {
	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the settings for one device.
func (s *DeviceStore) Get(name string) (*DeviceSettings, bool) {
	settings, ok := s.devices[name]
	return settings, ok
}

// Save writes the current state back to the devices file.
func (s *DeviceStore) Save() error {
	data, err := json.MarshalIndent(s.devices, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write devices file: %w", err)
	}
	return nil
}

// SetAlarmReference overwrites the persisted reference energy of a device
// and saves the store.
func (s *DeviceStore) SetAlarmReference(name string, value float64) error {
	settings, ok := s.devices[name]
	if !ok || settings.EnergyAlarm == nil {
		return fmt.Errorf("device %s has no energy alarm configured", name)
	}
	settings.EnergyAlarm.ReferenceWhLastPeriod = value
	return s.Save()
}

// SetAlarmThreshold overwrites the persisted alarm threshold of a device
// and saves the store.
func (s *DeviceStore) SetAlarmThreshold(name string, value float64) error {
	settings, ok := s.devices[name]
	if !ok || settings.EnergyAlarm == nil {
		return fmt.Errorf("device %s has no energy alarm configured", name)
	}
	settings.EnergyAlarm.ThresholdWh = value
	return s.Save()
}
