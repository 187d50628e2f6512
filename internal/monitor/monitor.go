// Package monitor watches trailing-window energy consumption against
// per-device alarm thresholds and raises chat alarms when a device
// consumed more than configured.
package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/router"
	"github.com/mwinkler/plugwatch/internal/storage"
)

// Commands consumed from the ToEnergyMonitor queue.
const (
	CommandSetAlarmReference = "setalarmref"
	CommandSetAlarmThreshold = "setalarmthr"
)

// Monitor runs the energy alarm checks and applies alarm configuration
// commands arriving through the router.
type Monitor struct {
	sink   storage.Sink
	store  *config.DeviceStore
	bus    *router.Router
	logger *logrus.Logger
	now    func() time.Time
}

// New builds a monitor.
func New(sink storage.Sink, store *config.DeviceStore, bus *router.Router, logger *logrus.Logger) *Monitor {
	return &Monitor{
		sink:   sink,
		store:  store,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// effectivePeriod substitutes the default for a missing or nonsensical
// alarm period.
func effectivePeriod(alarm *config.EnergyAlarm) int {
	if alarm.PeriodMin <= 0 {
		return config.DefaultAlarmPeriodMin
	}
	return alarm.PeriodMin
}

// DeviceEnergyLastPeriod sums the successfully fetched energy of one
// device over the trailing alarm period.
func (m *Monitor) DeviceEnergyLastPeriod(ctx context.Context, name string, alarm *config.EnergyAlarm) (float64, error) {
	period := effectivePeriod(alarm)
	end := m.now().UTC()
	start := end.Add(-time.Duration(period) * time.Minute)

	records, err := m.sink.Query(ctx, name, start, end)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for _, r := range records {
		if r.FetchSuccess {
			sum += r.EnergyWh
		}
	}
	return roundOne(sum), nil
}

// RunMonitoring checks every device with an active energy alarm. The
// measured value is persisted as the device's reference energy, and an
// alarm message goes to the bot queue when the threshold is reached.
// There is no debounce: a device staying above threshold alarms on every
// run.
func (m *Monitor) RunMonitoring(ctx context.Context) {
	for _, name := range m.store.Names() {
		settings, ok := m.store.Get(name)
		if !ok || settings.EnergyAlarm == nil || !settings.EnergyAlarm.Active {
			continue
		}
		alarm := settings.EnergyAlarm

		energy, err := m.DeviceEnergyLastPeriod(ctx, name, alarm)
		if err != nil {
			m.logger.WithField("device", name).Errorf("Energy monitoring query failed: %v", err)
			continue
		}

		threshold := alarm.ThresholdWh
		if threshold <= 0 {
			threshold = config.DefaultAlarmThresholdWh
		}
		if energy >= threshold {
			m.logger.WithFields(logrus.Fields{
				"device":    name,
				"energy_wh": energy,
			}).Warnf("Device %s exceeded its energy alarm threshold.", name)
			m.sendText(fmt.Sprintf(
				"Energy alarm for %s: %.1f Wh in the last %d min (threshold %.1f Wh)",
				name, energy, effectivePeriod(alarm), threshold))
		}

		if err := m.store.SetAlarmReference(name, energy); err != nil {
			m.logger.WithField("device", name).Errorf("Failed to persist reference energy: %v", err)
		}
	}
}

// UpdateReference overwrites the persisted reference energy of a device
// from user input and confirms via the bot queue. Unparseable input is
// logged and dropped without a reply.
func (m *Monitor) UpdateReference(name, raw string) {
	value, ok := m.parseValue(name, raw)
	if !ok {
		return
	}
	if err := m.store.SetAlarmReference(name, value); err != nil {
		m.logger.WithField("device", name).Errorf("Failed to set reference energy: %v", err)
		return
	}
	m.sendText(fmt.Sprintf("Reference energy for %s set to %.1f Wh", name, value))
}

// UpdateThreshold overwrites the persisted alarm threshold of a device
// from user input and confirms via the bot queue.
func (m *Monitor) UpdateThreshold(name, raw string) {
	value, ok := m.parseValue(name, raw)
	if !ok {
		return
	}
	if err := m.store.SetAlarmThreshold(name, value); err != nil {
		m.logger.WithField("device", name).Errorf("Failed to set alarm threshold: %v", err)
		return
	}
	m.sendText(fmt.Sprintf("Alarm threshold for %s set to %.1f Wh", name, value))
}

// HandleCommunication drains the ToEnergyMonitor queue. Commands naming
// an unconfigured device are ignored.
func (m *Monitor) HandleCommunication(ctx context.Context) {
	for {
		envelope, ok := m.bus.ToEnergyMonitor.TryGet()
		if !ok {
			return
		}
		name := envelope.Data["device"]
		if _, known := m.store.Get(name); !known {
			m.logger.WithFields(logrus.Fields{
				"device":  name,
				"command": envelope.Command,
			}).Debug("Ignoring command for unknown device")
			continue
		}
		switch envelope.Command {
		case CommandSetAlarmReference:
			m.UpdateReference(name, envelope.Data["value"])
		case CommandSetAlarmThreshold:
			m.UpdateThreshold(name, envelope.Data["value"])
		default:
			m.logger.WithField("command", envelope.Command).Warn("Unknown energy monitor command")
		}
	}
}

// parseValue accepts both decimal separators and rounds to one decimal
// place.
func (m *Monitor) parseValue(name, raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(raw), ",", ".", 1), 64)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"device": name,
			"value":  raw,
		}).Errorf("Could not parse energy value: %v", err)
		return 0, false
	}
	return roundOne(value), true
}

func (m *Monitor) sendText(text string) {
	m.bus.ToBot.Put(router.NewEnvelope(router.CommandSendMessage,
		map[string]string{"text": text}, m.now()))
}

func roundOne(v float64) float64 {
	return math.Round(v*10) / 10
}
