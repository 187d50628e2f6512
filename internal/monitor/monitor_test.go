package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/router"
	"github.com/mwinkler/plugwatch/internal/storage"
)

var testTime = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeSink struct {
	records    []storage.Measurement
	err        error
	queryStart time.Time
	queryEnd   time.Time
}

func (s *fakeSink) Write(ctx context.Context, m storage.Measurement) error { return nil }

func (s *fakeSink) Query(ctx context.Context, device string, start, end time.Time) ([]storage.Measurement, error) {
	s.queryStart, s.queryEnd = start, end
	return s.records, s.err
}

func (s *fakeSink) Ping(ctx context.Context) error { return nil }
func (s *fakeSink) Close()                         {}

const testDevices = `{
    "plug-kitchen": {
        "ip": "10.0.0.10",
        "update_time": 30,
        "type": "shelly:plug-s",
        "energy_alarm": {
            "active": true,
            "threshold_wh": 500,
            "period_min": 60,
            "reference_wh_last_period": 0
        }
    },
    "plug-office": {
        "ip": "10.0.0.11",
        "update_time": 30,
        "type": "shelly:plug-s"
    }
}`

func testStore(t *testing.T) *config.DeviceStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(testDevices), 0o644))
	store, err := config.LoadDevices(path)
	require.NoError(t, err)
	return store
}

func testMonitor(t *testing.T, sink storage.Sink) (*Monitor, *router.Router, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	bus := router.New()
	m := New(sink, testStore(t), bus, logger).WithClock(func() time.Time { return testTime })
	return m, bus, hook
}

func energyRecords(values ...float64) []storage.Measurement {
	records := make([]storage.Measurement, 0, len(values))
	for _, v := range values {
		records = append(records, storage.Measurement{FetchSuccess: true, EnergyWh: v})
	}
	return records
}

func TestDeviceEnergyLastPeriod(t *testing.T) {
	sink := &fakeSink{records: append(energyRecords(100.12, 200.23),
		storage.Measurement{FetchSuccess: false, EnergyWh: 999})}
	m, _, _ := testMonitor(t, sink)
	alarm := &config.EnergyAlarm{PeriodMin: 60}

	energy, err := m.DeviceEnergyLastPeriod(context.Background(), "plug-kitchen", alarm)

	require.NoError(t, err)
	assert.Equal(t, 300.4, energy, "failed records do not count, result rounds to 1dp")
	assert.Equal(t, testTime, sink.queryEnd)
	assert.Equal(t, testTime.Add(-time.Hour), sink.queryStart)
}

func TestDeviceEnergyLastPeriodDefaultPeriod(t *testing.T) {
	sink := &fakeSink{}
	m, _, _ := testMonitor(t, sink)

	_, err := m.DeviceEnergyLastPeriod(context.Background(), "plug-kitchen", &config.EnergyAlarm{})

	require.NoError(t, err)
	assert.Equal(t, time.Duration(config.DefaultAlarmPeriodMin)*time.Minute,
		sink.queryEnd.Sub(sink.queryStart))
}

func TestRunMonitoringRaisesAlarm(t *testing.T) {
	m, bus, hook := testMonitor(t, &fakeSink{records: energyRecords(300, 300)})

	m.RunMonitoring(context.Background())

	envelope, ok := bus.ToBot.TryGet()
	require.True(t, ok, "threshold 500 exceeded by 600")
	assert.Equal(t, router.CommandSendMessage, envelope.Command)
	assert.Contains(t, envelope.Data["text"], "plug-kitchen")
	assert.Contains(t, envelope.Data["text"], "600.0 Wh")

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)

	// Measured energy becomes the new persisted reference.
	settings, _ := m.store.Get("plug-kitchen")
	assert.Equal(t, 600.0, settings.EnergyAlarm.ReferenceWhLastPeriod)
}

func TestRunMonitoringDefaultPeriodInAlarmText(t *testing.T) {
	devicesJSON := `{
        "plug-kitchen": {
            "ip": "10.0.0.10",
            "update_time": 30,
            "type": "shelly:plug-s",
            "energy_alarm": {"active": true, "threshold_wh": 500}
        }
    }`
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(devicesJSON), 0o644))
	store, err := config.LoadDevices(path)
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	bus := router.New()
	m := New(&fakeSink{records: energyRecords(600)}, store, bus, logger).
		WithClock(func() time.Time { return testTime })

	m.RunMonitoring(context.Background())

	envelope, ok := bus.ToBot.TryGet()
	require.True(t, ok)
	// The period was omitted in the config; the message names the
	// default the query actually used, not zero.
	assert.Contains(t, envelope.Data["text"], "in the last 60 min")
	assert.NotContains(t, envelope.Data["text"], "last 0 min")
}

func TestRunMonitoringBelowThreshold(t *testing.T) {
	m, bus, _ := testMonitor(t, &fakeSink{records: energyRecords(100)})

	m.RunMonitoring(context.Background())

	assert.True(t, bus.ToBot.Empty())
	settings, _ := m.store.Get("plug-kitchen")
	assert.Equal(t, 100.0, settings.EnergyAlarm.ReferenceWhLastPeriod,
		"reference is persisted even without an alarm")
}

func TestRunMonitoringSkipsDevicesWithoutAlarm(t *testing.T) {
	sink := &fakeSink{records: energyRecords(10000)}
	m, bus, _ := testMonitor(t, sink)

	m.RunMonitoring(context.Background())

	// Only plug-kitchen has an active alarm; exactly one alarm message.
	_, ok := bus.ToBot.TryGet()
	assert.True(t, ok)
	assert.True(t, bus.ToBot.Empty())
}

func TestUpdateReferenceCommaDecimal(t *testing.T) {
	m, bus, _ := testMonitor(t, &fakeSink{})

	m.UpdateReference("plug-kitchen", "12,345")

	settings, _ := m.store.Get("plug-kitchen")
	assert.Equal(t, 12.3, settings.EnergyAlarm.ReferenceWhLastPeriod)

	envelope, ok := bus.ToBot.TryGet()
	require.True(t, ok)
	assert.Contains(t, envelope.Data["text"], "12.3")
}

func TestUpdateThreshold(t *testing.T) {
	m, bus, _ := testMonitor(t, &fakeSink{})

	m.UpdateThreshold("plug-kitchen", "750.06")

	settings, _ := m.store.Get("plug-kitchen")
	assert.Equal(t, 750.1, settings.EnergyAlarm.ThresholdWh)
	_, ok := bus.ToBot.TryGet()
	assert.True(t, ok)
}

func TestUpdateReferenceUnparseable(t *testing.T) {
	m, bus, hook := testMonitor(t, &fakeSink{})

	m.UpdateReference("plug-kitchen", "lots")

	settings, _ := m.store.Get("plug-kitchen")
	assert.Equal(t, 0.0, settings.EnergyAlarm.ReferenceWhLastPeriod)
	assert.True(t, bus.ToBot.Empty(), "parse failures send no reply")
	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestHandleCommunicationDispatch(t *testing.T) {
	m, bus, _ := testMonitor(t, &fakeSink{})
	bus.ToEnergyMonitor.Put(router.NewEnvelope(CommandSetAlarmReference,
		map[string]string{"device": "plug-kitchen", "value": "42"}, testTime))
	bus.ToEnergyMonitor.Put(router.NewEnvelope(CommandSetAlarmThreshold,
		map[string]string{"device": "plug-kitchen", "value": "900"}, testTime))

	m.HandleCommunication(context.Background())

	assert.True(t, bus.ToEnergyMonitor.Empty())
	settings, _ := m.store.Get("plug-kitchen")
	assert.Equal(t, 42.0, settings.EnergyAlarm.ReferenceWhLastPeriod)
	assert.Equal(t, 900.0, settings.EnergyAlarm.ThresholdWh)
}

func TestHandleCommunicationUnknownDevice(t *testing.T) {
	m, bus, _ := testMonitor(t, &fakeSink{})
	bus.ToEnergyMonitor.Put(router.NewEnvelope(CommandSetAlarmReference,
		map[string]string{"device": "plug-attic", "value": "42"}, testTime))

	m.HandleCommunication(context.Background())

	assert.True(t, bus.ToEnergyMonitor.Empty())
	assert.True(t, bus.ToBot.Empty())
}
