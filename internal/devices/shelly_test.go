package devices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/watchdog"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testTime }

func newTestWatchdog() *watchdog.Watchdog {
	logger, _ := test.NewNullLogger()
	return watchdog.New("plug-kitchen", logger)
}

func serverIP(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestPlugSFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Write([]byte(`{"meters":[{"power":120.0,"is_valid":true}],"temperature":31.5}`))
	}))
	defer srv.Close()

	adapter := NewShellyPlugS(srv.Client(), testClock)
	wd := newTestWatchdog()
	settings := &config.DeviceSettings{IP: serverIP(t, srv), UpdateTime: 30, Type: "shelly:plug-s"}

	m := adapter.Fetch(context.Background(), "plug-kitchen", settings, wd)

	assert.True(t, m.FetchSuccess)
	assert.Equal(t, "plug-kitchen", m.Device)
	assert.Equal(t, 120.0, m.Power)
	assert.InDelta(t, 1.0, m.EnergyWh, 1e-9, "120W for 30s is 1Wh")
	assert.Equal(t, 31.5, m.Temperature)
	assert.True(t, m.IsValid)
	assert.Equal(t, testTime, m.Time)
	assert.True(t, wd.Online())
}

func TestPlugSFetchFailureProducesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewShellyPlugS(srv.Client(), testClock)
	wd := newTestWatchdog()
	settings := &config.DeviceSettings{IP: serverIP(t, srv), UpdateTime: 30}

	m := adapter.Fetch(context.Background(), "plug-kitchen", settings, wd)

	assert.False(t, m.FetchSuccess)
	assert.Zero(t, m.Power)
	assert.Equal(t, 1, wd.FailureCount())
	assert.True(t, wd.Online(), "single failure does not mark offline")
}

func TestPlugSUnreachableDevice(t *testing.T) {
	adapter := NewShellyPlugS(&http.Client{Timeout: 200 * time.Millisecond}, testClock)
	wd := newTestWatchdog()
	// Reserved TEST-NET address, nothing listens there.
	settings := &config.DeviceSettings{IP: "192.0.2.1:1", UpdateTime: 30}

	m := adapter.Fetch(context.Background(), "plug-kitchen", settings, wd)

	assert.False(t, m.FetchSuccess)
	require.Len(t, wd.RecentFailures(), 1)
	kind := wd.RecentFailures()[0].Kind
	assert.Contains(t, []string{"TimeoutError", "URLError"}, kind)
}

func TestPlugSRecoveryAfterFailures(t *testing.T) {
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"meters":[{"power":10.0,"is_valid":true}],"temperature":25.0}`))
	}))
	defer srv.Close()

	adapter := NewShellyPlugS(srv.Client(), testClock)
	wd := newTestWatchdog()
	settings := &config.DeviceSettings{IP: serverIP(t, srv), UpdateTime: 30}

	adapter.Fetch(context.Background(), "plug-kitchen", settings, wd)
	adapter.Fetch(context.Background(), "plug-kitchen", settings, wd)
	assert.False(t, wd.Online(), "two same-kind failures mark the device offline")

	healthy = true
	m := adapter.Fetch(context.Background(), "plug-kitchen", settings, wd)
	assert.True(t, m.FetchSuccess)
	assert.True(t, wd.Online(), "recovery is immediate on first success")
	assert.Empty(t, wd.RecentFailures())
}

func TestFailureKindClassification(t *testing.T) {
	badStatus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badStatus.Close()
	badPayload := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer badPayload.Close()
	noMeters := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"meters":[],"temperature":31.5}`))
	}))
	defer noMeters.Close()

	tests := []struct {
		name string
		srv  *httptest.Server
		kind string
	}{
		{"non-200 status", badStatus, "HTTPError"},
		{"undecodable payload", badPayload, "ValueError"},
		{"missing meters", noMeters, "ValueError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewShellyPlugS(tt.srv.Client(), testClock)
			wd := newTestWatchdog()
			settings := &config.DeviceSettings{IP: serverIP(t, tt.srv), UpdateTime: 30}

			adapter.Fetch(context.Background(), "plug-kitchen", settings, wd)

			failures := wd.RecentFailures()
			require.Len(t, failures, 1)
			assert.Equal(t, tt.kind, failures[0].Kind)
		})
	}
}

func TestMixedFailureKindsDoNotMarkOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	adapter := NewShellyPlugS(&http.Client{Timeout: 200 * time.Millisecond}, testClock)
	wd := newTestWatchdog()

	// One rejected request, then one unreachable device. Two failures,
	// but of different kinds, so the hysteresis must not trip.
	adapter.Fetch(context.Background(), "plug-kitchen",
		&config.DeviceSettings{IP: serverIP(t, srv), UpdateTime: 30}, wd)
	adapter.Fetch(context.Background(), "plug-kitchen",
		&config.DeviceSettings{IP: "192.0.2.1:1", UpdateTime: 30}, wd)

	failures := wd.RecentFailures()
	require.Len(t, failures, 2)
	assert.Equal(t, "HTTPError", failures[0].Kind)
	assert.NotEqual(t, failures[0].Kind, failures[1].Kind)
	assert.True(t, wd.Online(), "two failures of different kinds stay online")
}

func TestShelly3EMFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emeters":[
			{"power":100.0,"pf":0.9,"current":0.5,"voltage":230.0,"is_valid":true},
			{"power":200.0,"pf":0.8,"current":1.0,"voltage":231.0,"is_valid":true},
			{"power":300.0,"pf":0.7,"current":1.5,"voltage":229.0,"is_valid":true}
		],"temperature":40.0}`))
	}))
	defer srv.Close()

	adapter := NewShelly3EM(srv.Client(), testClock)
	wd := newTestWatchdog()
	settings := &config.DeviceSettings{IP: serverIP(t, srv), UpdateTime: 60}

	m := adapter.Fetch(context.Background(), "meter-main", settings, wd)

	assert.True(t, m.FetchSuccess)
	assert.Equal(t, 600.0, m.Power)
	assert.InDelta(t, 10.0, m.EnergyWh, 1e-9, "600W for 60s is 10Wh")
	assert.Equal(t, 100.0, m.Extra["power_a"])
	assert.Equal(t, 200.0, m.Extra["power_b"])
	assert.Equal(t, 300.0, m.Extra["power_c"])
	assert.Equal(t, 0.8, m.Extra["power_factor_b"])
	assert.InDelta(t, 5.0, m.Extra["energy_wh_c"], 1e-9)
	assert.True(t, m.IsValid)
}

func TestShelly3EMIncompletePhases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emeters":[{"power":100.0}],"temperature":40.0}`))
	}))
	defer srv.Close()

	adapter := NewShelly3EM(srv.Client(), testClock)
	wd := newTestWatchdog()
	settings := &config.DeviceSettings{IP: serverIP(t, srv), UpdateTime: 60}

	m := adapter.Fetch(context.Background(), "meter-main", settings, wd)

	assert.False(t, m.FetchSuccess)
	assert.Equal(t, 1, wd.FailureCount())
}

func TestSwitchOperations(t *testing.T) {
	var lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/relay/0", r.URL.Path)
		lastQuery = r.URL.RawQuery
		w.Write([]byte(`{"ison":true}`))
	}))
	defer srv.Close()

	adapter := NewShellyPlugS(srv.Client(), testClock)
	ip := serverIP(t, srv)

	require.NoError(t, adapter.SwitchOn(context.Background(), ip))
	assert.Equal(t, "turn=on", lastQuery)

	require.NoError(t, adapter.SwitchOff(context.Background(), ip))
	assert.Equal(t, "turn=off", lastQuery)

	on, err := adapter.SwitchStatus(context.Background(), ip)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Empty(t, lastQuery)
}

func TestRegistryLookup(t *testing.T) {
	registry := Default(testClock)

	adapter, err := registry.Lookup("shelly:plug-s")
	require.NoError(t, err)
	assert.NotNil(t, adapter)

	_, err = registry.Lookup("acme:toaster")
	assert.ErrorIs(t, err, ErrUnsupportedDeviceType)
}
