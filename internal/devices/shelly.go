package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/storage"
	"github.com/mwinkler/plugwatch/internal/watchdog"
)

// shellyBase holds what the Shelly Gen1 adapters share: the HTTP client,
// the clock and the relay endpoints.
type shellyBase struct {
	client *http.Client
	now    func() time.Time
}

func (s *shellyBase) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ValueError{Reason: fmt.Sprintf("malformed response from %s: %v", url, err)}
	}
	return nil
}

func (s *shellyBase) relay(ctx context.Context, ip, turn string) error {
	var state struct {
		IsOn bool `json:"ison"`
	}
	url := fmt.Sprintf("http://%s/relay/0", ip)
	if turn != "" {
		url += "?turn=" + turn
	}
	return s.getJSON(ctx, url, &state)
}

func (s *shellyBase) SwitchOn(ctx context.Context, ip string) error {
	return s.relay(ctx, ip, "on")
}

func (s *shellyBase) SwitchOff(ctx context.Context, ip string) error {
	return s.relay(ctx, ip, "off")
}

func (s *shellyBase) SwitchStatus(ctx context.Context, ip string) (bool, error) {
	var state struct {
		IsOn bool `json:"ison"`
	}
	if err := s.getJSON(ctx, fmt.Sprintf("http://%s/relay/0", ip), &state); err != nil {
		return false, err
	}
	return state.IsOn, nil
}

// failed reports a fetch failure to the watchdog and builds the sentinel
// record the storage layer still receives.
func (s *shellyBase) failed(name string, wd *watchdog.Watchdog, err error) storage.Measurement {
	wd.FailureProcessing(classify(err), err.Error(), "could not be reached")
	return storage.Measurement{
		Device:       name,
		Time:         s.now().UTC(),
		FetchSuccess: false,
	}
}

// ShellyPlugS polls the single-relay Shelly Plug S.
type ShellyPlugS struct {
	shellyBase
}

// NewShellyPlugS builds the adapter.
func NewShellyPlugS(client *http.Client, now func() time.Time) *ShellyPlugS {
	return &ShellyPlugS{shellyBase{client: client, now: now}}
}

type plugStatus struct {
	Meters []struct {
		Power   float64 `json:"power"`
		IsValid bool    `json:"is_valid"`
	} `json:"meters"`
	Temperature float64 `json:"temperature"`
}

func (s *ShellyPlugS) Fetch(ctx context.Context, name string, settings *config.DeviceSettings, wd *watchdog.Watchdog) storage.Measurement {
	var status plugStatus
	if err := s.getJSON(ctx, fmt.Sprintf("http://%s/status", settings.IP), &status); err != nil {
		return s.failed(name, wd, err)
	}
	if len(status.Meters) == 0 {
		return s.failed(name, wd, &ValueError{Reason: "status document contains no meters"})
	}

	wd.NormalProcessing()
	meter := status.Meters[0]
	return storage.Measurement{
		Device:       name,
		Time:         s.now().UTC(),
		FetchSuccess: true,
		Power:        meter.Power,
		EnergyWh:     energyWh(meter.Power, settings.UpdateTime),
		Temperature:  status.Temperature,
		IsValid:      meter.IsValid,
	}
}

// Shelly3EM polls the three-phase Shelly 3EM meter. The total power and
// energy are the sum over all phases; the per-phase readings are kept as
// extra fields.
type Shelly3EM struct {
	shellyBase
}

// NewShelly3EM builds the adapter.
func NewShelly3EM(client *http.Client, now func() time.Time) *Shelly3EM {
	return &Shelly3EM{shellyBase{client: client, now: now}}
}

type emeterStatus struct {
	EMeters []struct {
		Power       float64 `json:"power"`
		PowerFactor float64 `json:"pf"`
		Current     float64 `json:"current"`
		Voltage     float64 `json:"voltage"`
		IsValid     bool    `json:"is_valid"`
	} `json:"emeters"`
	Temperature float64 `json:"temperature"`
}

func (s *Shelly3EM) Fetch(ctx context.Context, name string, settings *config.DeviceSettings, wd *watchdog.Watchdog) storage.Measurement {
	var status emeterStatus
	if err := s.getJSON(ctx, fmt.Sprintf("http://%s/status", settings.IP), &status); err != nil {
		return s.failed(name, wd, err)
	}
	if len(status.EMeters) < 3 {
		return s.failed(name, wd, &ValueError{
			Reason: fmt.Sprintf("status document contains %d emeters, expected 3", len(status.EMeters)),
		})
	}

	wd.NormalProcessing()

	extra := map[string]float64{}
	totalPower := 0.0
	allValid := true
	for i, phase := range status.EMeters[:3] {
		label := string(rune('a' + i))
		totalPower += phase.Power
		extra["power_"+label] = phase.Power
		extra["power_factor_"+label] = phase.PowerFactor
		extra["current_"+label] = phase.Current
		extra["voltage_"+label] = phase.Voltage
		extra["energy_wh_"+label] = energyWh(phase.Power, settings.UpdateTime)
		if !phase.IsValid {
			allValid = false
		}
	}

	return storage.Measurement{
		Device:       name,
		Time:         s.now().UTC(),
		FetchSuccess: true,
		Power:        totalPower,
		EnergyWh:     energyWh(totalPower, settings.UpdateTime),
		Temperature:  status.Temperature,
		IsValid:      allValid,
		Extra:        extra,
	}
}

// energyWh converts an instantaneous power reading into the energy
// consumed over one polling interval.
func energyWh(power float64, updateTimeSeconds int) float64 {
	return power * float64(updateTimeSeconds) / 3600
}
