// Package devices contains the adapters that talk to the physical plugs
// and meters, one per supported device type.
//
// An adapter owns the full fetch-and-classify flow: it polls the device,
// reports the outcome to the device's watchdog and always returns a
// measurement record, substituting a fetch_success:false sentinel when the
// device could not be read. Errors never cross the adapter boundary into
// the scheduler.
package devices

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/storage"
	"github.com/mwinkler/plugwatch/internal/watchdog"
)

// fetchTimeout bounds every device HTTP request. Network calls are the
// dominant source of scheduler drift, so they must never hang.
const fetchTimeout = 20 * time.Second

// ErrUnsupportedDeviceType is returned when no adapter is registered for a
// configured device type.
var ErrUnsupportedDeviceType = errors.New("unsupported device type")

// HTTPStatusError reports a device that answered with a non-200 status.
// The device is reachable, so this must not pair with transport failures
// in the watchdog's same-kind matching.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// ValueError reports a response that arrived but could not be
// interpreted: undecodable JSON or a status document missing required
// fields.
type ValueError struct {
	Reason string
}

func (e *ValueError) Error() string { return e.Reason }

// Adapter is the capability interface of one device type.
type Adapter interface {
	// Fetch polls the device and returns a measurement record. The
	// outcome is reported to wd before returning.
	Fetch(ctx context.Context, name string, settings *config.DeviceSettings, wd *watchdog.Watchdog) storage.Measurement

	// SwitchOn and SwitchOff toggle the device relay.
	SwitchOn(ctx context.Context, ip string) error
	SwitchOff(ctx context.Context, ip string) error

	// SwitchStatus reads the current relay state.
	SwitchStatus(ctx context.Context, ip string) (bool, error)
}

// Registry maps device-type tags to adapters. Registration happens at
// startup; lookups of unknown tags fail with a typed error instead of a
// runtime surprise deep inside a polling task.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register binds a device-type tag to an adapter.
func (r *Registry) Register(deviceType string, a Adapter) {
	r.adapters[deviceType] = a
}

// Lookup resolves a device-type tag.
func (r *Registry) Lookup(deviceType string) (Adapter, error) {
	a, ok := r.adapters[deviceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDeviceType, deviceType)
	}
	return a, nil
}

// Types returns the registered device-type tags.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	return types
}

// Default returns a registry with all built-in adapters bound, sharing one
// HTTP client.
func Default(now func() time.Time) *Registry {
	client := &http.Client{Timeout: fetchTimeout}
	r := NewRegistry()
	r.Register("shelly:plug-s", NewShellyPlugS(client, now))
	r.Register("shelly:3em", NewShelly3EM(client, now))
	return r
}

// ClassifyError maps a transport error to the failure kind recorded by
// the watchdog. Exported for the callers that drive switch operations
// and chat transport through their own watchdogs.
func ClassifyError(err error) string {
	return classify(err)
}

// classify maps a fetch error to the failure kind recorded by the
// watchdog. The kinds line up across adapters so that same-kind matching
// in the failure ring works: a rejected request (HTTPError), a garbled
// payload (ValueError) and an unreachable device (URLError/TimeoutError)
// are distinct failure modes and must not pair up.
func classify(err error) string {
	var (
		httpErr  *HTTPStatusError
		valueErr *ValueError
		urlErr   *url.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.As(err, &httpErr):
		return "HTTPError"
	case errors.As(err, &valueErr):
		return "ValueError"
	case errors.As(err, &urlErr):
		if urlErr.Timeout() {
			return "TimeoutError"
		}
		return "URLError"
	default:
		return "URLError"
	}
}
