// Package switchctl drives the relays of switch-enabled devices and
// keeps a cached view of their on/off state for status replies.
package switchctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/devices"
	"github.com/mwinkler/plugwatch/internal/router"
	"github.com/mwinkler/plugwatch/internal/watchdog"
)

// Controller owns the switch state cache. All calls happen from the
// scheduler goroutine, so the cache needs no locking.
type Controller struct {
	store    *config.DeviceStore
	registry *devices.Registry
	bus      *router.Router
	wd       *watchdog.Watchdog
	logger   *logrus.Logger
	now      func() time.Time

	// states caches the last known relay state per device. A device
	// missing from the map has never been queried successfully.
	states map[string]bool
}

// New builds a controller with its own watchdog: switch traffic shares
// the device network path but has its own failure budget.
func New(store *config.DeviceStore, registry *devices.Registry, bus *router.Router, logger *logrus.Logger) *Controller {
	return &Controller{
		store:    store,
		registry: registry,
		bus:      bus,
		wd:       watchdog.New("switch-handler", logger),
		logger:   logger,
		now:      time.Now,
		states:   map[string]bool{},
	}
}

// WithClock overrides the time source. Used by tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// CheckSwitchModeRequested returns the switch-enabled device names, in
// the store's stable order.
func (c *Controller) CheckSwitchModeRequested() []string {
	var names []string
	for _, name := range c.store.Names() {
		settings, ok := c.store.Get(name)
		if ok && settings.Switch != nil && settings.Switch.Active {
			names = append(names, name)
		}
	}
	return names
}

// Toggle sets the relay of one device. A request that matches the cached
// state is rejected with a chat message instead of hitting the device;
// on success the cache is updated optimistically, without a follow-up
// status read.
func (c *Controller) Toggle(ctx context.Context, name string, on bool) {
	settings, ok := c.store.Get(name)
	if !ok || settings.Switch == nil || !settings.Switch.Active {
		c.sendText(fmt.Sprintf("Device %s is not switchable.", name))
		return
	}

	if cached, known := c.states[name]; known && cached == on {
		c.sendText(fmt.Sprintf("Device %s is already %s.", name, stateWord(on)))
		return
	}

	adapter, err := c.registry.Lookup(settings.Type)
	if err != nil {
		c.logger.WithField("device", name).Errorf("Switch dispatch failed: %v", err)
		c.sendText(fmt.Sprintf("Device %s could not be switched.", name))
		return
	}

	if on {
		err = adapter.SwitchOn(ctx, settings.IP)
	} else {
		err = adapter.SwitchOff(ctx, settings.IP)
	}
	if err != nil {
		c.wd.FailureProcessing(devices.ClassifyError(err), err.Error(), "switch request failed")
		c.sendText(fmt.Sprintf("Device %s could not be switched.", name))
		return
	}

	c.wd.NormalProcessing()
	c.states[name] = on
	c.sendText(fmt.Sprintf("Device %s switched %s.", name, stateWord(on)))
}

// HandleSwitchInformation refreshes the cached relay state of every
// switch-enabled device from the hardware.
func (c *Controller) HandleSwitchInformation(ctx context.Context) {
	for _, name := range c.CheckSwitchModeRequested() {
		settings, _ := c.store.Get(name)
		adapter, err := c.registry.Lookup(settings.Type)
		if err != nil {
			c.logger.WithField("device", name).Errorf("Switch dispatch failed: %v", err)
			continue
		}
		on, err := adapter.SwitchStatus(ctx, settings.IP)
		if err != nil {
			c.wd.FailureProcessing(devices.ClassifyError(err), err.Error(), "switch status failed")
			continue
		}
		c.wd.NormalProcessing()
		c.states[name] = on
	}
}

// StatusText renders the cached switch states for a chat reply.
func (c *Controller) StatusText() string {
	names := c.CheckSwitchModeRequested()
	if len(names) == 0 {
		return "No switchable devices configured."
	}
	var b strings.Builder
	for _, name := range names {
		state := "unknown"
		if on, known := c.states[name]; known {
			if on {
				state = "On"
			} else {
				state = "Off"
			}
		}
		fmt.Fprintf(&b, "%s: %s\n", name, state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Controller) sendText(text string) {
	c.bus.ToBot.Put(router.NewEnvelope(router.CommandSendMessage,
		map[string]string{"text": text}, c.now()))
}

func stateWord(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
