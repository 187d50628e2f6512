// Package app wires the subsystems together and owns the process
// lifecycle: one cooperative scheduler goroutine for all device work,
// one HTTP server goroutine for the operational surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/mwinkler/plugwatch/internal/api"
	"github.com/mwinkler/plugwatch/internal/bot"
	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/costcalc"
	"github.com/mwinkler/plugwatch/internal/devices"
	"github.com/mwinkler/plugwatch/internal/metrics"
	"github.com/mwinkler/plugwatch/internal/monitor"
	"github.com/mwinkler/plugwatch/internal/router"
	"github.com/mwinkler/plugwatch/internal/scheduler"
	"github.com/mwinkler/plugwatch/internal/storage"
	"github.com/mwinkler/plugwatch/internal/switchctl"
	"github.com/mwinkler/plugwatch/internal/watchdog"
)

// drainInterval is how often the ToMain and ToEnergyMonitor queues are
// emptied. Commands tolerate a short delay; the queues are unbounded.
const drainInterval = 2 * time.Second

// switchRefreshInterval is how often the cached relay states are
// re-read from the hardware.
const switchRefreshInterval = 5 * time.Minute

// Options carries the collaborators built by main. Registry, Metrics and
// Clock default when nil; BotClient nil disables the chat transport.
type Options struct {
	Config    *config.Config
	Store     *config.DeviceStore
	Sink      storage.Sink
	Registry  *devices.Registry
	Metrics   *metrics.Metrics
	BotClient *bot.Client
	Logger    *logrus.Logger
	Clock     func() time.Time
}

// App is the assembled application.
type App struct {
	cfg      *config.Config
	store    *config.DeviceStore
	sink     storage.Sink
	registry *devices.Registry
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time

	bus       *router.Router
	sched     *scheduler.Scheduler
	engine    *costcalc.Engine
	mon       *monitor.Monitor
	switches  *switchctl.Controller
	bot       *bot.Handler
	watchdogs map[string]*watchdog.Watchdog

	// statusMu guards the snapshot read by the HTTP goroutine. All other
	// state is touched only from the scheduler goroutine.
	statusMu sync.Mutex
	statuses map[string]api.DeviceStatus
}

// New assembles the application from its collaborators.
func New(opts Options) *App {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Registry == nil {
		opts.Registry = devices.Default(opts.Clock)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	a := &App{
		cfg:       opts.Config,
		store:     opts.Store,
		sink:      opts.Sink,
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Clock,
		bus:       router.New(),
		watchdogs: map[string]*watchdog.Watchdog{},
		statuses:  map[string]api.DeviceStatus{},
	}

	a.sched = scheduler.New(opts.Logger).WithClock(opts.Clock)
	a.sched.OnTaskDone(a.metrics.ObserveTask)

	reports := costcalc.NewReportWriter(opts.Config.Files.Reports)
	a.engine = costcalc.NewEngine(opts.Sink, reports, opts.Config, opts.Logger).WithClock(opts.Clock)
	a.mon = monitor.New(opts.Sink, opts.Store, a.bus, opts.Logger).WithClock(opts.Clock)
	a.switches = switchctl.New(opts.Store, opts.Registry, a.bus, opts.Logger).WithClock(opts.Clock)
	if opts.BotClient != nil {
		a.bot = bot.NewHandler(opts.BotClient, a.bus, opts.Config,
			a.switches.CheckSwitchModeRequested, opts.Logger).WithClock(opts.Clock)
	}

	a.buildWatchdogs()
	return a
}

// buildWatchdogs creates one watchdog per configured device with the
// transition hooks that fan alarms into the chat queue.
func (a *App) buildWatchdogs() {
	for _, name := range a.store.Names() {
		name := name
		wd := watchdog.New(name, a.logger).WithClock(a.now)
		wd.OnOffline = func(device string, last watchdog.Failure) {
			a.metrics.SetOnline(device, false)
			a.updateStatus(device)
			a.sendText(fmt.Sprintf("Alarm: device %s was marked as offline (%s).", device, last.Kind))
		}
		wd.OnRecover = func(device string, failureCount int) {
			a.metrics.SetOnline(device, true)
			a.updateStatus(device)
			a.sendText(fmt.Sprintf("Device %s is reachable again.", device))
		}
		a.watchdogs[name] = wd
		a.metrics.SetOnline(name, true)
		a.updateStatus(name)
	}
}

// Run verifies external collaborators, registers the scheduler tasks and
// blocks until the context is cancelled. A storage ping failure is fatal;
// a chat transport failure only disables the bot.
func (a *App) Run(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.sink.Ping(pingCtx); err != nil {
		return fmt.Errorf("storage is not reachable: %w", err)
	}
	defer a.sink.Close()

	if a.bot != nil {
		if err := a.bot.Start(ctx); err != nil {
			a.logger.Warnf("Chat transport disabled: %v", err)
			a.bot = nil
		}
	}

	if err := a.registerTasks(); err != nil {
		return err
	}

	server := api.NewServer(a.cfg.Server.Port, a.sink, a.DeviceStatuses,
		prometheus.DefaultGatherer, a.logger)
	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	// Prime the switch cache before the first /status can ask for it.
	a.switches.HandleSwitchInformation(ctx)

	a.sched.Run(ctx)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

func (a *App) registerTasks() error {
	ctx := context.Background()

	for _, name := range a.store.Names() {
		name := name
		settings, _ := a.store.Get(name)
		if settings.UpdateTime <= 0 {
			return fmt.Errorf("device %s has no valid update_time", name)
		}
		interval := time.Duration(settings.UpdateTime) * time.Second
		a.sched.Every(interval, "poll-"+name, func() {
			a.pollDevice(ctx, name)
		})
	}

	if _, err := a.sched.Daily(a.cfg.RequestTimeDaily(), "calculations", func() {
		a.runCalculations(ctx)
	}); err != nil {
		return err
	}

	a.sched.Every(drainInterval, "queue-drain", func() {
		a.drainMain(ctx)
		a.mon.HandleCommunication(ctx)
	})

	if interval := a.monitoringInterval(); interval > 0 {
		a.sched.Every(interval, "energy-monitor", func() {
			a.mon.RunMonitoring(ctx)
		})
	}

	if len(a.switches.CheckSwitchModeRequested()) > 0 {
		a.sched.Every(switchRefreshInterval, "switch-status", func() {
			a.switches.HandleSwitchInformation(ctx)
		})
	}

	if a.bot != nil {
		interval := time.Duration(a.cfg.BotUpdateTime()) * time.Second
		a.sched.Every(interval, "telegram-bot", func() {
			a.bot.Tick(ctx)
		})
	}
	return nil
}

// monitoringInterval is the shortest active alarm period, zero when no
// device has an active alarm.
func (a *App) monitoringInterval() time.Duration {
	shortest := 0
	for _, name := range a.store.Names() {
		settings, _ := a.store.Get(name)
		if settings.EnergyAlarm == nil || !settings.EnergyAlarm.Active {
			continue
		}
		period := settings.EnergyAlarm.PeriodMin
		if period <= 0 {
			period = config.DefaultAlarmPeriodMin
		}
		if shortest == 0 || period < shortest {
			shortest = period
		}
	}
	return time.Duration(shortest) * time.Minute
}

// pollDevice fetches one measurement and persists it. Fetch failures are
// already classified and recorded by the adapter; write failures are
// logged and counted but never stop the poll cadence.
func (a *App) pollDevice(ctx context.Context, name string) {
	settings, ok := a.store.Get(name)
	if !ok {
		return
	}
	wd := a.watchdogs[name]

	adapter, err := a.registry.Lookup(settings.Type)
	if err != nil {
		a.logger.WithField("device", name).Errorf("Polling skipped: %v", err)
		return
	}

	m := adapter.Fetch(ctx, name, settings, wd)
	a.metrics.ObserveFetch(name, m.FetchSuccess)
	if !m.FetchSuccess {
		if recent := wd.RecentFailures(); len(recent) > 0 {
			a.metrics.FailureTotal.WithLabelValues(name, recent[len(recent)-1].Kind).Inc()
		}
	}
	a.updateStatus(name)

	if err := a.sink.Write(ctx, m); err != nil {
		a.metrics.StorageWriteErrors.Inc()
		a.logger.WithField("device", name).Errorf("Failed to store measurement: %v", err)
	}
}

// runCalculations fires the daily calculation pass for every device.
func (a *App) runCalculations(ctx context.Context) {
	for _, name := range a.store.Names() {
		settings, _ := a.store.Get(name)
		a.engine.CalculationHandler(ctx, name, settings)
	}
}

// drainMain processes status and switch requests queued by the bot.
func (a *App) drainMain(ctx context.Context) {
	for {
		envelope, ok := a.bus.ToMain.TryGet()
		if !ok {
			return
		}
		switch envelope.Command {
		case router.CommandStatus:
			a.sendText(a.statusText())
		case router.CommandSwitch:
			a.switches.Toggle(ctx, envelope.Data["device"], envelope.Data["state"] == "on")
		default:
			a.logger.WithField("command", envelope.Command).Warn("Unknown main command")
		}
	}
}

// statusText renders the device summary for a chat reply.
func (a *App) statusText() string {
	var b strings.Builder
	b.WriteString("Device status:\n")
	for _, name := range a.store.Names() {
		wd := a.watchdogs[name]
		state := "online"
		if !wd.Online() {
			state = "offline"
		}
		fmt.Fprintf(&b, "%s: %s (%d failures)\n", name, state, wd.FailureCount())
	}
	if len(a.switches.CheckSwitchModeRequested()) > 0 {
		b.WriteString("Switches:\n")
		b.WriteString(a.switches.StatusText())
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) sendText(text string) {
	a.bus.ToBot.Put(router.NewEnvelope(router.CommandSendMessage,
		map[string]string{"text": text}, a.now()))
}

// updateStatus refreshes the snapshot served by the HTTP API.
func (a *App) updateStatus(name string) {
	wd, ok := a.watchdogs[name]
	if !ok {
		return
	}
	a.statusMu.Lock()
	a.statuses[name] = api.DeviceStatus{
		Name:     name,
		Online:   wd.Online(),
		Failures: wd.FailureCount(),
	}
	a.statusMu.Unlock()
}

// DeviceStatuses returns the snapshot for the HTTP API, sorted by the
// store's stable name order.
func (a *App) DeviceStatuses() []api.DeviceStatus {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	out := make([]api.DeviceStatus, 0, len(a.statuses))
	for _, name := range a.store.Names() {
		if status, ok := a.statuses[name]; ok {
			out = append(out, status)
		}
	}
	return out
}
