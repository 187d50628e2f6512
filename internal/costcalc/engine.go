package costcalc

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/storage"
)

// Row is one report line. Nil fields render as the "Not req" sentinel so
// that monthly and yearly files keep their daily cadence even when the
// calculation only runs on the matching date.
type Row struct {
	StartDate    string
	EndDate      string
	EnergyKWh    *float64
	TotalCost    *float64
	CostKWh      *float64
	ErrorRateOne *float64
	ErrorRateTwo *float64
	PowerOn      *int
}

const rowTimeFormat = "2006-01-02 15:04:05"

// Engine runs the scheduled cost and power-on calculations. The price and
// target-date getters come from the configuration so that the one-time
// default-substitution warnings live in one place.
type Engine struct {
	sink       storage.Sink
	reports    *ReportWriter
	price      func() float64
	monthlyDay func() string
	yearlyDate func() string
	logger     *logrus.Logger
	now        func() time.Time
}

// NewEngine builds an engine.
func NewEngine(sink storage.Sink, reports *ReportWriter, cfg *config.Config, logger *logrus.Logger) *Engine {
	return &Engine{
		sink:       sink,
		reports:    reports,
		price:      cfg.PriceKWh,
		monthlyDay: cfg.RequestTimeMonthly,
		yearlyDate: cfg.RequestTimeYearly,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CostCalc aggregates one measurement window into the row. A window with
// no records at all leaves the row untouched: there is nothing to divide
// by and a zero-value line would be misleading.
func (e *Engine) CostCalc(ctx context.Context, name string, settings *config.DeviceSettings, row *Row, end time.Time, start time.Time) error {
	records, err := e.sink.Query(ctx, name, start, end)
	if err != nil {
		return err
	}

	success := 0
	failed := 0
	sumWh := 0.0
	for _, m := range records {
		if m.FetchSuccess {
			success++
			sumWh += m.EnergyWh
		} else {
			failed++
		}
	}
	if success+failed == 0 {
		return nil
	}

	price := e.price()
	energyKWh := math.Round(sumWh/1000*100) / 100
	expected := end.Sub(start).Seconds() / float64(settings.UpdateTime)

	row.StartDate = start.Format(rowTimeFormat)
	row.EndDate = end.Format(rowTimeFormat)
	row.EnergyKWh = ptr(energyKWh)
	row.TotalCost = ptr(energyKWh * price)
	row.CostKWh = ptr(price)
	row.ErrorRateOne = ptr(float64(failed) * 100 / float64(success+failed))
	// Unclamped by design: more samples than expected yields a negative
	// rate, clamping happens at output formatting only.
	row.ErrorRateTwo = ptr((expected - float64(success)) * 100 / expected)
	return nil
}

// PowerOnCalc counts complete on/off cycles of the instantaneous power
// over the window. The two thresholds form a hysteresis band: a cycle is
// counted only when the power first rises through the on-threshold and
// later falls through the off-threshold. Oscillation inside the band is
// not double-counted.
func (e *Engine) PowerOnCalc(ctx context.Context, name string, settings *config.DeviceSettings, row *Row, end time.Time, start time.Time) error {
	if settings.PowerOnCounter == nil {
		return nil
	}
	records, err := e.sink.Query(ctx, name, start, end)
	if err != nil {
		return err
	}

	counter := 0
	passedOn := false
	for _, m := range records {
		switch {
		case m.Power >= settings.PowerOnCounter.OnThreshold && !passedOn:
			passedOn = true
		case m.Power < settings.PowerOnCounter.OffThreshold && passedOn:
			counter++
			passedOn = false
		}
	}
	row.PowerOn = ptr(counter)
	return nil
}

// Requested is the per-device cadence selection derived from its
// configuration.
type Requested struct {
	CostCalc       config.CadenceFlags
	PowerOnCounter config.CadenceFlags
}

// Any reports whether any scheduled calculation exists for the device.
func (r Requested) Any() bool { return r.CostCalc.Any() || r.PowerOnCounter.Any() }

// CheckCalcRequested reads the cadence selection out of the device
// settings.
func CheckCalcRequested(settings *config.DeviceSettings) Requested {
	var req Requested
	if settings.CostCalculation != nil {
		req.CostCalc = *settings.CostCalculation
	}
	if settings.PowerOnCounter != nil {
		req.PowerOnCounter = settings.PowerOnCounter.Cadences()
	}
	return req
}

// CalculationHandler runs all requested calculations for one device. It
// fires once per day from the scheduler; the monthly and yearly rows are
// written every day but only populated on their matching dates, keeping a
// uniform row cadence in the output files.
func (e *Engine) CalculationHandler(ctx context.Context, name string, settings *config.DeviceSettings) {
	req := CheckCalcRequested(settings)
	if !req.Any() {
		return
	}
	current := e.now().UTC()

	if req.CostCalc.Daily || req.PowerOnCounter.Daily {
		var row Row
		if req.CostCalc.Daily {
			e.logQueryError(name, e.CostCalc(ctx, name, settings, &row, current, current.AddDate(0, 0, -1)))
		}
		if req.PowerOnCounter.Daily {
			e.logQueryError(name, e.PowerOnCalc(ctx, name, settings, &row, current, current.AddDate(0, 0, -1)))
		}
		e.writeRow(name, CadenceDay, row)
	}

	if req.CostCalc.Monthly || req.PowerOnCounter.Monthly {
		var row Row
		if MatchedDay(current, CheckDayParameter(e.monthlyDay())) {
			if req.CostCalc.Monthly {
				e.logQueryError(name, e.CostCalc(ctx, name, settings, &row, current, current.AddDate(0, -1, 0)))
			}
			if req.PowerOnCounter.Monthly {
				e.logQueryError(name, e.PowerOnCalc(ctx, name, settings, &row, current, current.AddDate(0, -1, 0)))
			}
		}
		e.writeRow(name, CadenceMonth, row)
	}

	if req.CostCalc.Yearly || req.PowerOnCounter.Yearly {
		var row Row
		day, month := CheckYearParameter(e.yearlyDate())
		if MatchedDayAndMonth(current, day, month) {
			if req.CostCalc.Yearly {
				e.logQueryError(name, e.CostCalc(ctx, name, settings, &row, current, current.AddDate(-1, 0, 0)))
			}
			if req.PowerOnCounter.Yearly {
				e.logQueryError(name, e.PowerOnCalc(ctx, name, settings, &row, current, current.AddDate(-1, 0, 0)))
			}
		}
		e.writeRow(name, CadenceYear, row)
	}
}

func (e *Engine) writeRow(name string, cadence Cadence, row Row) {
	if err := e.reports.Append(name, cadence, row); err != nil {
		e.logger.WithFields(logrus.Fields{
			"device":  name,
			"cadence": cadence,
		}).Errorf("Failed to write report row: %v", err)
	}
}

func (e *Engine) logQueryError(name string, err error) {
	if err != nil {
		e.logger.WithField("device", name).Errorf("Calculation query failed: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
