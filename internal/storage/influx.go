package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"
)

// measurementName is the InfluxDB measurement all samples are written to.
const measurementName = "census"

// InfluxConfig holds the connection parameters for the InfluxDB 2.x server.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink implements Sink on top of influxdb-client-go.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI influxapi.WriteAPIBlocking
	queryAPI influxapi.QueryAPI
	bucket   string
	logger   *logrus.Logger
}

// NewInfluxSink creates a sink. No network traffic happens here; call Ping
// to verify the connection.
func NewInfluxSink(cfg InfluxConfig, logger *logrus.Logger) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		logger:   logger,
	}
}

func (s *InfluxSink) Write(ctx context.Context, m Measurement) error {
	fields := map[string]interface{}{
		"fetch_success": m.FetchSuccess,
	}
	if m.FetchSuccess {
		fields["power"] = m.Power
		fields["energy_wh"] = m.EnergyWh
		fields["device_temperature"] = m.Temperature
		fields["is_valid"] = m.IsValid
	}
	for k, v := range m.Extra {
		fields[k] = v
	}
	point := influxdb2.NewPoint(measurementName, map[string]string{"device": m.Device}, fields, m.Time)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("writing measurement for %s: %w", m.Device, err)
	}
	return nil
}

func (s *InfluxSink) Query(ctx context.Context, device string, start, end time.Time) ([]Measurement, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r.device == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])`,
		s.bucket,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
		measurementName,
		device,
	)

	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying measurements for %s: %w", device, err)
	}

	var out []Measurement
	for result.Next() {
		record := result.Record()
		m := Measurement{
			Device:       device,
			Time:         record.Time(),
			FetchSuccess: asBool(record.ValueByKey("fetch_success")),
			Power:        asFloat(record.ValueByKey("power")),
			EnergyWh:     asFloat(record.ValueByKey("energy_wh")),
			Temperature:  asFloat(record.ValueByKey("device_temperature")),
			IsValid:      asBool(record.ValueByKey("is_valid")),
		}
		out = append(out, m)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("reading query result for %s: %w", device, result.Err())
	}
	return out, nil
}

func (s *InfluxSink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("pinging InfluxDB: %w", err)
	}
	if !ok {
		return fmt.Errorf("InfluxDB did not answer the ping")
	}
	return nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func asBool(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

// Compile-time interface implementation check
var _ Sink = (*InfluxSink)(nil)
