package boxkit

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/pkg/errors"
)

const defaultRecordInterval = time.Minute
const defaultMeasurement = "boxkit"

// InfluxRecorder pushes the analog sensor readings into an InfluxDB bucket,
// one point per sensor per tick.
type InfluxRecorder struct {
	Host         string
	Token        string
	Organization string
	Bucket       string
	Measurement  string
	Interval     string

	sensors  []*AnalogSensor
	writeApi api.WriteAPIBlocking
	interval time.Duration
	logger   *log.Logger
}

func (ir *InfluxRecorder) Setup(sensors []*AnalogSensor) error {
	if len(ir.Host) == 0 {
		return errors.New("influx recorder requires a host")
	}

	ir.sensors = sensors
	ir.interval = defaultRecordInterval
	if len(ir.Interval) > 0 {
		interval, err := time.ParseDuration(ir.Interval)
		if err != nil {
			return errors.Wrapf(err, "parsing influx recorder interval %q failed", ir.Interval)
		}
		ir.interval = interval
	}
	if len(ir.Measurement) == 0 {
		ir.Measurement = defaultMeasurement
	}

	client := influxdb2.NewClient(ir.Host, ir.Token)
	ir.writeApi = client.WriteAPIBlocking(ir.Organization, ir.Bucket)

	ir.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "InfluxRecorder: ",
		Level:  log.GetLevel(),
	})

	return nil
}

// Start records until the context ends. Failed ticks are logged and the
// next tick tries again with fresh readings.
func (ir *InfluxRecorder) Start(ctx context.Context) {
	ir.logger.Info("recording started", "interval", ir.interval, "sensors", len(ir.sensors))

	ticker := time.NewTicker(ir.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ir.Record(ctx)
			if err != nil {
				ir.logger.Error("recording tick failed", "err", err)
			}
		}
	}
}

// Record writes one point per sensor that holds a fresh reading.
func (ir *InfluxRecorder) Record(ctx context.Context) error {
	for _, sensor := range ir.sensors {
		value, err := sensor.GetValue()
		if err != nil {
			ir.logger.Debug("skipping sensor", "sensor", sensor.Name, "err", err)
			continue
		}
		volts, err := sensor.Volts()
		if err != nil {
			continue
		}

		point := influxdb2.NewPoint(ir.Measurement,
			map[string]string{
				"sensor":  sensor.Name,
				"box":     sensor.GetBoxName(),
				"channel": strconv.Itoa(sensor.Channel),
			},
			map[string]interface{}{
				"value": value,
				"volts": volts,
			},
			time.Now())

		err = ir.writeApi.WritePoint(ctx, point)
		if err != nil {
			return errors.Wrapf(err, "writing point for sensor %s failed", sensor.Name)
		}
	}

	return nil
}
