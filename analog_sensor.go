package boxkit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/boxkit/drivers/switchbox"
)

const oldDataDuration = 10 * time.Minute

// AnalogSensor reads one ADC channel and maps volts onto engineering units:
// value = volts*Scale + Offset. A zero Scale from config means 1.
type AnalogSensor struct {
	Name    string
	Box     string
	Channel int
	Unit    string
	Scale   float64
	Offset  float64

	box      *switchbox.SwitchBox
	value    float64
	volts    float64
	lastSync time.Time

	lock sync.Mutex
}

func (as *AnalogSensor) GetBoxName() string {
	return as.Box
}

func (as *AnalogSensor) Init(ctx context.Context, dir switchbox.Directory) error {
	if len(as.Name) == 0 {
		return errors.New("analog sensor requires a name")
	}
	if as.Channel < 1 {
		return errors.Errorf("analog sensor %s: adc channel %d invalid", as.Name, as.Channel)
	}
	if as.Scale == 0 {
		as.Scale = 1
	}

	var err error
	as.box, err = switchbox.Bind(ctx, dir, as.Box, 0, 0)
	if err != nil {
		return errors.Wrapf(err, "analog sensor %s init failed", as.Name)
	}

	return nil
}

func (as *AnalogSensor) Sync() error {
	volts, err := as.box.ReadADC(as.Channel)
	if err != nil {
		return errors.Wrapf(err, "syncing analog sensor %s failed", as.Name)
	}

	as.lock.Lock()
	defer as.lock.Unlock()
	as.volts = volts
	as.value = volts*as.Scale + as.Offset
	as.lastSync = time.Now()

	return nil
}

// GetValue returns the last synced reading in engineering units. Readings
// older than the stale window are refused.
func (as *AnalogSensor) GetValue() (value float64, err error) {
	as.lock.Lock()
	defer as.lock.Unlock()

	if as.lastSync.IsZero() {
		err = errors.Errorf("cannot get sensor %s value, never synced", as.Name)
		return
	}

	if time.Since(as.lastSync) > oldDataDuration {
		err = errors.Errorf("cannot get value of sensor %s, data is too old (%v old)", as.Name, time.Since(as.lastSync))
		return
	}

	value = as.value
	return
}

// Volts returns the last synced raw reading.
func (as *AnalogSensor) Volts() (volts float64, err error) {
	as.lock.Lock()
	defer as.lock.Unlock()

	if as.lastSync.IsZero() {
		err = errors.Errorf("cannot get sensor %s volts, never synced", as.Name)
		return
	}

	volts = as.volts
	return
}
