package switchbox

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

const (
	DacBits    = 4096
	DacMaxCode = DacBits - 1
	DacVolts   = 10.0

	// AdcVolts is the nominal input range; readings already arrive in volts.
	AdcVolts = 5.0
)

// ReadADCAll fetches every ADC reading, keyed by the instrument's channel
// labels ("ADC1", ...).
func (box *SwitchBox) ReadADCAll() (map[string]float64, error) {
	reply, err := box.io.Exchange(getAdcCommand())
	if err != nil {
		return nil, err
	}
	return parseAdcReply(reply)
}

func (box *SwitchBox) ReadADC(channel int) (float64, error) {
	readings, err := box.ReadADCAll()
	if err != nil {
		return 0, err
	}
	label := fmt.Sprintf("ADC%d", channel)
	volts, found := readings[label]
	if !found {
		return 0, errors.Wrapf(ErrProtocol, "channel %s missing from adc readout", label)
	}
	return volts, nil
}

// WriteDAC sets an output voltage, converted to the nearest 12-bit code.
func (box *SwitchBox) WriteDAC(channel int, volts float64) (bool, error) {
	if volts < 0 || volts > DacVolts {
		return false, errors.Wrapf(ErrValidation, "dac voltage %.3f out of range 0..%g V", volts, DacVolts)
	}
	code := int(math.Round(volts / DacVolts * DacBits))
	if code > DacMaxCode {
		code = DacMaxCode
	}
	return box.WriteDACRaw(channel, code)
}

func (box *SwitchBox) WriteDACRaw(channel, code int) (bool, error) {
	if err := validDacChannel(channel); err != nil {
		return false, err
	}
	if code < 0 || code > DacMaxCode {
		return false, errors.Wrapf(ErrValidation, "dac code %d out of range 0..%d", code, DacMaxCode)
	}
	reply, err := box.io.Exchange(setDacCommand(channel, code))
	if err != nil {
		return false, err
	}
	return isAck(reply), nil
}

func (box *SwitchBox) ReadDAC(channel int) (float64, error) {
	code, err := box.ReadDACRaw(channel)
	if err != nil {
		return 0, err
	}
	return float64(code) / DacBits * DacVolts, nil
}

func (box *SwitchBox) ReadDACRaw(channel int) (int, error) {
	if err := validDacChannel(channel); err != nil {
		return 0, err
	}
	reply, err := box.io.Exchange(getDacCommand(channel))
	if err != nil {
		return 0, err
	}
	return parseDacReply(reply)
}

func validDacChannel(channel int) error {
	if channel < 1 || channel > Channels {
		return errors.Wrapf(ErrValidation, "dac channel %d out of range 1..%d", channel, Channels)
	}
	return nil
}
