package switchbox

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const mockFirmware = "SWBOX mock 1.0"

// MockIO stands in for the instrument: it keeps port words, DAC codes and
// ADC readings in memory and answers requests the way the firmware would.
// Every request is appended to Requests so tests can assert the traffic.
type MockIO struct {
	Firmware string
	Adc      map[string]float64

	Requests  []string
	FailNext  error
	ReplyNext string

	lock       sync.Mutex
	words      map[Port]uint16
	startWords map[Port]uint16
	dacCodes   map[int]int
}

func NewMockIO() *MockIO {
	mio := &MockIO{
		Firmware: mockFirmware,
		Adc: map[string]float64{
			"ADC1": 0,
			"ADC2": 0,
			"ADC3": 0,
			"ADC4": 0,
		},
		words:      make(map[Port]uint16, len(Ports)),
		startWords: make(map[Port]uint16, len(Ports)),
		dacCodes:   make(map[int]int),
	}
	for _, port := range Ports {
		mio.words[port] = 0
		mio.startWords[port] = 0
	}
	return mio
}

func (mio *MockIO) Exchange(cmd Command) (string, error) {
	mio.lock.Lock()
	defer mio.lock.Unlock()

	request := cmd.Compile()
	mio.Requests = append(mio.Requests, request)

	if mio.FailNext != nil {
		err := mio.FailNext
		mio.FailNext = nil
		return "", err
	}
	if len(mio.ReplyNext) > 0 {
		reply := mio.ReplyNext
		mio.ReplyNext = ""
		return reply, nil
	}

	verb, rest, found := strings.Cut(request, " ")
	if !found {
		return "ERROR syntax", nil
	}
	target, payload, _ := strings.Cut(rest, ":")

	switch verb {
	case VerbGet:
		return mio.handleGet(target)
	case VerbSet:
		return mio.handleSet(target, payload)
	}
	return "ERROR unknown verb", nil
}

func (mio *MockIO) Close() error {
	return nil
}

func (mio *MockIO) handleGet(target string) (string, error) {
	switch {
	case target == "ver":
		return mio.Firmware, nil

	case target == "adc":
		labels := make([]string, 0, len(mio.Adc))
		for label := range mio.Adc {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		readings := make([]string, 0, len(labels))
		for _, label := range labels {
			readings = append(readings, fmt.Sprintf("%s:%.3f", label, mio.Adc[label]))
		}
		return strings.Join(readings, ";"), nil

	case target == "abcd":
		return fmt.Sprintf("a:%d,b:%d,c:%d,d:%d",
			mio.words[PortA], mio.words[PortB], mio.words[PortC], mio.words[PortD]), nil

	case strings.HasPrefix(target, "dac"):
		channel, err := strconv.Atoi(strings.TrimPrefix(target, "dac"))
		if err != nil || channel < 1 || channel > Channels {
			return "ERROR bad dac channel", nil
		}
		return strconv.Itoa(mio.dacCodes[channel]), nil

	case strings.HasPrefix(target, startPortPrefix):
		port, err := ParsePort(strings.TrimPrefix(target, startPortPrefix))
		if err != nil {
			return "ERROR unknown target", nil
		}
		return fmt.Sprintf("%s%s:%d", startPortPrefix, port, mio.startWords[port]), nil
	}

	port, err := ParsePort(target)
	if err != nil {
		return "ERROR unknown target", nil
	}
	return fmt.Sprintf("%s:%d", port, mio.words[port]), nil
}

func (mio *MockIO) handleSet(target, payload string) (string, error) {
	switch {
	case target == "abcd":
		values := strings.Split(payload, ",")
		if len(values) != len(Ports) {
			return "ERROR bad port count", nil
		}
		words := make([]uint16, 0, len(Ports))
		for _, value := range values {
			word, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return "ERROR bad port word", nil
			}
			words = append(words, uint16(word))
		}
		for i, port := range Ports {
			mio.words[port] = words[i]
		}
		return ackPrefix, nil

	case strings.HasPrefix(target, "dac"):
		channel, err := strconv.Atoi(strings.TrimPrefix(target, "dac"))
		if err != nil || channel < 1 || channel > Channels {
			return "ERROR bad dac channel", nil
		}
		code, err := strconv.Atoi(payload)
		if err != nil || code < 0 || code > DacMaxCode {
			return "ERROR bad dac code", nil
		}
		mio.dacCodes[channel] = code
		return ackPrefix, nil

	case strings.HasPrefix(target, startPortPrefix):
		port, err := ParsePort(strings.TrimPrefix(target, startPortPrefix))
		if err != nil {
			return "ERROR unknown target", nil
		}
		word, err := strconv.ParseUint(payload, 10, 16)
		if err != nil {
			return "ERROR bad port word", nil
		}
		mio.startWords[port] = uint16(word)
		return ackPrefix, nil
	}

	port, err := ParsePort(target)
	if err != nil {
		return "ERROR unknown target", nil
	}
	word, err := strconv.ParseUint(payload, 10, 16)
	if err != nil {
		return "ERROR bad port word", nil
	}
	mio.words[port] = uint16(word)
	return ackPrefix, nil
}

// PortWord reads back a stored port word, for assertions.
func (mio *MockIO) PortWord(port Port) uint16 {
	mio.lock.Lock()
	defer mio.lock.Unlock()
	return mio.words[port]
}

// SetPortWord presets a stored port word.
func (mio *MockIO) SetPortWord(port Port, word uint16) {
	mio.lock.Lock()
	defer mio.lock.Unlock()
	mio.words[port] = word
}

// StartPortWord reads back a stored boot default word.
func (mio *MockIO) StartPortWord(port Port) uint16 {
	mio.lock.Lock()
	defer mio.lock.Unlock()
	return mio.startWords[port]
}

// DacCode reads back a stored DAC code.
func (mio *MockIO) DacCode(channel int) int {
	mio.lock.Lock()
	defer mio.lock.Unlock()
	return mio.dacCodes[channel]
}

// RequestLog copies the recorded request history.
func (mio *MockIO) RequestLog() []string {
	mio.lock.Lock()
	defer mio.lock.Unlock()
	requests := make([]string, len(mio.Requests))
	copy(requests, mio.Requests)
	return requests
}
