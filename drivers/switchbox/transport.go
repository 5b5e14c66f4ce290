package switchbox

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate    = 57600
	DefaultReadTimeout = time.Second

	maxLineBytes    = 200
	replyExtraLines = 2
)

// IO carries one request/reply exchange with the instrument. Implementations
// must keep each exchange atomic, concurrent callers may share one IO.
type IO interface {
	Exchange(cmd Command) (string, error)
	Close() error
}

// SerialIO talks to the instrument over its RS-232 line, 8N1 framing.
type SerialIO struct {
	port   serial.Port
	lock   sync.Mutex
	logger *log.Logger
}

func OpenSerialIO(device string, baudRate int, readTimeout time.Duration) (*SerialIO, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "opening serial port %s failed: %v", device, err)
	}

	err = port.SetReadTimeout(readTimeout)
	if err != nil {
		port.Close()
		return nil, errors.Wrapf(ErrConfiguration, "setting read timeout on %s failed: %v", device, err)
	}

	sio := &SerialIO{
		port: port,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "switchbox " + device + ": ",
			Level:  log.GetLevel(),
		}),
	}
	return sio, nil
}

// Exchange resets the input buffer, sends the compiled request terminated
// with a carriage return and collects the reply. The firmware precedes every
// reply with a blank line and follows it with a prompt, so ReplyLines()+2
// lines are read; each is trimmed and the non-empty remainder concatenated.
func (sio *SerialIO) Exchange(cmd Command) (string, error) {
	sio.lock.Lock()
	defer sio.lock.Unlock()

	err := sio.port.ResetInputBuffer()
	if err != nil {
		return "", errors.Wrapf(ErrCommunication, "resetting input buffer failed: %v", err)
	}

	compiled := cmd.Compile()
	_, err = sio.port.Write([]byte(compiled + "\r"))
	if err != nil {
		return "", errors.Wrapf(ErrConfiguration, "writing request %q failed: %v", compiled, err)
	}

	var parts []string
	for n := 0; n < cmd.ReplyLines()+replyExtraLines; n++ {
		line, err := sio.readLine()
		if err != nil {
			return "", err
		}
		line = strings.TrimSpace(line)
		if len(line) > 0 {
			parts = append(parts, line)
		}
	}

	reply := strings.Join(parts, "")
	sio.logger.Debug("exchange", "request", compiled, "reply", reply)

	if len(reply) == 0 {
		return "", errors.Wrapf(ErrCommunication, "no reply for request %q", compiled)
	}
	if isFault(reply) {
		sio.logger.Error("instrument fault", "request", compiled, "reply", reply)
	}
	return reply, nil
}

// readLine collects bytes until a newline, the line cap or the port read
// timeout, whichever comes first. A zero-byte read means the timeout
// elapsed with the instrument silent.
func (sio *SerialIO) readLine() (string, error) {
	line := make([]byte, 0, maxLineBytes)
	single := make([]byte, 1)
	for len(line) < maxLineBytes {
		n, err := sio.port.Read(single)
		if err != nil {
			return "", errors.Wrapf(ErrCommunication, "serial read failed: %v", err)
		}
		if n == 0 || single[0] == '\n' {
			break
		}
		line = append(line, single[0])
	}
	return string(line), nil
}

func (sio *SerialIO) Close() error {
	err := sio.port.Close()
	if err != nil {
		return errors.Wrapf(ErrCommunication, "closing serial port failed: %v", err)
	}
	return nil
}
