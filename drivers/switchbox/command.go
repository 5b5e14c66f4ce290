package switchbox

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	VerbGet = "get"
	VerbSet = "set"

	ackPrefix   = "OK"
	faultPrefix = "ERROR"

	startPortPrefix = "start"
)

// Command is a single request on the instrument's line protocol. Compile
// returns the request without the trailing carriage return, ReplyLines how
// many payload lines the firmware answers with.
type Command interface {
	Compile() string
	ReplyLines() int
}

type GeneralCommand struct {
	Verb    string
	Target  string
	Payload string
	Lines   int
}

func (gc GeneralCommand) Compile() string {
	if len(gc.Payload) > 0 {
		return fmt.Sprintf("%s %s:%s", gc.Verb, gc.Target, gc.Payload)
	}
	return fmt.Sprintf("%s %s", gc.Verb, gc.Target)
}

func (gc GeneralCommand) ReplyLines() int {
	if gc.Lines > 0 {
		return gc.Lines
	}
	return 1
}

func isAck(reply string) bool {
	return strings.HasPrefix(reply, ackPrefix)
}

func isFault(reply string) bool {
	return strings.HasPrefix(reply, faultPrefix)
}

func setPortCommand(port Port, word uint16) GeneralCommand {
	return GeneralCommand{Verb: VerbSet, Target: string(port), Payload: strconv.FormatUint(uint64(word), 10)}
}

func setAllPortsCommand(words []uint16) GeneralCommand {
	payload := make([]string, 0, len(words))
	for _, word := range words {
		payload = append(payload, strconv.FormatUint(uint64(word), 10))
	}
	return GeneralCommand{Verb: VerbSet, Target: "abcd", Payload: strings.Join(payload, ",")}
}

func getPortCommand(port Port) GeneralCommand {
	return GeneralCommand{Verb: VerbGet, Target: string(port)}
}

func getAllPortsCommand() GeneralCommand {
	return GeneralCommand{Verb: VerbGet, Target: "abcd"}
}

func setStartPortCommand(port Port, word uint16) GeneralCommand {
	return GeneralCommand{Verb: VerbSet, Target: startPortPrefix + string(port), Payload: strconv.FormatUint(uint64(word), 10)}
}

func getStartPortCommand(port Port) GeneralCommand {
	return GeneralCommand{Verb: VerbGet, Target: startPortPrefix + string(port)}
}

func setDacCommand(channel, code int) GeneralCommand {
	return GeneralCommand{Verb: VerbSet, Target: fmt.Sprintf("dac%d", channel), Payload: strconv.Itoa(code)}
}

func getDacCommand(channel int) GeneralCommand {
	return GeneralCommand{Verb: VerbGet, Target: fmt.Sprintf("dac%d", channel)}
}

func getAdcCommand() GeneralCommand {
	return GeneralCommand{Verb: VerbGet, Target: "adc"}
}

func getVersionCommand() GeneralCommand {
	return GeneralCommand{Verb: VerbGet, Target: "ver"}
}

// parsePortsReply reads a port readout like "a:6,b:0,c:4624,d:0" (one or
// more ports) into words. Spaces, letter case and a "start" label prefix
// are tolerated.
func parsePortsReply(reply string) (map[Port]uint16, error) {
	cleaned := strings.ReplaceAll(reply, " ", "")
	if len(cleaned) == 0 {
		return nil, errors.Wrap(ErrProtocol, "empty port readout")
	}

	words := make(map[Port]uint16)
	for _, item := range strings.Split(cleaned, ",") {
		name, value, found := strings.Cut(item, ":")
		if !found {
			return nil, errors.Wrapf(ErrProtocol, "malformed port readout item %q", item)
		}
		name = strings.TrimPrefix(strings.ToLower(name), startPortPrefix)
		port, err := ParsePort(name)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, "unknown port in readout item %q", item)
		}
		word, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, "port %s word %q is not a 16-bit number", port, value)
		}
		words[port] = uint16(word)
	}
	return words, nil
}

// parseAdcReply reads a readout like "ADC1:0.00;ADC2:2.50;" into volts per
// channel label. A trailing separator is tolerated.
func parseAdcReply(reply string) (map[string]float64, error) {
	cleaned := strings.ReplaceAll(reply, " ", "")

	readings := make(map[string]float64)
	for _, item := range strings.Split(cleaned, ";") {
		if len(item) == 0 {
			continue
		}
		label, value, found := strings.Cut(item, ":")
		if !found {
			return nil, errors.Wrapf(ErrProtocol, "malformed adc readout item %q", item)
		}
		volts, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrProtocol, "adc reading %q is not a number", item)
		}
		readings[label] = volts
	}

	if len(readings) == 0 {
		return nil, errors.Wrap(ErrProtocol, "no readings in adc readout")
	}
	return readings, nil
}

// parseDacReply reads a DAC readout, either the bare decimal code or a
// labelled "dac1:2048" pair.
func parseDacReply(reply string) (int, error) {
	cleaned := strings.TrimSpace(reply)
	if _, value, found := strings.Cut(cleaned, ":"); found {
		cleaned = value
	}
	code, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, errors.Wrapf(ErrProtocol, "dac readout %q is not a number", reply)
	}
	if code < 0 || code > DacMaxCode {
		return 0, errors.Wrapf(ErrProtocol, "dac code %d out of range 0..%d", code, DacMaxCode)
	}
	return code, nil
}
