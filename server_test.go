package boxkit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/hubertat/boxkit/drivers/switchbox"
)

func makeServer(t testing.TB) (http.Handler, *switchbox.MockIO) {
	t.Helper()

	kit := &BoxKit{
		Name: "bench kit",
		Boxes: []*switchbox.SwitchBox{
			{Name: "bench", Mock: true},
		},
		Valves: []*SolenoidValve{
			{Name: "drain", Box: "bench", Channel: 1, DisableHomekit: true},
		},
		Sensors: []*AnalogSensor{
			{Name: "pressure", Box: "bench", Channel: 2, Unit: "bar"},
		},
	}
	assertNoError(t, kit.Setup(context.Background()))

	srv := &Server{Token: "s3cret"}
	srv.init(kit)

	return srv.routes(), kit.Boxes[0].MockIO()
}

func serveJson(t testing.TB, handler http.Handler, method, url, body string, wantStatus int, out interface{}) {
	t.Helper()

	var reader *strings.Reader
	if len(body) > 0 {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	request := httptest.NewRequest(method, url, reader)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != wantStatus {
		t.Fatalf("%s %s: got status %d, want %d (body: %s)", method, url, recorder.Code, wantStatus, recorder.Body.String())
	}

	if out != nil {
		err := json.Unmarshal(recorder.Body.Bytes(), out)
		if err != nil {
			t.Fatalf("%s %s: decoding response failed: %v (body: %s)", method, url, err, recorder.Body.String())
		}
	}
}

func TestServerTokenGate(t *testing.T) {
	handler, _ := makeServer(t)

	serveJson(t, handler, http.MethodGet, "/status", "", http.StatusUnauthorized, nil)
	serveJson(t, handler, http.MethodGet, "/status?token=wrong", "", http.StatusUnauthorized, nil)
	serveJson(t, handler, http.MethodGet, "/status?token=S3CRET", "", http.StatusOK, nil)
}

func TestServerNoTokenConfigured(t *testing.T) {
	kit := &BoxKit{
		Boxes: []*switchbox.SwitchBox{{Name: "bench", Mock: true}},
	}
	assertNoError(t, kit.Setup(context.Background()))

	srv := &Server{}
	srv.init(kit)

	serveJson(t, srv.routes(), http.MethodGet, "/status", "", http.StatusOK, nil)
}

func TestServerStatus(t *testing.T) {
	handler, _ := makeServer(t)

	var status struct {
		Name  string `json:"name"`
		Boxes []struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"boxes"`
		Valves []struct {
			Name string `json:"name"`
			Open bool   `json:"open"`
		} `json:"valves"`
		Sensors []struct {
			Name  string   `json:"name"`
			Value *float64 `json:"value"`
		} `json:"sensors"`
	}
	serveJson(t, handler, http.MethodGet, "/status?token=s3cret", "", http.StatusOK, &status)

	if status.Name != "bench kit" {
		t.Errorf("unexpected kit name: %s", status.Name)
	}
	if len(status.Boxes) != 1 || status.Boxes[0].Name != "bench" {
		t.Fatalf("unexpected boxes: %v", status.Boxes)
	}
	if status.Boxes[0].Version != "SWBOX mock 1.0" {
		t.Errorf("unexpected version: %s", status.Boxes[0].Version)
	}
	if len(status.Valves) != 1 || status.Valves[0].Name != "drain" {
		t.Fatalf("unexpected valves: %v", status.Valves)
	}
	if len(status.Sensors) != 1 || status.Sensors[0].Value != nil {
		t.Fatalf("expected one sensor without a value, got: %v", status.Sensors)
	}
}

func TestServerPortsRead(t *testing.T) {
	handler, mio := makeServer(t)

	mio.SetPortWord(switchbox.PortA, 257)

	var states switchbox.PortStates
	serveJson(t, handler, http.MethodGet, "/box/bench/ports?token=s3cret", "", http.StatusOK, &states)

	if len(states) != 4 {
		t.Fatalf("expected 4 ports, got %d", len(states))
	}
	if states[switchbox.PortA][0] != switchbox.StateFull {
		t.Errorf("unexpected port a states: %v", states[switchbox.PortA])
	}
}

func TestServerPortWrite(t *testing.T) {
	handler, mio := makeServer(t)

	var ack ackResponse
	serveJson(t, handler, http.MethodPut, "/box/bench/port/a?token=s3cret", "[1,2]", http.StatusOK, &ack)

	if !ack.Ack {
		t.Error("expected acked port write")
	}
	assertWord(t, mio, switchbox.PortA, 3<<8|2)
}

func TestServerPortWriteBadBody(t *testing.T) {
	handler, _ := makeServer(t)

	serveJson(t, handler, http.MethodPut, "/box/bench/port/a?token=s3cret", "noise", http.StatusBadRequest, nil)
}

func TestServerUnknownBox(t *testing.T) {
	handler, _ := makeServer(t)

	serveJson(t, handler, http.MethodGet, "/box/attic/ports?token=s3cret", "", http.StatusNotFound, nil)
}

func TestServerChannelWriteAndRead(t *testing.T) {
	handler, mio := makeServer(t)

	var ack ackResponse
	serveJson(t, handler, http.MethodPut, "/box/bench/channel/5?token=s3cret", `{"state":2}`, http.StatusOK, &ack)

	if !ack.Ack {
		t.Error("expected acked channel write")
	}
	assertWord(t, mio, switchbox.PortA, 1<<4<<8|1<<4)

	var state struct {
		Channel int                    `json:"channel"`
		State   switchbox.ChannelState `json:"state"`
	}
	serveJson(t, handler, http.MethodGet, "/box/bench/channel/5?token=s3cret", "", http.StatusOK, &state)

	if state.Channel != 5 || state.State != switchbox.StateFull {
		t.Errorf("unexpected channel readout: %+v", state)
	}
}

func TestServerChannelValidation(t *testing.T) {
	handler, _ := makeServer(t)

	serveJson(t, handler, http.MethodPut, "/box/bench/channel/99?token=s3cret", `{"state":2}`, http.StatusBadRequest, nil)
	serveJson(t, handler, http.MethodPut, "/box/bench/channel/five?token=s3cret", `{"state":2}`, http.StatusBadRequest, nil)
	serveJson(t, handler, http.MethodPut, "/box/bench/channel/5?token=s3cret", `{"state":2,"low_power_after":"soon"}`, http.StatusBadRequest, nil)
}

func TestServerAdcRead(t *testing.T) {
	handler, mio := makeServer(t)

	mio.Adc["ADC2"] = 2.5

	var readings map[string]float64
	serveJson(t, handler, http.MethodGet, "/box/bench/adc?token=s3cret", "", http.StatusOK, &readings)

	assertFloat(t, readings["ADC2"], 2.5)

	var reading struct {
		Channel int     `json:"channel"`
		Volts   float64 `json:"volts"`
	}
	serveJson(t, handler, http.MethodGet, "/box/bench/adc/2?token=s3cret", "", http.StatusOK, &reading)

	if reading.Channel != 2 {
		t.Errorf("unexpected adc channel: %d", reading.Channel)
	}
	assertFloat(t, reading.Volts, 2.5)
}

func TestServerDacWriteAndRead(t *testing.T) {
	handler, mio := makeServer(t)

	var ack ackResponse
	serveJson(t, handler, http.MethodPut, "/box/bench/dac/1?token=s3cret", `{"volts":5.0}`, http.StatusOK, &ack)

	if !ack.Ack {
		t.Error("expected acked dac write")
	}
	if mio.DacCode(1) != 2048 {
		t.Errorf("expected dac code 2048, got %d", mio.DacCode(1))
	}

	serveJson(t, handler, http.MethodPut, "/box/bench/dac/1?token=s3cret", `{"code":1000}`, http.StatusOK, &ack)
	if mio.DacCode(1) != 1000 {
		t.Errorf("expected dac code 1000, got %d", mio.DacCode(1))
	}

	var readout struct {
		Channel int     `json:"channel"`
		Code    int     `json:"code"`
		Volts   float64 `json:"volts"`
	}
	serveJson(t, handler, http.MethodGet, "/box/bench/dac/1?token=s3cret", "", http.StatusOK, &readout)

	if readout.Code != 1000 {
		t.Errorf("unexpected dac code readout: %d", readout.Code)
	}
	assertFloat(t, readout.Volts, 1000.0/4096*10)
}

func TestServerDacWriteRequiresPayload(t *testing.T) {
	handler, _ := makeServer(t)

	serveJson(t, handler, http.MethodPut, "/box/bench/dac/1?token=s3cret", `{}`, http.StatusBadRequest, nil)
}

func TestServerVersion(t *testing.T) {
	handler, _ := makeServer(t)

	var version struct {
		Version string `json:"version"`
	}
	serveJson(t, handler, http.MethodGet, "/box/bench/version?token=s3cret", "", http.StatusOK, &version)

	if version.Version != "SWBOX mock 1.0" {
		t.Errorf("unexpected version: %s", version.Version)
	}
}

func TestServerValveRoutes(t *testing.T) {
	handler, mio := makeServer(t)

	var state struct {
		Name string `json:"name"`
		Open bool   `json:"open"`
	}
	serveJson(t, handler, http.MethodGet, "/valve/drain?token=s3cret", "", http.StatusOK, &state)
	if state.Open {
		t.Error("expected valve closed at start")
	}

	var ack ackResponse
	serveJson(t, handler, http.MethodPut, "/valve/Drain/open?token=s3cret", "", http.StatusOK, &ack)
	if !ack.Ack {
		t.Error("expected acked valve open")
	}
	assertWord(t, mio, switchbox.PortA, 257)

	serveJson(t, handler, http.MethodGet, "/valve/drain?token=s3cret", "", http.StatusOK, &state)
	if !state.Open {
		t.Error("expected valve open after command")
	}

	serveJson(t, handler, http.MethodPut, "/valve/drain/close?token=s3cret", "", http.StatusOK, &ack)
	assertWord(t, mio, switchbox.PortA, 0)

	serveJson(t, handler, http.MethodGet, "/valve/basement?token=s3cret", "", http.StatusNotFound, nil)
}

func TestServerCommunicationMapsToBadGateway(t *testing.T) {
	handler, mio := makeServer(t)

	mio.FailNext = switchbox.ErrCommunication

	serveJson(t, handler, http.MethodGet, "/box/bench/ports?token=s3cret", "", http.StatusBadGateway, nil)
}

func TestServerLiveStream(t *testing.T) {
	handler, mio := makeServer(t)

	mio.SetPortWord(switchbox.PortB, 514)

	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/box/bench/live?token=s3cret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assertNoError(t, err)
	defer conn.Close()

	var states switchbox.PortStates
	assertNoError(t, conn.ReadJSON(&states))

	if states[switchbox.PortB][1] != switchbox.StateFull {
		t.Errorf("unexpected live frame: %v", states)
	}
}
