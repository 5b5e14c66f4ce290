package boxkit

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/hubertat/boxkit/drivers/switchbox"
)

const httpTimeoutsMs = 3000
const liveStreamInterval = time.Second

// Server exposes the kit over HTTP: box readouts and writes, valve
// commands and a websocket stream of port states. With Token set every
// request must carry it as a query parameter.
type Server struct {
	Addr  string
	Token string

	kit      *BoxKit
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *log.Logger

	serverErr chan error
}

type ackResponse struct {
	Ack bool `json:"ack"`
}

func (srv *Server) init(kit *BoxKit) {
	srv.kit = kit
	srv.logger = log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "Server: ",
		Level:  log.GetLevel(),
	})
	srv.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

func (srv *Server) Start(kit *BoxKit) error {
	if len(srv.Addr) == 0 {
		return errors.New("server requires a listen address")
	}

	srv.init(kit)

	httpTimeout := httpTimeoutsMs * time.Millisecond

	// No WriteTimeout: channel writes with a low power hold and the live
	// websocket stream outlive any sane value.
	srv.server = &http.Server{
		Addr:              srv.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	srv.serverErr = make(chan error)
	go func() {
		srv.serverErr <- srv.server.ListenAndServe()
	}()
	srv.logger.Info("listening", "addr", srv.Addr)

	return nil
}

// Err delivers the server's exit error once it stops serving.
func (srv *Server) Err() <-chan error {
	return srv.serverErr
}

func (srv *Server) Close() error {
	if srv.server == nil {
		return nil
	}
	return srv.server.Close()
}

func (srv *Server) routes() http.Handler {
	router := httprouter.New()

	router.GET("/status", srv.withToken(srv.handleStatus))

	router.GET("/box/:box/ports", srv.withToken(srv.handlePortsRead))
	router.PUT("/box/:box/port/:port", srv.withToken(srv.handlePortWrite))
	router.GET("/box/:box/channel/:channel", srv.withToken(srv.handleChannelRead))
	router.PUT("/box/:box/channel/:channel", srv.withToken(srv.handleChannelWrite))
	router.GET("/box/:box/adc", srv.withToken(srv.handleAdcRead))
	router.GET("/box/:box/adc/:channel", srv.withToken(srv.handleAdcChannelRead))
	router.GET("/box/:box/dac/:channel", srv.withToken(srv.handleDacRead))
	router.PUT("/box/:box/dac/:channel", srv.withToken(srv.handleDacWrite))
	router.GET("/box/:box/version", srv.withToken(srv.handleVersion))
	router.GET("/box/:box/live", srv.withToken(srv.handleLive))

	router.GET("/valve/:valve", srv.withToken(srv.handleValveRead))
	router.PUT("/valve/:valve/open", srv.withToken(srv.handleValveOpen))
	router.PUT("/valve/:valve/close", srv.withToken(srv.handleValveClose))

	return router
}

func (srv *Server) withToken(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if len(srv.Token) > 0 && !strings.EqualFold(r.URL.Query().Get("token"), srv.Token) {
			http.Error(w, "token mismatch", http.StatusUnauthorized)
			return
		}
		handle(w, r, p)
	}
}

func (srv *Server) findBox(w http.ResponseWriter, p httprouter.Params) *switchbox.SwitchBox {
	box, found := srv.kit.Directory().Lookup(p.ByName("box"))
	if !found {
		http.Error(w, "box not found", http.StatusNotFound)
		return nil
	}
	return box
}

func (srv *Server) findValve(w http.ResponseWriter, p httprouter.Params) *SolenoidValve {
	name := p.ByName("valve")
	for _, valve := range srv.kit.Valves {
		if strings.EqualFold(valve.Name, name) {
			return valve
		}
	}
	http.Error(w, "valve not found", http.StatusNotFound)
	return nil
}

func (srv *Server) writeJson(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(value)
	if err != nil {
		srv.logger.Error("encoding response failed", "err", err)
	}
}

func (srv *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, switchbox.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, switchbox.ErrCommunication), errors.Is(err, switchbox.ErrProtocol):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func pathChannel(w http.ResponseWriter, p httprouter.Params) (int, bool) {
	channel, err := strconv.Atoi(p.ByName("channel"))
	if err != nil {
		http.Error(w, "channel must be a number", http.StatusBadRequest)
		return 0, false
	}
	return channel, true
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	type boxStatus struct {
		Name    string `json:"name"`
		Device  string `json:"device,omitempty"`
		Version string `json:"version"`
	}
	type valveStatus struct {
		Name    string `json:"name"`
		Box     string `json:"box"`
		Channel int    `json:"channel"`
		Open    bool   `json:"open"`
	}
	type relayStatus struct {
		Name    string `json:"name"`
		Box     string `json:"box"`
		Channel int    `json:"channel"`
		On      bool   `json:"on"`
	}
	type sensorStatus struct {
		Name  string   `json:"name"`
		Box   string   `json:"box"`
		Unit  string   `json:"unit,omitempty"`
		Value *float64 `json:"value,omitempty"`
	}

	status := struct {
		Name    string         `json:"name"`
		Boxes   []boxStatus    `json:"boxes"`
		Valves  []valveStatus  `json:"valves"`
		Relays  []relayStatus  `json:"relays"`
		Sensors []sensorStatus `json:"sensors"`
	}{Name: srv.kit.Name}

	for _, box := range srv.kit.Boxes {
		status.Boxes = append(status.Boxes, boxStatus{Name: box.Name, Device: box.Device, Version: box.Version()})
	}
	for _, valve := range srv.kit.Valves {
		status.Valves = append(status.Valves, valveStatus{Name: valve.Name, Box: valve.Box, Channel: valve.Channel, Open: valve.State})
	}
	for _, relay := range srv.kit.Relays {
		status.Relays = append(status.Relays, relayStatus{Name: relay.Name, Box: relay.Box, Channel: relay.Channel, On: relay.State})
	}
	for _, sensor := range srv.kit.Sensors {
		entry := sensorStatus{Name: sensor.Name, Box: sensor.Box, Unit: sensor.Unit}
		if value, err := sensor.GetValue(); err == nil {
			entry.Value = &value
		}
		status.Sensors = append(status.Sensors, entry)
	}

	srv.writeJson(w, status)
}

func (srv *Server) handlePortsRead(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}

	states, err := box.ReadAllPorts()
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, states)
}

func (srv *Server) handlePortWrite(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}

	var states []switchbox.ChannelState
	err := json.NewDecoder(r.Body).Decode(&states)
	if err != nil {
		http.Error(w, "body must be a json array of channel states", http.StatusBadRequest)
		return
	}

	ack, err := box.WritePort(switchbox.Port(p.ByName("port")), states)
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, ackResponse{Ack: ack})
}

func (srv *Server) handleChannelRead(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}
	channel, ok := pathChannel(w, p)
	if !ok {
		return
	}

	state, err := box.ReadChannel(channel)
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, struct {
		Channel int                    `json:"channel"`
		State   switchbox.ChannelState `json:"state"`
	}{channel, state})
}

func (srv *Server) handleChannelWrite(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}
	channel, ok := pathChannel(w, p)
	if !ok {
		return
	}

	var req struct {
		State         switchbox.ChannelState `json:"state"`
		Exclusive     bool                   `json:"exclusive"`
		LowPowerAfter string                 `json:"low_power_after"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, "malformed channel write request", http.StatusBadRequest)
		return
	}

	var hold time.Duration
	if len(req.LowPowerAfter) > 0 {
		hold, err = time.ParseDuration(req.LowPowerAfter)
		if err != nil {
			http.Error(w, "malformed low_power_after duration", http.StatusBadRequest)
			return
		}
	}

	ack, err := box.WriteChannel(r.Context(), channel, req.State, !req.Exclusive, hold)
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, ackResponse{Ack: ack})
}

func (srv *Server) handleAdcRead(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}

	readings, err := box.ReadADCAll()
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, readings)
}

func (srv *Server) handleAdcChannelRead(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}
	channel, ok := pathChannel(w, p)
	if !ok {
		return
	}

	volts, err := box.ReadADC(channel)
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, struct {
		Channel int     `json:"channel"`
		Volts   float64 `json:"volts"`
	}{channel, volts})
}

func (srv *Server) handleDacRead(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}
	channel, ok := pathChannel(w, p)
	if !ok {
		return
	}

	code, err := box.ReadDACRaw(channel)
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, struct {
		Channel int     `json:"channel"`
		Code    int     `json:"code"`
		Volts   float64 `json:"volts"`
	}{channel, code, float64(code) / switchbox.DacBits * switchbox.DacVolts})
}

func (srv *Server) handleDacWrite(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}
	channel, ok := pathChannel(w, p)
	if !ok {
		return
	}

	var req struct {
		Volts *float64 `json:"volts"`
		Code  *int     `json:"code"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || (req.Volts == nil && req.Code == nil) {
		http.Error(w, "body must carry volts or code", http.StatusBadRequest)
		return
	}

	var ack bool
	if req.Code != nil {
		ack, err = box.WriteDACRaw(channel, *req.Code)
	} else {
		ack, err = box.WriteDAC(channel, *req.Volts)
	}
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, ackResponse{Ack: ack})
}

func (srv *Server) handleVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}
	srv.writeJson(w, struct {
		Version string `json:"version"`
	}{box.Version()})
}

// handleLive streams the box port states over a websocket, one frame
// immediately and then one per interval, until the client goes away.
func (srv *Server) handleLive(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	box := srv.findBox(w, p)
	if box == nil {
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(liveStreamInterval)
	defer ticker.Stop()

	for {
		states, err := box.ReadAllPorts()
		if err != nil {
			srv.logger.Error("live readout failed", "box", box.Name, "err", err)
			return
		}
		err = conn.WriteJSON(states)
		if err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (srv *Server) handleValveRead(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	valve := srv.findValve(w, p)
	if valve == nil {
		return
	}

	open, err := valve.IsOpen()
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, struct {
		Name string `json:"name"`
		Open bool   `json:"open"`
	}{valve.Name, open})
}

func (srv *Server) handleValveOpen(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	valve := srv.findValve(w, p)
	if valve == nil {
		return
	}

	ack, err := valve.Open(r.Context())
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, ackResponse{Ack: ack})
}

func (srv *Server) handleValveClose(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	valve := srv.findValve(w, p)
	if valve == nil {
		return
	}

	ack, err := valve.Close(r.Context())
	if err != nil {
		srv.fail(w, err)
		return
	}
	srv.writeJson(w, ackResponse{Ack: ack})
}
