// Package server exposes a read-only HTTP view of the host's switches, the
// family tables and the EEPROM decoder. Nothing served here writes to
// hardware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenTraceLab/OpenTracePLX/internal/metrics"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/discovery"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/profile"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/topology"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// Config tunes the server.
type Config struct {
	Addr      string
	SysfsRoot string
	// MaxImage bounds POST /eeprom/decode bodies.
	MaxImage int64
	Registry *regmap.Registry
	Log      logr.Logger
}

// DefaultConfig returns a loopback-only configuration.
func DefaultConfig() Config {
	return Config{
		Addr:      "127.0.0.1:9410",
		SysfsRoot: transport.DefaultSysfsRoot,
		MaxImage:  regmap.DefaultMaxSize,
		Log:       logr.Discard(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("server: listen address is empty")
	}
	if c.MaxImage <= 0 {
		return fmt.Errorf("server: max image size %d must be positive", c.MaxImage)
	}
	return nil
}

// Server serves the inspection API.
type Server struct {
	cfg    Config
	reg    *regmap.Registry
	router *mux.Router
	log    logr.Logger
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := cfg.Registry
	if reg == nil {
		var err error
		if reg, err = regmap.Default(); err != nil {
			return nil, err
		}
	}
	s := &Server{cfg: cfg, reg: reg, router: mux.NewRouter(), log: cfg.Log}
	if s.log.GetSink() == nil {
		s.log = logr.Discard()
	}
	s.router.Use(s.count)
	s.router.HandleFunc("/switches", s.handleSwitches).Methods(http.MethodGet)
	s.router.HandleFunc("/families", s.handleFamilies).Methods(http.MethodGet)
	s.router.HandleFunc("/families/{tag}", s.handleFamily).Methods(http.MethodGet)
	s.router.HandleFunc("/profiles", s.handleProfiles).Methods(http.MethodGet)
	s.router.HandleFunc("/eeprom/decode", s.handleDecode).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("serving", "addr", s.cfg.Addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		s.log.V(1).Info("request", "method", r.Method, "route", route, "code", sw.code)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	body := errorBody{Error: err.Error()}
	if k := plxerr.KindOf(err); k != plxerr.Unknown {
		body.Kind = string(k)
	}
	writeJSON(w, code, body)
}

// SwitchesResponse is the body of GET /switches.
type SwitchesResponse struct {
	Devices  []discovery.Device `json:"devices"`
	Switches []discovery.Switch `json:"switches"`
}

func (s *Server) handleSwitches(w http.ResponseWriter, r *http.Request) {
	devs, err := discovery.ScanPCI(s.cfg.SysfsRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := SwitchesResponse{Devices: devs, Switches: discovery.UniqueSwitches(devs)}
	if resp.Devices == nil {
		resp.Devices = []discovery.Device{}
	}
	if resp.Switches == nil {
		resp.Switches = []discovery.Switch{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// FamilySummary is one entry of GET /families.
type FamilySummary struct {
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	VendorID uint16 `json:"vendor_id"`
	DeviceID uint16 `json:"device_id"`
	Lanes    int    `json:"lanes"`
	Ports    int    `json:"ports"`
	Ratios   []int  `json:"fanout_ratios,omitempty"`
	Verified bool   `json:"verified"`
}

func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	var out []FamilySummary
	for _, m := range s.reg.Families() {
		d := m.Device
		out = append(out, FamilySummary{
			Tag: d.Tag, Name: d.Name, VendorID: d.VendorID, DeviceID: d.DeviceID,
			Lanes: d.Lanes, Ports: d.Ports, Ratios: d.FanoutRatios, Verified: d.Verified,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFamily(w http.ResponseWriter, r *http.Request) {
	m, err := s.reg.Lookup(mux.Vars(r)["tag"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ProfileSummary is one entry of GET /profiles.
type ProfileSummary struct {
	topology.Profile
	Valid      bool                  `json:"valid"`
	Violations []*topology.Violation `json:"violations,omitempty"`
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := profile.Builtin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]ProfileSummary, 0, len(profiles))
	for _, p := range profiles {
		sum := ProfileSummary{Profile: p}
		if m, err := s.reg.Lookup(p.Family); err == nil {
			_, verr := topology.Validate(p, topology.CapacityOf(m))
			sum.Valid = verr == nil
			sum.Violations = topology.ViolationsOf(verr)
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// DecodeResponse is the body of POST /eeprom/decode.
type DecodeResponse struct {
	Family        string             `json:"family,omitempty"`
	Signature     byte               `json:"signature"`
	PayloadLength int                `json:"payload_length"`
	Size          int                `json:"size"`
	Ports         []int              `json:"ports"`
	Entries       []eeprom.Described `json:"entries"`
}

// handleDecode decodes a raw image. ?family= selects the register names and
// address layout.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var m *regmap.Map
	if tag := r.URL.Query().Get("family"); tag != "" {
		var err error
		if m, err = s.reg.Lookup(tag); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxImage+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if int64(len(data)) > s.cfg.MaxImage {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Errorf("image larger than %d bytes", s.cfg.MaxImage))
		return
	}
	img, err := eeprom.Decode(data, eeprom.LayoutFor(m))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	resp := DecodeResponse{
		Signature:     img.Signature,
		PayloadLength: img.PayloadLength(),
		Size:          img.Size(),
		Ports:         img.Ports(),
		Entries:       img.Describe(m),
	}
	if m != nil {
		resp.Family = m.Device.Tag
	}
	writeJSON(w, http.StatusOK, resp)
}
