package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/OpenTraceLab/OpenTracePLX/internal/metrics"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/eeprom"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for bdf, dev := range map[string]string{
		"0000:02:00.0": "0x8733",
		"0000:03:00.0": "0x8733",
		"0000:03:01.0": "0x8733",
	} {
		dir := filepath.Join(root, bdf)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		for name, v := range map[string]string{"vendor": "0x10b5", "device": dev, "class": "0x060400"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(v+"\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	return root
}

func newServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SysfsRoot = fakeSysfs(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, url string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty address accepted")
	}
	cfg = DefaultConfig()
	cfg.MaxImage = 0
	if _, err := New(cfg); err == nil {
		t.Error("zero max image accepted")
	}
}

func TestSwitches(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodGet, "/switches", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp SwitchesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Devices) != 3 || len(resp.Switches) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if sw := resp.Switches[0]; sw.Upstream.BDF != "0000:02:00.0" || sw.Downstream != 2 {
		t.Errorf("switch = %+v", sw)
	}
}

func TestFamilies(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodGet, "/families", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var fams []FamilySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &fams); err != nil {
		t.Fatal(err)
	}
	tags := map[string]FamilySummary{}
	for _, f := range fams {
		tags[f.Tag] = f
	}
	if f, ok := tags["pex8696"]; !ok || f.Lanes != 96 || !f.Verified {
		t.Errorf("pex8696 = %+v", f)
	}
	if f, ok := tags["c410x-hic"]; !ok || f.Verified {
		t.Errorf("c410x-hic = %+v", f)
	}

	rec = do(t, s, http.MethodGet, "/families/pex8733", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var m regmap.Map
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m.Device.DeviceID != 0x8733 {
		t.Errorf("device = %+v", m.Device)
	}

	rec = do(t, s, http.MethodGet, "/families/pex9999", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown family status %d", rec.Code)
	}
}

func TestProfiles(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodGet, "/profiles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out []ProfileSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) == 0 {
		t.Fatal("no builtin profiles")
	}
	for _, p := range out {
		if !p.Valid {
			t.Errorf("builtin %s invalid: %v", p.Name, p.Violations)
		}
	}
}

func TestDecode(t *testing.T) {
	s := newServer(t)
	m, err := regmap.Lookup("pex8696")
	if err != nil {
		t.Fatal(err)
	}
	img := eeprom.NewImage(
		eeprom.Entry{Offset: 0x1F8, Port: 1, Value: 16<<8 | 16},
		eeprom.Entry{Offset: 0x1F4, Port: 1, Value: 2},
	)
	data, err := eeprom.Encode(img, eeprom.LayoutFor(m))
	if err != nil {
		t.Fatal(err)
	}

	rec := do(t, s, http.MethodPost, "/eeprom/decode?family=pex8696", data)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var resp DecodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Family != "pex8696" || resp.PayloadLength != 12 || len(resp.Entries) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if e := resp.Entries[0]; e.Register != "lane_config" || e.Port != 1 {
		t.Errorf("entry 0 = %+v", e)
	}

	bad := append([]byte{}, data...)
	bad[0] = 0xFF
	rec = do(t, s, http.MethodPost, "/eeprom/decode", bad)
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), `"kind": "BadSignature"`) {
		t.Errorf("bad signature: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodPost, "/eeprom/decode", data[:len(data)-1])
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "TruncatedImage") {
		t.Errorf("truncated: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, s, http.MethodPost, "/eeprom/decode", make([]byte, regmap.DefaultMaxSize+1))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized: %d", rec.Code)
	}
}

func TestRequestsCounted(t *testing.T) {
	s := newServer(t)
	c := metrics.HTTPRequestsTotal.WithLabelValues("/families/{tag}", "404")
	before := testutil.ToFloat64(c)
	do(t, s, http.MethodGet, "/families/nope", nil)
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Errorf("counter = %v, want %v", got, before+1)
	}

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "plx_http_requests_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
}
