package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestVerbosity(t *testing.T) {
	cases := []struct {
		verbosity int
		wantDebug bool
	}{
		{0, false},
		{1, true},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		log, flush := New(Options{Verbosity: tc.verbosity, Out: &buf})
		log.Info("visible", "port", 3)
		log.V(1).Info("detail")
		flush()
		out := buf.String()
		if !strings.Contains(out, "visible") || !strings.Contains(out, "port") {
			t.Errorf("verbosity %d: info line missing:\n%s", tc.verbosity, out)
		}
		if got := strings.Contains(out, "detail"); got != tc.wantDebug {
			t.Errorf("verbosity %d: V(1) logged = %v", tc.verbosity, got)
		}
	}
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	log, flush := New(Options{JSON: true, Out: &buf})
	log.WithName("eeprom").Info("dump", "bytes", 42)
	flush()
	out := buf.String()
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"bytes":42`) {
		t.Errorf("json output = %s", out)
	}
}
