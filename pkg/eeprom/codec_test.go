package eeprom

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plxerr"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

func TestPackScenario(t *testing.T) {
	l := DefaultLayout()
	raw, err := l.Pack(0x100, 2)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if raw != 0x840 {
		t.Fatalf("Pack(0x100, 2) = 0x%X, want 0x840", raw)
	}

	img := NewImage(Entry{Offset: 0x100, Port: 2, Value: 1})
	data, err := Encode(img, l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x5A, 0x00, 0x06, 0x00, 0x40, 0x08, 0x01, 0x00, 0x00, 0x00}
	if !bytes.Equal(data, want) {
		t.Fatalf("Encode = % X, want % X", data, want)
	}
	got, err := Decode(data, l)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(img, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	l := DefaultLayout()
	tests := []struct {
		name string
		img  *Image
	}{
		{"empty", NewImage()},
		{"max address", NewImage(Entry{Offset: l.MaxOffset(), Port: l.MaxPort(), Value: 0xFFFFFFFF})},
		{"reserved byte kept", &Image{Signature: Signature, Reserved: 0x7E, Entries: []Entry{{Offset: 4, Value: 2}}}},
		{"many", NewImage(
			Entry{Offset: 0x1F4, Port: 0, Value: 0x00000001},
			Entry{Offset: 0x1F8, Port: 0, Value: 0x00001000},
			Entry{Offset: 0x078, Port: 23, Value: 0x00000010},
			Entry{Offset: 0x000, Port: 63, Value: 0x869610B5},
		)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.img, l)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(data) != tt.img.Size() {
				t.Errorf("len = %d, want %d", len(data), tt.img.Size())
			}
			got, err := Decode(data, l)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(tt.img, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTripNarrowLayout(t *testing.T) {
	l := Layout{OffsetBits: 8, PortBits: 8}
	img := NewImage(Entry{Offset: 0x3FC, Port: 200, Value: 7})
	data, err := Encode(img, l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data, l)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(img, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := Encode(NewImage(Entry{Offset: 0x400}), l); !errors.Is(err, plxerr.InvalidConfiguration) {
		t.Errorf("offset beyond 8 bits: err = %v, want InvalidConfiguration", err)
	}
}

func TestDecodeBadSignature(t *testing.T) {
	for _, data := range [][]byte{
		{0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
		{0x5B, 0x00, 0x00, 0x00},
		{0xA5, 0x00, 0x06, 0x00, 0x40, 0x08, 0x01, 0x00, 0x00, 0x00},
		{0x00, 0x00, 0xFF},
	} {
		if _, err := Decode(data, DefaultLayout()); !errors.Is(err, plxerr.BadSignature) {
			t.Errorf("Decode(% X) err = %v, want BadSignature", data, err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"signature only", []byte{0x5A}},
		{"short header", []byte{0x5A, 0x00, 0x06}},
		{"missing entry", []byte{0x5A, 0x00, 0x06, 0x00}},
		{"partial entry", []byte{0x5A, 0x00, 0x0C, 0x00, 0x40, 0x08, 0x01, 0x00, 0x00, 0x00, 0x40}},
		{"length not multiple of six", []byte{0x5A, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data, DefaultLayout()); !errors.Is(err, plxerr.TruncatedImage) {
				t.Errorf("err = %v, want TruncatedImage", err)
			}
		})
	}
}

func TestDecodeIgnoresTrailingData(t *testing.T) {
	data := []byte{0x5A, 0x00, 0x06, 0x00, 0x40, 0x08, 0x01, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF}
	img, err := Decode(data, DefaultLayout())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(img.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(img.Entries))
	}
}

func TestEncodeRejects(t *testing.T) {
	l := DefaultLayout()
	if _, err := Encode(&Image{Signature: 0x00}, l); !errors.Is(err, plxerr.BadSignature) {
		t.Errorf("bad signature: err = %v", err)
	}
	if _, err := Encode(NewImage(Entry{Offset: 0x102}), l); !errors.Is(err, plxerr.InvalidConfiguration) {
		t.Errorf("misaligned: err = %v", err)
	}
	if _, err := Encode(NewImage(Entry{Offset: 0x100, Port: 64}), l); !errors.Is(err, plxerr.InvalidConfiguration) {
		t.Errorf("port 64: err = %v", err)
	}
	if _, err := Encode(NewImage(make([]Entry, MaxEntries+1)...), l); !errors.Is(err, plxerr.InvalidConfiguration) {
		t.Errorf("too many entries: err = %v", err)
	}
}

func TestDescribe(t *testing.T) {
	m, err := regmap.Lookup("pex8696")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	img := NewImage(
		Entry{Offset: 0x1F8, Port: 5, Value: 0x0408},
		Entry{Offset: 0x3FC, Port: 1, Value: 1},
	)
	ds := img.Describe(m)
	if ds[0].Register != "lane_config[5]" {
		t.Errorf("register = %q", ds[0].Register)
	}
	want := []FieldValue{{"lane_start", 8}, {"lane_width", 4}}
	if diff := cmp.Diff(want, ds[0].Fields); diff != "" {
		t.Errorf("fields (-want +got):\n%s", diff)
	}
	if ds[1].Register != "0x3FC" || ds[1].Fields != nil {
		t.Errorf("unknown register = %+v", ds[1])
	}
	if ds[0].Raw != 0x147E {
		t.Errorf("raw = 0x%X, want 0x147E", ds[0].Raw)
	}
	if got := img.Ports(); !cmp.Equal(got, []int{5, 1}) {
		t.Errorf("Ports = %v", got)
	}
}
