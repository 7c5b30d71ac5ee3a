package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gousb"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func fakeFunction(t *testing.T, root, bdf, vendor, device, class string) {
	t.Helper()
	dir := filepath.Join(root, bdf)
	writeFile(t, filepath.Join(dir, "vendor"), vendor+"\n")
	writeFile(t, filepath.Join(dir, "device"), device+"\n")
	writeFile(t, filepath.Join(dir, "class"), class+"\n")
	writeFile(t, filepath.Join(dir, "revision"), "0xca\n")
}

func fakeTree(t *testing.T) string {
	root := t.TempDir()
	// One PEX8733: upstream on bus 2, three downstream ports on bus 3.
	fakeFunction(t, root, "0000:02:00.0", "0x10b5", "0x8733", "0x060400")
	fakeFunction(t, root, "0000:03:00.0", "0x10b5", "0x8733", "0x060400")
	fakeFunction(t, root, "0000:03:01.0", "0x10b5", "0x8733", "0x060400")
	fakeFunction(t, root, "0000:03:02.0", "0x10b5", "0x8733", "0x060400")
	// PLX DMA endpoint: kept by the scan, not a switch.
	fakeFunction(t, root, "0000:03:00.1", "0x10b5", "0x87d0", "0x088000")
	// Broadcom SAS HBA: same vendor as Gen4 switches, not a switch.
	fakeFunction(t, root, "0000:05:00.0", "0x1000", "0x0097", "0x010700")
	// Intel NIC.
	fakeFunction(t, root, "0000:06:00.0", "0x8086", "0x1533", "0x020000")
	return root
}

func TestScanPCI(t *testing.T) {
	devs, err := ScanPCI(fakeTree(t))
	if err != nil {
		t.Fatalf("ScanPCI: %v", err)
	}
	var bdfs []string
	for _, d := range devs {
		bdfs = append(bdfs, d.BDF)
	}
	want := []string{"0000:02:00.0", "0000:03:00.0", "0000:03:00.1", "0000:03:01.0", "0000:03:02.0"}
	if diff := cmp.Diff(want, bdfs); diff != "" {
		t.Fatalf("bdfs (-want +got):\n%s", diff)
	}
	d := devs[0]
	if d.VendorID != 0x10B5 || d.DeviceID != 0x8733 || d.Revision != 0xCA || !d.IsSwitch() || d.Bus != 2 {
		t.Errorf("device = %+v", d)
	}
	if devs[2].IsSwitch() {
		t.Errorf("%s classified as switch", devs[2].BDF)
	}
	if len(Switches(devs)) != 4 {
		t.Errorf("Switches = %d", len(Switches(devs)))
	}
}

func TestScanPCIMissingRoot(t *testing.T) {
	devs, err := ScanPCI(filepath.Join(t.TempDir(), "nope"))
	if err != nil || devs != nil {
		t.Errorf("ScanPCI = %v, %v", devs, err)
	}
}

func TestUniqueSwitches(t *testing.T) {
	devs, err := ScanPCI(fakeTree(t))
	if err != nil {
		t.Fatal(err)
	}
	sws := UniqueSwitches(devs)
	if len(sws) != 1 {
		t.Fatalf("got %d switches: %+v", len(sws), sws)
	}
	if sws[0].Upstream.BDF != "0000:02:00.0" || sws[0].Downstream != 3 {
		t.Errorf("switch = %+v", sws[0])
	}

	// Downstream ports with no upstream still surface once.
	orphan := []Device{
		{BDF: "0000:09:00.0", VendorID: 0x10B5, DeviceID: 0x8696, Class: 0x060400, Bus: 9},
		{BDF: "0000:09:01.0", VendorID: 0x10B5, DeviceID: 0x8696, Class: 0x060400, Bus: 9},
	}
	sws = UniqueSwitches(orphan)
	if len(sws) != 1 || sws[0].Upstream.BDF != "0000:09:00.0" || sws[0].Downstream != 1 {
		t.Errorf("orphan grouping = %+v", sws)
	}
}

func TestSerialPorts(t *testing.T) {
	base := t.TempDir()
	dev := filepath.Join(base, "dev")
	sys := filepath.Join(base, "sys")
	usbdev := filepath.Join(sys, "devices", "pci0000:00", "usb1", "1-2")
	writeFile(t, filepath.Join(usbdev, "idVendor"), "045b\n")
	writeFile(t, filepath.Join(usbdev, "idProduct"), "5300\n")
	writeFile(t, filepath.Join(usbdev, "serial"), "ATLAS01\n")
	other := filepath.Join(sys, "devices", "pci0000:00", "usb1", "1-3")
	writeFile(t, filepath.Join(other, "idVendor"), "2e8a\n")
	writeFile(t, filepath.Join(other, "idProduct"), "000a\n")

	link := func(tty, target string) {
		iface := filepath.Join(target, target[len(target)-3:]+":1.0")
		if err := os.MkdirAll(iface, 0o755); err != nil {
			t.Fatal(err)
		}
		cls := filepath.Join(sys, "class", "tty", tty)
		if err := os.MkdirAll(cls, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(iface, filepath.Join(cls, "device")); err != nil {
			t.Fatal(err)
		}
		writeFile(t, filepath.Join(dev, tty), "")
	}
	link("ttyACM0", usbdev)
	link("ttyACM1", other)
	writeFile(t, filepath.Join(dev, "ttyS0"), "")

	got, err := SerialPorts(dev, sys)
	if err != nil {
		t.Fatalf("SerialPorts: %v", err)
	}
	want := []SerialDevice{{
		Path:      filepath.Join(dev, "ttyACM0"),
		VendorID:  USBVendorHitachi,
		ProductID: USBProductAtlas,
		Serial:    "ATLAS01",
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SerialPorts (-want +got):\n%s", diff)
	}
	if !got[0].IsAtlas() || got[0].Target().Path != want[0].Path {
		t.Errorf("device helpers: %+v", got[0])
	}
}

func TestClassifyUSBDevice(t *testing.T) {
	d, ok := classifyUSBDevice(&gousb.DeviceDesc{Vendor: 0x045B, Product: 0x5300, Bus: 1, Address: 4})
	if !ok || d.Kind != USBKindAtlas || d.Bus != 1 || d.Address != 4 {
		t.Errorf("atlas = %+v, %v", d, ok)
	}
	if _, ok := classifyUSBDevice(&gousb.DeviceDesc{Vendor: 0x2e8a, Product: 0x000c}); ok {
		t.Error("picoprobe classified")
	}
}

func TestI2CScanner(t *testing.T) {
	m, err := regmap.Lookup("pex8733")
	if err != nil {
		t.Fatal(err)
	}
	sims := map[uint16]*transport.Sim{
		0x38: transport.NewSim(m),
		0x3A: transport.NewSim(nil), // answers but reads zero
		0x3C: transport.NewSim(m),
	}
	sims[0x3C].Regs[0] = 0x00971000
	var opened []uint16
	s := &I2CScanner{
		Bus:   "1",
		Probe: func(addr uint16) bool { _, ok := sims[addr]; return ok },
		Open: func(_ context.Context, addr uint16) (transport.Session, error) {
			opened = append(opened, addr)
			if sim, ok := sims[addr]; ok {
				return sim, nil
			}
			return nil, errors.New("nak")
		},
	}
	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := []I2CDevice{{Bus: "1", Addr: 0x38, VendorID: 0x10B5, DeviceID: 0x8733}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Scan (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{0x38, 0x3A, 0x3C}, opened); diff != "" {
		t.Errorf("opened (-want +got):\n%s", diff)
	}
	for addr, sim := range sims {
		if !sim.Closed() {
			t.Errorf("session 0x%02x left open", addr)
		}
	}
}

func TestBusNumber(t *testing.T) {
	for in, want := range map[string]int{"1": 1, "/dev/i2c-7": 7} {
		if got, err := busNumber(in); err != nil || got != want {
			t.Errorf("busNumber(%q) = %d, %v", in, got, err)
		}
	}
	if _, err := busNumber("i2c-x"); err == nil {
		t.Error("bad bus accepted")
	}
}
