// Package discovery enumerates candidate switches: PCI functions in sysfs,
// Atlas host cards on USB and their ttyACM consoles, and PLX slave ports on
// an I2C bus. It only lists addresses; opening them is the transport's job.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/switchdb"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// classBridgePCI is the PCI-to-PCI bridge class every switch port reports.
const classBridgePCI = 0x0604

// Device is one PCI function of a switch vendor.
type Device struct {
	BDF          string `json:"bdf"`
	VendorID     uint16 `json:"vendor_id"`
	DeviceID     uint16 `json:"device_id"`
	SubVendorID  uint16 `json:"subsystem_vendor_id"`
	SubDeviceID  uint16 `json:"subsystem_device_id"`
	Revision     uint8  `json:"revision"`
	Class        uint32 `json:"class"`
	Domain       int    `json:"-"`
	Bus          int    `json:"-"`
	Slot, Func   int    `json:"-"`
}

// IsSwitch reports whether the function is a switch port.
func (d Device) IsSwitch() bool { return d.Class>>8 == classBridgePCI }

// Name is the part number or a hex placeholder.
func (d Device) Name() string { return switchdb.DeviceName(d.VendorID, d.DeviceID) }

// DisplayName adds the switch specs when the part is known.
func (d Device) DisplayName() string { return switchdb.DisplayName(d.VendorID, d.DeviceID) }

// Target returns the transport address of the function.
func (d Device) Target() transport.Target { return transport.Target{BDF: d.BDF} }

func readHex(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseBDF(bdf string) (domain, bus, slot, fn int, err error) {
	_, err = fmt.Sscanf(bdf, "%x:%x:%x.%x", &domain, &bus, &slot, &fn)
	return
}

// ScanPCI lists the functions under root (normally /sys/bus/pci/devices)
// from switch vendors, sorted by BDF. Functions of 0x1000 are kept only when
// they are known switches, since that vendor also makes HBAs and NICs. A
// missing root yields an empty list.
func ScanPCI(root string) ([]Device, error) {
	if root == "" {
		root = transport.DefaultSysfsRoot
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", root, err)
	}
	var devs []Device
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		vendor, ok := readHex(filepath.Join(dir, "vendor"))
		if !ok || !switchdb.IsKnownVendor(uint16(vendor)) {
			continue
		}
		device, ok := readHex(filepath.Join(dir, "device"))
		if !ok {
			continue
		}
		if uint16(vendor) != switchdb.VendorPLX && !switchdb.IsKnownSwitch(uint16(vendor), uint16(device)) {
			continue
		}
		d := Device{BDF: e.Name(), VendorID: uint16(vendor), DeviceID: uint16(device)}
		if v, ok := readHex(filepath.Join(dir, "subsystem_vendor")); ok {
			d.SubVendorID = uint16(v)
		}
		if v, ok := readHex(filepath.Join(dir, "subsystem_device")); ok {
			d.SubDeviceID = uint16(v)
		}
		if v, ok := readHex(filepath.Join(dir, "revision")); ok {
			d.Revision = uint8(v)
		}
		if v, ok := readHex(filepath.Join(dir, "class")); ok {
			d.Class = uint32(v)
		}
		if d.Domain, d.Bus, d.Slot, d.Func, err = parseBDF(d.BDF); err != nil {
			continue
		}
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].BDF < devs[j].BDF })
	return devs, nil
}

// Switches filters devs down to switch ports.
func Switches(devs []Device) []Device {
	var out []Device
	for _, d := range devs {
		if d.IsSwitch() {
			out = append(out, d)
		}
	}
	return out
}

// Switch is one physical switch, represented by its upstream port.
type Switch struct {
	Upstream   Device `json:"upstream"`
	Downstream int    `json:"downstream_ports"`
}

type busKey struct{ domain, bus int }

// UniqueSwitches groups switch ports into physical switches. A port alone
// on its bus is taken as an upstream port; buses in the same domain whose
// ports all share its vendor and device ID are its downstream ports. Buses
// left over are reported with their first port as representative.
func UniqueSwitches(devs []Device) []Switch {
	byBus := make(map[busKey][]Device)
	var keys []busKey
	for _, d := range Switches(devs) {
		k := busKey{d.Domain, d.Bus}
		if _, ok := byBus[k]; !ok {
			keys = append(keys, k)
		}
		byBus[k] = append(byBus[k], d)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].domain != keys[j].domain {
			return keys[i].domain < keys[j].domain
		}
		return keys[i].bus < keys[j].bus
	})

	done := make(map[busKey]bool)
	var out []Switch
	for _, k := range keys {
		ports := byBus[k]
		if done[k] || len(ports) != 1 {
			continue
		}
		up := ports[0]
		sw := Switch{Upstream: up}
		for _, k2 := range keys {
			if k2 == k || k2.domain != k.domain || done[k2] {
				continue
			}
			same := true
			for _, p := range byBus[k2] {
				if p.VendorID != up.VendorID || p.DeviceID != up.DeviceID {
					same = false
					break
				}
			}
			if same {
				sw.Downstream += len(byBus[k2])
				done[k2] = true
			}
		}
		done[k] = true
		out = append(out, sw)
	}
	for _, k := range keys {
		if done[k] {
			continue
		}
		ports := byBus[k]
		out = append(out, Switch{Upstream: ports[0], Downstream: len(ports) - 1})
		done[k] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Upstream.BDF < out[j].Upstream.BDF })
	return out
}
