package discovery

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

// USB IDs of the Serial Cables Atlas host card management console.
const (
	USBVendorHitachi = 0x045B
	USBProductAtlas  = 0x5300
)

// SerialDevice is a USB serial console in front of a switch.
type SerialDevice struct {
	Path      string `json:"path"`
	VendorID  uint16 `json:"usb_vendor_id"`
	ProductID uint16 `json:"usb_product_id"`
	Serial    string `json:"serial,omitempty"`
}

// IsAtlas reports whether the console is an Atlas host card.
func (d SerialDevice) IsAtlas() bool {
	return d.VendorID == USBVendorHitachi && d.ProductID == USBProductAtlas
}

// Target returns the transport address of the console.
func (d SerialDevice) Target() transport.Target { return transport.Target{Path: d.Path} }

var ttyACM = regexp.MustCompile(`^ttyACM[0-9]+$`)

// SerialPorts lists the ttyACM devices under devRoot (normally /dev) whose
// USB parent is an Atlas host card. The USB parent is found by walking up
// from <sysRoot>/class/tty/<name>/device until idVendor and idProduct
// appear.
func SerialPorts(devRoot, sysRoot string) ([]SerialDevice, error) {
	if devRoot == "" {
		devRoot = "/dev"
	}
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	entries, err := os.ReadDir(devRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []SerialDevice
	for _, e := range entries {
		if !ttyACM.MatchString(e.Name()) {
			continue
		}
		d, ok := usbParent(filepath.Join(sysRoot, "class", "tty", e.Name(), "device"))
		if !ok || !d.IsAtlas() {
			continue
		}
		d.Path = filepath.Join(devRoot, e.Name())
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func usbParent(link string) (SerialDevice, bool) {
	dir, err := filepath.EvalSymlinks(link)
	if err != nil {
		return SerialDevice{}, false
	}
	for {
		vendor, vok := readHex(filepath.Join(dir, "idVendor"))
		product, pok := readHex(filepath.Join(dir, "idProduct"))
		if vok && pok {
			d := SerialDevice{VendorID: uint16(vendor), ProductID: uint16(product)}
			if data, err := os.ReadFile(filepath.Join(dir, "serial")); err == nil {
				d.Serial = strings.TrimSpace(string(data))
			}
			return d, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return SerialDevice{}, false
		}
		dir = parent
	}
}
