package discovery

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// USBKind categorizes management adapters.
type USBKind string

const (
	USBKindAtlas   USBKind = "atlas"
	USBKindUnknown USBKind = "unknown"
)

// USBDevice is a USB device that fronts a switch.
type USBDevice struct {
	Kind        USBKind `json:"kind"`
	Description string  `json:"description"`
	VendorID    uint16  `json:"vendor_id"`
	ProductID   uint16  `json:"product_id"`
	Bus         int     `json:"bus"`
	Address     int     `json:"address"`
}

// Label returns a printable description.
func (d USBDevice) Label() string {
	if d.Description != "" {
		return d.Description
	}
	return fmt.Sprintf("%s (%04X:%04X)", d.Kind, d.VendorID, d.ProductID)
}

type knownUSBDevice struct {
	Kind        USBKind
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownUSBDevices = []knownUSBDevice{
	{Kind: USBKindAtlas, VendorID: USBVendorHitachi, ProductID: USBProductAtlas, Description: "Serial Cables Atlas host card"},
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (USBDevice, bool) {
	for _, known := range knownUSBDevices {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return USBDevice{
				Kind:        known.Kind,
				Description: known.Description,
				VendorID:    known.VendorID,
				ProductID:   known.ProductID,
				Bus:         desc.Bus,
				Address:     desc.Address,
			}, true
		}
	}
	return USBDevice{}, false
}

// USB enumerates attached management adapters. Devices are only inspected
// by descriptor, never opened.
func USB(ctx context.Context) ([]USBDevice, error) {
	var results []USBDevice
	usb := gousb.NewContext()
	defer usb.Close()

	_, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if d, ok := classifyUSBDevice(desc); ok {
			results = append(results, d)
		}
		return false
	})
	if err != nil && err != gousb.ErrorAccess {
		return results, err
	}
	return results, ctx.Err()
}
