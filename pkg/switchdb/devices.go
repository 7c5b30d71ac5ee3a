package switchdb

func init() {
	registerVendor(Vendor{
		ID:      VendorPLX,
		Name:    "PLX Technology",
		Aliases: []string{"PLX", "Broadcom/PLX", "PLX/Broadcom"},
	})
	// 0x1000 is shared with LSI storage controllers, so discovery only
	// accepts the device IDs listed below for it.
	registerVendor(Vendor{
		ID:      VendorBroadcomLSI,
		Name:    "Broadcom/LSI",
		Aliases: []string{"Broadcom", "LSI", "LSI Logic"},
	})

	// PEX86xx, Gen2
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8604, PartNumber: "PEX8604", Description: "4-lane 4-port Gen2 switch", Gen: 2, Lanes: 4, MaxPorts: 4, MaxPortWidth: 4, Family: "PEX8600"})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8606, PartNumber: "PEX8606", Description: "6-lane 6-port Gen2 switch", Gen: 2, Lanes: 6, MaxPorts: 6, MaxPortWidth: 4, Family: "PEX8600"})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8608, PartNumber: "PEX8608", Description: "8-lane 8-port Gen2 switch", Gen: 2, Lanes: 8, MaxPorts: 8, MaxPortWidth: 4, Family: "PEX8600", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8613, PartNumber: "PEX8613", Description: "12-lane 3-port Gen2 switch", Gen: 2, Lanes: 12, MaxPorts: 3, MaxPortWidth: 8, Family: "PEX8600"})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8616, PartNumber: "PEX8616", Description: "16-lane 4-port Gen2 switch", Gen: 2, Lanes: 16, MaxPorts: 4, MaxPortWidth: 8, Family: "PEX8600", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8624, PartNumber: "PEX8624", Description: "24-lane 6-port Gen2 switch", Gen: 2, Lanes: 24, MaxPorts: 6, MaxPortWidth: 8, Family: "PEX8600", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8632, PartNumber: "PEX8632", Description: "32-lane 12-port Gen2 switch", Gen: 2, Lanes: 32, MaxPorts: 12, MaxPortWidth: 16, Family: "PEX8600", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8647, PartNumber: "PEX8647", Description: "48-lane 3-port Gen2 switch", Gen: 2, Lanes: 48, MaxPorts: 3, MaxPortWidth: 16, Family: "PEX8600"})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8648, PartNumber: "PEX8648", Description: "48-lane 12-port Gen2 switch", Gen: 2, Lanes: 48, MaxPorts: 12, MaxPortWidth: 16, Family: "PEX8600", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8664, PartNumber: "PEX8664", Description: "64-lane 16-port Gen2 switch", Gen: 2, Lanes: 64, MaxPorts: 16, MaxPortWidth: 16, Family: "PEX8600", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8680, PartNumber: "PEX8680", Description: "80-lane 20-port Gen2 switch", Gen: 2, Lanes: 80, MaxPorts: 20, MaxPortWidth: 16, Family: "PEX8600", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8696, PartNumber: "PEX8696", Description: "96-lane 24-port Gen2 switch", Gen: 2, Lanes: 96, MaxPorts: 24, MaxPortWidth: 16, Family: "PEX8600", HasNT: true, Notes: "Used in multi-host GPU chassis"})

	// PEX87xx, Gen3
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8714, PartNumber: "PEX8714", Description: "12-lane 5-port Gen3 switch", Gen: 3, Lanes: 12, MaxPorts: 5, MaxPortWidth: 4, Family: "PEX8700", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8717, PartNumber: "PEX8717", Description: "16-lane 10-port Gen3 switch", Gen: 3, Lanes: 16, MaxPorts: 10, MaxPortWidth: 8, Family: "PEX8700", HasDMA: true, HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8724, PartNumber: "PEX8724", Description: "24-lane 6-port Gen3 switch", Gen: 3, Lanes: 24, MaxPorts: 6, MaxPortWidth: 8, Family: "PEX8700", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8725, PartNumber: "PEX8725", Description: "24-lane 10-port Gen3 switch", Gen: 3, Lanes: 24, MaxPorts: 10, MaxPortWidth: 16, Family: "PEX8700", HasDMA: true, HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8732, PartNumber: "PEX8732", Description: "32-lane 8-port Gen3 switch", Gen: 3, Lanes: 32, MaxPorts: 8, MaxPortWidth: 16, Family: "PEX8700", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8733, PartNumber: "PEX8733", Description: "32-lane 18-port Gen3 switch", Gen: 3, Lanes: 32, MaxPorts: 18, MaxPortWidth: 16, Family: "PEX8700", HasDMA: true, HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8747, PartNumber: "PEX8747", Description: "48-lane 5-port Gen3 switch", Gen: 3, Lanes: 48, MaxPorts: 5, MaxPortWidth: 16, Family: "PEX8700"})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8748, PartNumber: "PEX8748", Description: "48-lane 12-port Gen3 switch", Gen: 3, Lanes: 48, MaxPorts: 12, MaxPortWidth: 16, Family: "PEX8700", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8749, PartNumber: "PEX8749", Description: "48-lane 18-port Gen3 switch", Gen: 3, Lanes: 48, MaxPorts: 18, MaxPortWidth: 16, Family: "PEX8700", HasDMA: true, HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8750, PartNumber: "PEX8750", Description: "48-lane 12-port Gen3 switch", Gen: 3, Lanes: 48, MaxPorts: 12, MaxPortWidth: 16, Family: "PEX8700", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8764, PartNumber: "PEX8764", Description: "64-lane 16-port Gen3 switch", Gen: 3, Lanes: 64, MaxPorts: 16, MaxPortWidth: 16, Family: "PEX8700", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8780, PartNumber: "PEX8780", Description: "80-lane 20-port Gen3 switch", Gen: 3, Lanes: 80, MaxPorts: 20, MaxPortWidth: 16, Family: "PEX8700", HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x8796, PartNumber: "PEX8796", Description: "96-lane 24-port Gen3 switch", Gen: 3, Lanes: 96, MaxPorts: 24, MaxPortWidth: 16, Family: "PEX8700", HasNT: true})

	// PEX97xx, Gen3 ExpressFabric
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x9749, PartNumber: "PEX9749", Description: "48-lane ExpressFabric Gen3 switch", Gen: 3, Lanes: 48, MaxPorts: 18, MaxPortWidth: 16, Family: "PEX9700", HasDMA: true, HasNT: true})
	register(SwitchIC{VendorID: VendorPLX, DeviceID: 0x9797, PartNumber: "PEX9797", Description: "97-lane ExpressFabric Gen3 switch", Gen: 3, Lanes: 97, MaxPorts: 25, MaxPortWidth: 16, Family: "PEX9700", HasDMA: true, HasNT: true})

	// Broadcom PEX880xx (Gen4) and PEX890xx (Gen5)
	register(SwitchIC{VendorID: VendorBroadcomLSI, DeviceID: 0xC010, PartNumber: "PEX880xx", Description: "Broadcom PEX880xx Gen4 PCIe switch", Gen: 4, Family: "PEX880xx", HasDMA: true})
	register(SwitchIC{VendorID: VendorBroadcomLSI, DeviceID: 0xC012, PartNumber: "PEX880xx-mgmt", Description: "Broadcom PEX880xx management endpoint", Gen: 4, Family: "PEX880xx"})
	register(SwitchIC{VendorID: VendorBroadcomLSI, DeviceID: 0xC030, PartNumber: "PEX890xx", Description: "Broadcom PEX890xx Gen5 PCIe switch", Gen: 5, Family: "PEX890xx", HasDMA: true})
	register(SwitchIC{VendorID: VendorBroadcomLSI, DeviceID: 0xC034, PartNumber: "PEX890xx-v2", Description: "Broadcom PEX890xx Gen5 PCIe switch variant", Gen: 5, Family: "PEX890xx", HasDMA: true})
	register(SwitchIC{VendorID: VendorBroadcomLSI, DeviceID: 0x00B2, PartNumber: "PCIe-Switch-Mgmt", Description: "PCIe switch management endpoint", Family: "Management"})
	register(SwitchIC{VendorID: VendorBroadcomLSI, DeviceID: 0x02B0, PartNumber: "PCIe-Switch-VEP", Description: "Virtual endpoint on PCIe switch", Family: "Management", Notes: "Multi-host configurations"})
	register(SwitchIC{VendorID: VendorBroadcomLSI, DeviceID: 0x02B1, PartNumber: "PCIe-Switch-VEP-9749", Description: "Virtual endpoint on PCIe switch (PEX9749)", Family: "Management"})
}
