package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/pkg/plx"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
)

var (
	regPort  int
	regField string
)

var readCmd = &cobra.Command{
	Use:   "read REGISTER|ADDRESS",
	Short: "Read a switch register",
	Long: `Read one register, named from the family table (with --port) or given as a
raw byte address. Named registers are decoded into their fields.

Examples:
  plx read port_mode --port 3 --target 03:00.0
  plx read lane_config --port 1 --field lane_width --target 03:00.0
  plx read 0x31F4 --method i2c --target 1:0x38`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write REGISTER|ADDRESS VALUE",
	Short: "Write a switch register",
	Long: `Write one register, or one field of it with --field (read-modify-write).
Families whose tables are unverified refuse writes without --allow-unverified.

Examples:
  plx write link_control --port 5 --field link_disable 1 --target 03:00.0
  plx write 0x11F4 0x2 --target 03:00.0`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	for _, c := range []*cobra.Command{readCmd, writeCmd} {
		c.Flags().IntVarP(&regPort, "port", "p", 0, "port index for named registers")
		c.Flags().StringVar(&regField, "field", "", "operate on one field of a named register")
		rootCmd.AddCommand(c)
	}
}

// registerRef is a parsed register argument.
type registerRef struct {
	reg  *regmap.Register
	addr uint32
}

func parseRegister(m *regmap.Map, arg string, port int) (registerRef, error) {
	if v, err := strconv.ParseUint(arg, 0, 32); err == nil {
		addr := uint32(v)
		off, p := m.Split(addr)
		ref := registerRef{addr: addr}
		if r := m.RegisterAt(off); r != nil && r.PortOffset(p) == addr {
			ref.reg = r
		}
		return ref, nil
	}
	r, err := m.Register(arg)
	if err != nil {
		return registerRef{}, err
	}
	if port < 0 || port >= m.Device.Ports {
		return registerRef{}, fmt.Errorf("port %d out of range 0-%d", port, m.Device.Ports-1)
	}
	return registerRef{reg: r, addr: m.Address(r, port)}, nil
}

type registerValue struct {
	Address  string            `json:"address"`
	Register string            `json:"register"`
	Value    uint32            `json:"value"`
	Fields   map[string]uint32 `json:"fields,omitempty"`
}

func describeRegister(m *regmap.Map, ref registerRef, v uint32) registerValue {
	off, port := m.Split(ref.addr)
	out := registerValue{
		Address:  fmt.Sprintf("0x%08X", ref.addr),
		Register: m.Name(off, port),
		Value:    v,
	}
	if ref.reg != nil {
		out.Fields = make(map[string]uint32)
		for _, name := range ref.reg.FieldNames() {
			out.Fields[name] = ref.reg.Fields[name].Extract(v)
		}
	}
	return out
}

func printRegister(m *regmap.Map, ref registerRef, v uint32) error {
	rv := describeRegister(m, ref, v)
	if outputJSON {
		return printJSON(rv)
	}
	fmt.Printf("%s  %-18s 0x%08X\n", rv.Address, rv.Register, v)
	if ref.reg != nil {
		for _, name := range ref.reg.FieldNames() {
			fmt.Printf("    %-14s %d\n", name, rv.Fields[name])
		}
	}
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	sw, err := openSwitch(cmd.Context())
	if err != nil {
		return err
	}
	defer sw.Close()
	m := sw.Map()
	ref, err := parseRegister(m, args[0], regPort)
	if err != nil {
		return err
	}
	if regField != "" {
		v, err := readField(sw, ref, regField)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(map[string]uint32{regField: v})
		}
		fmt.Printf("%s.%s = %d (0x%X)\n", ref.reg.Name, regField, v, v)
		return nil
	}
	v, err := sw.ReadRegister(ref.addr)
	if err != nil {
		return err
	}
	return printRegister(m, ref, v)
}

func readField(sw *plx.Switch, ref registerRef, field string) (uint32, error) {
	if ref.reg == nil {
		return 0, fmt.Errorf("address 0x%X has no named fields", ref.addr)
	}
	_, port := sw.Map().Split(ref.addr)
	return sw.ReadField(ref.reg.Name, port, field)
}

func runWrite(cmd *cobra.Command, args []string) error {
	value, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", args[1], err)
	}
	sw, err := openSwitch(cmd.Context())
	if err != nil {
		return err
	}
	defer sw.Close()
	m := sw.Map()
	ref, err := parseRegister(m, args[0], regPort)
	if err != nil {
		return err
	}
	if regField != "" {
		if ref.reg == nil {
			return fmt.Errorf("address 0x%X has no named fields", ref.addr)
		}
		_, port := m.Split(ref.addr)
		if err := sw.WriteField(ref.reg.Name, port, regField, uint32(value)); err != nil {
			return err
		}
	} else if err := sw.WriteRegister(ref.addr, uint32(value)); err != nil {
		return err
	}
	log.Info("register written", "addr", fmt.Sprintf("0x%08X", ref.addr), "value", value)
	v, err := sw.ReadRegister(ref.addr)
	if err != nil {
		return err
	}
	return printRegister(m, ref, v)
}
