package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTracePLX/internal/logging"
	"github.com/OpenTraceLab/OpenTracePLX/internal/metrics"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/plx"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/regmap"
	"github.com/OpenTraceLab/OpenTracePLX/pkg/transport"
)

var (
	// Global flags
	verbose         int
	outputJSON      bool
	logJSON         bool
	methodName      string
	targetSpec      string
	familyTag       string
	i2cBus          string
	sysfsRoot       string
	journalPath     string
	allowUnverified bool
	metricsFile     string

	log   = logr.Discard()
	flush = func() {}

	// simDevice backs --method sim. It lives for the whole process so that
	// consecutive commands in one run see each other's writes.
	simDevice *transport.Sim
)

const defaultSimFamily = "pex8696"

var rootCmd = &cobra.Command{
	Use:   "plx",
	Short: "PLX/PEX PCIe switch configuration and recovery",
	Long: `A tool for inspecting and reconfiguring PLX/Broadcom PEX PCIe switches:
discover switches, read and write port registers, move lanes between ports
safely, compile and program EEPROM images, and recover a switch that no
longer enumerates over its I2C side-band.

Examples:
  plx list                                        # Switch ports in sysfs
  plx read port_mode --port 1 --target 03:00.0    # One register over BAR0
  plx diff pex8696-4to1 --target 03:00.0          # Preview a live reconfiguration
  plx eeprom compile pex8733-2to1 -o golden.bin   # Build an EEPROM image
  plx recover --family pex8696 --target 1:0x38    # Reprogram over I2C`,
	Version:       "0.4.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log, flush = logging.New(logging.Options{Verbosity: verbose, JSON: logJSON, Out: os.Stderr})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if metricsFile != "" {
			if err := prometheus.WriteToTextfile(metricsFile, metrics.Registry); err != nil {
				log.Error(err, "write metrics", "file", metricsFile)
			}
		}
		flush()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.CountVarP(&verbose, "verbose", "v", "verbose output (repeat for more)")
	pf.BoolVar(&outputJSON, "json", false, "print results as JSON")
	pf.BoolVar(&logJSON, "log-json", false, "write logs as JSON lines")
	pf.StringVarP(&methodName, "method", "m", "pcie", "access method: pcie, sysfs, i2c, serial, sim")
	pf.StringVarP(&targetSpec, "target", "t", "", "switch address: BDF, BUS:ADDR or serial device")
	pf.StringVarP(&familyTag, "family", "f", "", "switch family tag (default: identify from register 0)")
	pf.StringVar(&i2cBus, "i2c-bus", "", "I2C bus for i2c targets given as a bare address")
	pf.StringVar(&sysfsRoot, "sysfs-root", transport.DefaultSysfsRoot, "PCI devices directory")
	pf.StringVar(&journalPath, "journal", "", "journal directory (default: user cache dir)")
	pf.BoolVar(&allowUnverified, "allow-unverified", false, "permit writes to families with unverified register tables")
	pf.StringVar(&metricsFile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")
}

// accessMethod parses --method.
func accessMethod() (transport.Method, error) {
	return transport.ParseMethod(methodName)
}

// accessTarget parses --target for method m. A bare I2C address is joined
// with --i2c-bus.
func accessTarget(m transport.Method) (transport.Target, error) {
	spec := targetSpec
	if m == transport.MethodI2C && i2cBus != "" {
		if _, err := strconv.ParseUint(spec, 0, 7); err == nil {
			spec = i2cBus + ":" + spec
		}
	}
	if spec == "" && m != transport.MethodSim {
		return transport.Target{}, fmt.Errorf("--target is required for method %s", m)
	}
	return transport.ParseTarget(m, spec)
}

// simFor returns the process simulator, creating it for family tag.
func simFor(tag string) (*transport.Sim, error) {
	if simDevice != nil {
		return simDevice, nil
	}
	if tag == "" {
		tag = defaultSimFamily
	}
	m, err := regmap.Lookup(tag)
	if err != nil {
		return nil, err
	}
	simDevice = transport.NewSim(m)
	return simDevice, nil
}

func transportOptions(m transport.Method) (transport.Options, error) {
	opts := transport.DefaultOptions()
	opts.SysfsRoot = sysfsRoot
	opts.Log = log
	if m == transport.MethodSim {
		sim, err := simFor(familyTag)
		if err != nil {
			return opts, err
		}
		sim.Reopen()
		opts.Sim = sim
	}
	return opts, nil
}

// openSwitch opens the switch named by the global flags.
func openSwitch(ctx context.Context) (*plx.Switch, error) {
	m, err := accessMethod()
	if err != nil {
		return nil, err
	}
	target, err := accessTarget(m)
	if err != nil {
		return nil, err
	}
	topts, err := transportOptions(m)
	if err != nil {
		return nil, err
	}
	opts := plx.DefaultOptions()
	opts.Transport = topts
	opts.Family = familyTag
	opts.AllowUnverified = allowUnverified
	opts.Log = log
	log.V(1).Info("opening switch", "method", string(m), "target", target.String())
	return plx.Open(ctx, m, target, opts)
}

// familyMap resolves --family, or the family of the open switch.
func familyMap() (*regmap.Map, error) {
	if familyTag == "" {
		return nil, fmt.Errorf("--family is required")
	}
	return regmap.Lookup(familyTag)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
