//go:build linux

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/pll"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend struct {
		Sim     bool   `yaml:"sim"`
		SimRate uint64 `yaml:"sim-rate"` // Bytes per second, 0 for unthrottled.
		PCI     string `yaml:"pci"`      // Empty selects the first card.
		Sysfs   string `yaml:"sysfs"`
	} `yaml:"backend"`

	Ring struct {
		Pages       uint32 `yaml:"pages"`
		PageSize    uint32 `yaml:"page-size"`
		ChunkSize   uint32 `yaml:"chunk-size"`
		PeriodPages uint32 `yaml:"period-pages"`
	} `yaml:"ring"`

	Level   int    `yaml:"level"`
	TenBit  bool   `yaml:"tenbit"`
	TenFsc  bool   `yaml:"tenfsc"`
	VMux    uint32 `yaml:"vmux"`
	AudSel  uint32 `yaml:"audsel"`
	Crystal uint64 `yaml:"crystal"`

	LogLevel string `yaml:"log-level"`
}

// SampleRate returns the nominal sampling clock in Hz.
func (c *Config) SampleRate() uint64 {
	if c.TenFsc {
		return c.Crystal * 5 / 4
	}
	return c.Crystal
}

// BytesPerSample returns 2 for 16-bit samples, otherwise 1.
func (c *Config) BytesPerSample() uint64 {
	if c.TenBit {
		return 2
	}
	return 1
}

func (c *Config) device(log *slog.Logger) cxadc.Config {
	return cxadc.Config{
		NumPages:    c.Ring.Pages,
		PageSize:    c.Ring.PageSize,
		ChunkSize:   c.Ring.ChunkSize,
		PeriodPages: c.Ring.PeriodPages,
		Level:       c.Level,
		TenBit:      c.TenBit,
		TenFsc:      c.TenFsc,
		VMux:        c.VMux,
		AudSel:      c.AudSel,
		Logger:      log,
	}
}

var (
	conf   Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cxadc",
	Short: "Raw sample capture from CX2388x cards",
	Long: `cxadc drives CX2388x video decoder cards as raw high speed ADCs.

The card is either accessed from userspace through uio_pci_generic or
simulated with --sim. Settings are read from a YAML config file,
CXADC_* environment variables and flags, in increasing priority.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringP("config", "c", "", "config file (default is ./cxadc.yaml)")
	f.Bool("sim", false, "use a simulated card")
	f.Uint64("sim-rate", 2*pll.Crystal, "simulated card output in bytes per second, 0 for unthrottled")
	f.String("pci", "", "PCI address of the card (default first CX2388x found)")
	f.String("sysfs", "/sys/bus/pci/devices", "sysfs PCI device directory")
	f.Uint32("pages", cxadc.DefaultNumPages, "ring pages")
	f.Uint32("page-size", cxadc.DefaultPageSize, "ring page size in bytes")
	f.Uint32("chunk-size", cxadc.DefaultChunkSize, "bytes per DMA write")
	f.Uint32("period-pages", 0, "pages per interrupt, a power of two (default 512 or less for small rings)")
	f.IntP("level", "l", cxadc.DefaultLevel, "analog gain level 0-31")
	f.BoolP("tenbit", "b", false, "capture 16-bit samples")
	f.BoolP("tenfsc", "x", false, "sample at 10fsc instead of 8fsc")
	f.Uint32("vmux", cxadc.DefaultVMux, "video input 0-3")
	f.Uint32("audsel", cxadc.DefaultAudSel, "audio output routing 0-3")
	f.Uint64("crystal", pll.Crystal, "crystal frequency in Hz")
	f.String("log-level", "info", "log level (debug, info, warn, error)")

	for key, flag := range map[string]string{
		"config":            "config",
		"backend.sim":       "sim",
		"backend.sim-rate":  "sim-rate",
		"backend.pci":       "pci",
		"backend.sysfs":     "sysfs",
		"ring.pages":        "pages",
		"ring.page-size":    "page-size",
		"ring.chunk-size":   "chunk-size",
		"ring.period-pages": "period-pages",
		"level":             "level",
		"tenbit":            "tenbit",
		"tenfsc":            "tenfsc",
		"vmux":              "vmux",
		"audsel":            "audsel",
		"crystal":           "crystal",
		"log-level":         "log-level",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cxadc")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("CXADC")
	// CXADC_RING_PAGE_SIZE for ring.page-size.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || viper.GetString("config") != "" {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	conf.Backend.Sim = viper.GetBool("backend.sim")
	conf.Backend.SimRate = viper.GetUint64("backend.sim-rate")
	conf.Backend.PCI = viper.GetString("backend.pci")
	conf.Backend.Sysfs = viper.GetString("backend.sysfs")
	conf.Ring.Pages = viper.GetUint32("ring.pages")
	conf.Ring.PageSize = viper.GetUint32("ring.page-size")
	conf.Ring.ChunkSize = viper.GetUint32("ring.chunk-size")
	conf.Ring.PeriodPages = viper.GetUint32("ring.period-pages")
	conf.Level = viper.GetInt("level")
	conf.TenBit = viper.GetBool("tenbit")
	conf.TenFsc = viper.GetBool("tenfsc")
	conf.VMux = viper.GetUint32("vmux")
	conf.AudSel = viper.GetUint32("audsel")
	conf.Crystal = viper.GetUint64("crystal")
	conf.LogLevel = viper.GetString("log-level")

	// Validate

	if conf.Level < 0 || conf.Level > cxadc.MaxLevel {
		return fmt.Errorf("level must be between 0-%d", cxadc.MaxLevel)
	}
	if conf.VMux > 3 || conf.AudSel > 3 {
		return errors.New("vmux and audsel must be between 0-3")
	}
	if conf.Crystal == 0 {
		return errors.New("crystal must be > 0")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(conf.LogLevel)); err != nil {
		return fmt.Errorf("invalid log-level %q: %w", conf.LogLevel, err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	if cmd.Annotations["config-dump"] != "" {
		fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
		b, err := yaml.Marshal(&conf)
		fatalIf(err, "encoding final YAML config")
		_, _ = os.Stderr.Write(b)
		fmt.Fprintln(os.Stderr)
	}
	return nil
}
