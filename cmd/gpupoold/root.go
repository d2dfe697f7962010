package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gpupool/internal/config"
	"gpupool/internal/pool"
)

// options are the command-line overrides applied on top of the config file.
type options struct {
	configPath string
	host       string
	port       int
	modelDir   string
	outputDir  string
	devices    string
	logLevel   string
	logFormat  string
	watch      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{configPath: os.Getenv("GPUPOOL_CONFIG")}

	root := &cobra.Command{
		Use:           "gpupoold",
		Short:         "GPU pool manager for image-generation workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", opts.configPath, "Config file (.yaml, .json or .toml; defaults GPUPOOL_CONFIG)")
	pf.StringVar(&opts.host, "host", "", "Listen host")
	pf.IntVar(&opts.port, "port", 0, "Listen port")
	pf.StringVar(&opts.modelDir, "model-dir", "", "Directory to scan for model files")
	pf.StringVar(&opts.outputDir, "output-dir", "", "Directory workers write images to")
	pf.StringVar(&opts.devices, "devices", "", "Comma-separated device indices to manage, e.g. 0,1 or cuda:0,cuda:2")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: auto|console|json")
	pf.BoolVar(&opts.watch, "watch", false, "Rescan the model directory when it changes")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start workers and serve the HTTP API (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	var asJSON bool
	devices := &cobra.Command{
		Use:   "devices",
		Short: "List the devices the pool would manage and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			devs, err := pool.Enumerate(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(devs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTOTAL\tUSED\tDRIVER")
			for _, d := range devs {
				fmt.Fprintf(tw, "%s\t%s\t%.1f GiB\t%.1f GiB\t%s\n", d.ID, d.Name,
					float64(d.TotalBytes)/(1<<30), float64(d.UsedBytes)/(1<<30), d.DriverVersion)
			}
			return tw.Flush()
		},
	}
	devices.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the effective configuration and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	root.AddCommand(serve, devices, check)
	return root
}

// loadConfig reads the config file when given, applies flags that were set
// explicitly, then fills defaults and validates.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	var cfg config.Config
	if opts.configPath != "" {
		c, err := config.Load(opts.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("model-dir") {
		cfg.ModelDir = opts.modelDir
	}
	if flags.Changed("output-dir") {
		cfg.OutputDir = opts.outputDir
	}
	if flags.Changed("devices") {
		idx, err := parseDevices(opts.devices)
		if err != nil {
			return cfg, err
		}
		cfg.DeviceList = idx
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = opts.logFormat
	}
	if flags.Changed("watch") {
		cfg.WatchModelDir = opts.watch
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// parseDevices accepts plain indices or cuda:N ids.
func parseDevices(s string) ([]int, error) {
	var out []int
	for _, p := range splitCSV(s) {
		n, err := strconv.Atoi(strings.TrimPrefix(p, "cuda:"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid device %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
