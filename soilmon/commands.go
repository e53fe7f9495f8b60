package main

import (
	"fmt"

	"github.com/itohio/gosoil/pkg/board"
	"github.com/itohio/gosoil/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	portFlag   string
	useMock    bool
	debug      bool

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:          "soilmon",
		Short:        "Capacitive soil moisture monitor",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			return loadConfig()
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Measure periodically, serve status and upload readings",
		RunE:  runMonitor, // Defined in run.go
	}

	measureCmd = &cobra.Command{
		Use:   "measure",
		Short: "Run a single measurement cycle and print the reading",
		RunE:  runMeasure, // Defined in run.go
	}

	configCmd = &cobra.Command{
		Use:   "config [path]",
		Short: "Write the effective configuration to a YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	}

	portsCmd = &cobra.Command{
		Use:   "ports",
		Short: "List available serial ports",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := board.Ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.Name, p.Description)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "Use a simulated board instead of the serial port")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd, measureCmd, configCmd, portsCmd)
}

func setupLogging() {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func loadConfig() error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portFlag != "" {
		c.Serial.Port = portFlag
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = c
	return nil
}
