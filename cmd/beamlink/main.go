// Command beamlink is the local companion that lets trusted browser pages
// drive a laser or CNC controller on a serial port.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ricochet1k/beamlink/internal/config"
	"github.com/ricochet1k/beamlink/internal/logging"
)

// cli holds the state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configFile string

	cfg    *config.Config
	logger *logrus.Logger
	ring   *logging.Ring
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "beamlink",
		Short:         "beamlink - serial companion for browser laser and CNC tools",
		Long:          `beamlink brokers access from trusted browser origins to a single serial port, with operator pairing, short-lived session tokens and a local dashboard API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if c.closer != nil {
				_ = c.closer.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default <data-dir>/beamlink.yaml when present)")
	flags.String("data-dir", config.DefaultDataDir(), "directory holding config.json and beamlink.yaml")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("simulate", false, "use simulated serial devices instead of real hardware")
	_ = c.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("simulate", flags.Lookup("simulate"))

	root.AddCommand(c.serveCmd())
	root.AddCommand(c.originsCmd())
	root.AddCommand(c.portsCmd())
	root.AddCommand(c.scanCmd())
	root.AddCommand(c.tokenCmd())
	return root
}

func (c *cli) setup() error {
	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return err
	}
	logger, ring, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	c.cfg, c.logger, c.ring, c.closer = cfg, logger, ring, closer
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "beamlink:", err)
		os.Exit(1)
	}
}
