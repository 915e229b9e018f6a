package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app holds what every command needs once flags and configuration are parsed.
type app struct {
	v   *viper.Viper
	cfg Config
	log zerolog.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{v: newViper()}
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "dkls-worker",
		Short:         "Threshold signing engine host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(a.v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := loadConfig(a.v, configFile)
			if err != nil {
				return err
			}
			log, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
	}

	d := defaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "configuration file (json, yaml or toml)")
	flags.String("log-level", d.LogLevel, "log level: trace, debug, info, warn or error")
	flags.String("log-format", d.LogFormat, "log format: console or json")
	flags.String("codec", d.Codec, "codec of bridge frames: json or cbor")
	flags.String("origin", d.Host.Origin, "engine origin loaded on init")
	setKey(flags, "origin", "host.origin")
	flags.Bool("diagnostics", d.Host.Diagnostics, "forward host traces to clients")
	setKey(flags, "diagnostics", "host.diagnostics")
	flags.Int64("max-concurrent", d.Host.MaxConcurrent, "engine operations running at the same time per connection")
	setKey(flags, "max-concurrent", "host.max_concurrent")

	rootCmd.AddCommand(serveCmd(a))
	rootCmd.AddCommand(stdioCmd(a))
	rootCmd.AddCommand(demoCmd(a))
	return rootCmd
}
