package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bitpay/bitpay-app-sub010/internal/host"
	"github.com/bitpay/bitpay-app-sub010/pkg/transport"
	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

func stdioCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve the bridge on standard input and output, for a parent process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			codec, err := wire.CodecByName(a.cfg.Codec)
			if err != nil {
				return err
			}
			h, err := host.New(a.cfg.Host, host.WithLogger(a.log))
			if err != nil {
				return err
			}
			defer h.Close()

			conn := transport.NewStream(os.Stdin, os.Stdout, nil)
			defer conn.Close()
			a.log.Debug().Str("codec", codec.Name()).Msg("serving on stdio")
			return h.Serve(ctx, conn, codec)
		},
	}
}
