package cmd

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lexcodex/goalloop/app/runtime"
	"github.com/lexcodex/goalloop/internal/logging"
	"github.com/lexcodex/goalloop/server"
)

func newServeCmd() *cobra.Command {
	var addr string
	var stdio bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP or JSON-RPC on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps := runtime.Deps{}
			if stdio {
				// stdout carries the protocol; logs go to stderr without color.
				logger, err := logging.New(os.Stderr, logging.Options{Level: globalCfg.Log.Level, NoColor: true})
				if err != nil {
					return err
				}
				deps.Logger = logger
			}
			rt, err := openRuntime(ctx, deps)
			if err != nil {
				return err
			}
			defer rt.Close()

			if stdio {
				rpc := &server.RPCServer{Backend: rt, Logger: rt.Logger}
				return rpc.Serve(ctx, server.StdioConn{Reader: os.Stdin, Writer: os.Stdout, Closers: []io.Closer{os.Stdin, os.Stdout}})
			}
			if addr == "" {
				addr = globalCfg.ServerAddr
			}
			api := &server.APIServer{Backend: rt, Runs: rt.Store, Logger: rt.Logger}
			if err := api.ServeContext(ctx, addr); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (defaults to server_addr)")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Speak JSON-RPC over stdin/stdout instead of HTTP")
	return cmd
}
