package cli

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.wiregrpc.io/server/config"
	"go.wiregrpc.io/server/pkg/core/rpc"
	"go.wiregrpc.io/server/pkg/server"
	"go.wiregrpc.io/server/utils"
)

func serveCommand(logger **zap.Logger, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server with a demo echo service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				cfg.ListenAddr = addr
			}
			return runServe(*logger, cfg)
		},
	}
	cmd.Flags().String("listen", "", "Listen address, host:port (overrides config)")
	return cmd
}

func runServe(logger *zap.Logger, cfg *config.Config) error {
	srv := server.New(cfg, logger)
	if err := srv.Register(echoService()); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		utils.LogError(logger, err, "failed to start server")
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			if err := srv.ReloadTLS(); err != nil {
				utils.LogError(logger, err, "failed to reload TLS certificates")
			}
			continue
		}
		logger.Info("shutting down", zap.String("signal", s.String()))
		break
	}
	return srv.Stop(false)
}

// echoService exercises all four method patterns on opaque byte payloads.
func echoService() *rpc.ServiceDesc {
	return &rpc.ServiceDesc{
		Name: "demo.Echo",
		Methods: []rpc.MethodDesc{
			{
				Name:    "UnaryEcho",
				Pattern: rpc.Unary,
				Handler: rpc.UnaryHandler(func(_ *rpc.CallContext, req any) (any, error) {
					return req.([]byte), nil
				}),
			},
			{
				Name:    "ServerStreamingEcho",
				Pattern: rpc.ServerStreaming,
				Handler: rpc.ServerStreamHandler(func(_ *rpc.CallContext, req any, send *rpc.Sender) error {
					for i := 0; i < 3; i++ {
						if err := send.Send(req.([]byte)); err != nil {
							return err
						}
					}
					return nil
				}),
			},
			{
				Name:    "ClientStreamingEcho",
				Pattern: rpc.ClientStreaming,
				Handler: rpc.ClientStreamHandler(func(_ *rpc.CallContext, recv *rpc.Receiver) (any, error) {
					var all []byte
					for {
						msg, err := recv.Next()
						if err == io.EOF {
							return all, nil
						}
						if err != nil {
							return nil, err
						}
						all = append(all, msg.([]byte)...)
					}
				}),
			},
			{
				Name:    "BidiStreamingEcho",
				Pattern: rpc.BidiStreaming,
				Handler: rpc.BidiStreamHandler(func(_ *rpc.CallContext, recv *rpc.Receiver, send *rpc.Sender) error {
					for {
						msg, err := recv.Next()
						if err == io.EOF {
							return nil
						}
						if err != nil {
							return err
						}
						if err := send.Send(msg.([]byte)); err != nil {
							return err
						}
					}
				}),
			},
		},
	}
}
