package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/glimte/brokerkit/messaging"
)

func newWorkerCmd(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run built-in RPC workers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "echo <queue>",
		Short: "Reply to every request on queue with its own payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := global.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			return s.run(ctx, func(ctx context.Context) error {
				if err := s.client.CreateRPCWorker(ctx, args[0], echo); err != nil {
					return err
				}
				s.logger.Info("echo worker running", "queue", args[0])
				<-ctx.Done()
				return nil
			})
		},
	})
	return cmd
}

func echo(ctx context.Context, msg *messaging.Message) (any, error) {
	return msg.Body, nil
}
