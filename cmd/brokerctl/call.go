package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/brokerkit/messaging"
)

func newCallCmd(global *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <queue> <json-payload>",
		Short: "Send an RPC request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, payload := args[0], json.RawMessage(args[1])
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := global.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			return s.run(ctx, func(ctx context.Context) error {
				var opts []messaging.RequestOption
				if timeout > 0 {
					opts = append(opts, messaging.WithTimeout(timeout))
				}
				reply, err := s.client.RPCRequest(ctx, queue, payload, opts...).Wait()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(reply))
				return err
			})
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Reply timeout (0 = config default)")
	return cmd
}
