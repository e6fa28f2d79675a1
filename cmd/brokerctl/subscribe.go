package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/glimte/brokerkit/messaging"
)

func newSubscribeCmd(global *globalFlags) *cobra.Command {
	var opts messaging.SubscribeOptions

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Consume messages and print them as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := global.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			return s.run(ctx, func(ctx context.Context) error {
				if err := s.client.Subscribe(ctx, opts, printer(cmd.OutOrStdout())); err != nil {
					return err
				}
				s.logger.Info("waiting for messages, press Ctrl+C to stop")
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Exchange, "exchange", "e", "", "Exchange to bind to")
	cmd.Flags().StringVarP(&opts.Queue, "queue", "q", "", "Queue name (empty for a temporary queue)")
	cmd.Flags().StringVarP(&opts.RoutingKey, "routing-key", "k", "", "Binding routing key")
	cmd.Flags().StringVar(&opts.ExchangeKind, "kind", "direct", "Exchange kind (direct, fanout, topic)")
	cmd.Flags().BoolVar(&opts.Transient, "transient", false, "Declare a non-durable exchange and queue")
	cmd.Flags().IntVar(&opts.Prefetch, "prefetch", 0, "Unacknowledged message limit (0 = config default)")
	return cmd
}

type printedMessage struct {
	Exchange      string          `json:"exchange,omitempty"`
	RoutingKey    string          `json:"routingKey,omitempty"`
	MessageID     string          `json:"messageId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Headers       map[string]any  `json:"headers,omitempty"`
	Redelivered   bool            `json:"redelivered,omitempty"`
	Body          json.RawMessage `json:"body"`
}

// printer writes each message as one JSON line to w.
func printer(w io.Writer) messaging.Handler {
	var mu sync.Mutex
	return func(ctx context.Context, msg *messaging.Message) error {
		line, err := json.Marshal(printedMessage{
			Exchange:      msg.Exchange,
			RoutingKey:    msg.RoutingKey,
			MessageID:     msg.MessageID,
			CorrelationID: msg.CorrelationID,
			Headers:       msg.Headers,
			Redelivered:   msg.Redelivered,
			Body:          msg.Body,
		})
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		_, err = fmt.Fprintln(w, string(line))
		return err
	}
}
