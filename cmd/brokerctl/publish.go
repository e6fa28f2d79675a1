package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/glimte/brokerkit"
	"github.com/glimte/brokerkit/messaging"
)

type publishFlags struct {
	exchange   string
	routingKey string
	headers    []string
	transient  bool
	count      int
	rate       float64
	retries    uint
	retryDelay time.Duration
}

func newPublishCmd(global *globalFlags) *cobra.Command {
	flags := &publishFlags{}

	cmd := &cobra.Command{
		Use:   "publish <json-payload>",
		Short: "Publish a JSON message",
		Long: `Publish a JSON payload to an exchange, or to a queue through the default
exchange when --exchange is empty. Publishing retries while the connection
recovers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[0])
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}
			headers, err := parseHeaders(flags.headers)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := global.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := messaging.PublishOptions{
				Exchange:   flags.exchange,
				RoutingKey: flags.routingKey,
				Headers:    headers,
				Transient:  flags.transient,
			}
			return s.run(ctx, func(ctx context.Context) error {
				sent, err := publishMessages(ctx, s.client.Publish, payload, opts, *flags)
				fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s)\n", sent)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&flags.exchange, "exchange", "e", "", "Exchange to publish to")
	cmd.Flags().StringVarP(&flags.routingKey, "routing-key", "k", "", "Routing key, or queue name for the default exchange")
	cmd.Flags().StringArrayVarP(&flags.headers, "header", "H", nil, "Message header as key=value (repeatable)")
	cmd.Flags().BoolVar(&flags.transient, "transient", false, "Publish with transient delivery mode")
	cmd.Flags().IntVarP(&flags.count, "count", "n", 1, "Number of copies to publish")
	cmd.Flags().Float64Var(&flags.rate, "rate", 0, "Maximum messages per second (0 = unlimited)")
	cmd.Flags().UintVar(&flags.retries, "retries", 5, "Attempts per message while the broker is unavailable")
	cmd.Flags().DurationVar(&flags.retryDelay, "retry-delay", time.Second, "Delay between publish attempts")
	return cmd
}

type publishFunc func(ctx context.Context, payload any, opts messaging.PublishOptions) error

// publishMessages sends flags.count copies of payload, paced by flags.rate.
// Each copy is retried while the failure is transient.
func publishMessages(ctx context.Context, publish publishFunc, payload any, opts messaging.PublishOptions, flags publishFlags) (int, error) {
	limit := rate.Inf
	if flags.rate > 0 {
		limit = rate.Limit(flags.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	attempts := flags.retries
	if attempts == 0 {
		attempts = 1
	}

	sent := 0
	for i := 0; i < flags.count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return sent, err
		}
		err := retry.Do(
			func() error { return publish(ctx, payload, opts) },
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.Delay(flags.retryDelay),
			retry.DelayType(retry.FixedDelay),
			retry.RetryIf(brokerkit.IsRetryable),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return sent, fmt.Errorf("publish message %d: %w", i+1, err)
		}
		sent++
	}
	return sent, nil
}

func parseHeaders(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]any, len(raw))
	for _, h := range raw {
		key, value, ok := strings.Cut(h, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, want key=value", h)
		}
		headers[key] = value
	}
	return headers, nil
}
