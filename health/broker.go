package health

import (
	"context"
	"fmt"

	"github.com/glimte/brokerkit/internal/rabbitmq"
)

// BrokerClient is the part of brokerkit.Client a BrokerChecker inspects.
type BrokerClient interface {
	State() rabbitmq.State
	PendingRPCs() int
}

// BrokerChecker reports the broker connection state. A backlog of pending
// RPC calls above MaxPending degrades the result.
type BrokerChecker struct {
	Client     BrokerClient
	MaxPending int
}

// NewBrokerChecker checks client with a pending-call limit of 1000.
func NewBrokerChecker(client BrokerClient) *BrokerChecker {
	return &BrokerChecker{Client: client, MaxPending: 1000}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	state := c.Client.State()
	pending := c.Client.PendingRPCs()
	res := CheckResult{
		Details: map[string]any{
			"state":       state.String(),
			"pendingRpcs": pending,
		},
	}

	switch state {
	case rabbitmq.StateConnected:
		res.Status = StatusHealthy
		res.Message = "connected"
	case rabbitmq.StateConnecting:
		res.Status = StatusDegraded
		res.Message = "connecting"
	default:
		res.Status = StatusUnhealthy
		res.Message = "broker connection is " + state.String()
	}

	if res.Status == StatusHealthy && c.MaxPending > 0 && pending > c.MaxPending {
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d rpc calls pending", pending)
	}
	return res
}
