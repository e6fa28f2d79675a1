package messaging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
		wantErr bool
	}{
		{name: "struct", payload: struct {
			Name string `json:"name"`
		}{"x"}, want: `{"name":"x"}`},
		{name: "string", payload: "hi", want: `"hi"`},
		{name: "nil", payload: nil, want: `null`},
		{name: "raw message", payload: json.RawMessage(`[1,2]`), want: `[1,2]`},
		{name: "bytes", payload: []byte(`{"a":true}`), want: `{"a":true}`},
		{name: "invalid bytes", payload: []byte(`{"a":`), wantErr: true},
		{name: "unsupported type", payload: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := Encode(tt.payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(body))
		})
	}
}

func TestNewMessage(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := newMessage(amqp.Delivery{
		Headers:       amqp.Table{"attempt": int32(2)},
		CorrelationId: "c",
		ReplyTo:       "r",
		MessageId:     "m",
		Exchange:      "ex",
		RoutingKey:    "rk",
		Redelivered:   true,
		Timestamp:     ts,
		Body:          []byte(`{"n":1}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "c", msg.CorrelationID)
	assert.Equal(t, "r", msg.ReplyTo)
	assert.Equal(t, "m", msg.MessageID)
	assert.Equal(t, "ex", msg.Exchange)
	assert.Equal(t, "rk", msg.RoutingKey)
	assert.True(t, msg.Redelivered)
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, int32(2), msg.Headers["attempt"])

	var v struct{ N int }
	require.NoError(t, msg.Decode(&v))
	assert.Equal(t, 1, v.N)

	_, err = newMessage(amqp.Delivery{Body: []byte("plain text")})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRPCErrorMatching(t *testing.T) {
	cause := errors.New("cause")
	kinds := map[ErrorKind]error{
		KindTimeout:            ErrRPCTimeout,
		KindChannelUnavailable: ErrChannelUnavailable,
		KindPublishFailed:      ErrPublishFailed,
		KindInvalidResponse:    ErrInvalidResponse,
	}

	for kind, sentinel := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			err := error(&RPCError{Kind: kind, Queue: "q", CorrelationID: "id", Err: cause})
			assert.ErrorIs(t, err, sentinel)
			assert.ErrorIs(t, err, cause)
			for other, s := range kinds {
				if other != kind {
					assert.NotErrorIs(t, err, s)
				}
			}
			assert.Contains(t, err.Error(), `rpc to "q" failed (`+kind.String()+", correlationId id): cause")
		})
	}

	assert.Equal(t, "unknown", ErrorKind(0).String())
}
