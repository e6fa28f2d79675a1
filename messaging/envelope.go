package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// Envelope is an outbound message before it is handed to the broker.
type Envelope struct {
	Payload       []byte
	CorrelationID string
	ReplyTo       string
	Headers       map[string]any
	Persistent    bool
	MessageID     string
	Timestamp     time.Time
}

// Publishing converts the envelope to an amqp.Publishing. Headers are copied.
func (e Envelope) Publishing() amqp.Publishing {
	p := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Transient,
		CorrelationId: e.CorrelationID,
		ReplyTo:       e.ReplyTo,
		MessageId:     e.MessageID,
		Timestamp:     e.Timestamp,
		Body:          e.Payload,
	}
	if e.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if len(e.Headers) > 0 {
		p.Headers = make(amqp.Table, len(e.Headers))
		for k, v := range e.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

// Encode serializes a payload to JSON. Byte slices and json.RawMessage are
// taken as already encoded and only validated.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return validJSON(v)
	case []byte:
		return validJSON(v)
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return body, nil
	}
}

func validJSON(body []byte) ([]byte, error) {
	if !json.Valid(body) {
		return nil, ErrInvalidPayload
	}
	return body, nil
}

// Message is an inbound delivery with a JSON body.
type Message struct {
	Body          json.RawMessage
	Headers       map[string]any
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Exchange      string
	RoutingKey    string
	Redelivered   bool
	Timestamp     time.Time
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

func newMessage(d amqp.Delivery) (*Message, error) {
	if !json.Valid(d.Body) {
		return nil, ErrInvalidPayload
	}
	msg := &Message{
		Body:          json.RawMessage(d.Body),
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		Timestamp:     d.Timestamp,
	}
	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			msg.Headers[k] = v
		}
	}
	return msg, nil
}
