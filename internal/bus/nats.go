package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"

	"remedyai-backend/internal/trigger"
)

// SubjectSignals carries raw monitoring signals into the engine. Audit
// subjects fan out under healing.execution.<status>.
const SubjectSignals = "signals.raw"

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

type Subscriber struct {
	Conn *nats.Conn
}

func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &Subscriber{Conn: conn}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		s.Conn.Drain()
		s.Conn.Close()
	}
}

// SubscribeSignals decodes monitoring signals off the bus. Messages that do
// not decode are handed to the handler as zero-value signals so the
// aggregator counts them as malformed instead of losing them silently.
func (s *Subscriber) SubscribeSignals(handler func(trigger.Signal)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(SubjectSignals, func(msg *nats.Msg) {
		var sig trigger.Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			handler(trigger.Signal{})
			return
		}
		handler(sig)
	})
}
