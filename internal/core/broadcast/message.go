package broadcast

import "encoding/json"

// Message is the envelope fanned out to every subscriber.
type Message struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (m Message) clone() Message {
	cp := m
	if m.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return cp
}
