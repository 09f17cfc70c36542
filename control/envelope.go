package control

import "encoding/json"

// Envelope is the form a worker message takes when broadcast on the bus.
type Envelope struct {
	Account    string   `json:"account"`
	Generation uint64   `json:"generation"`
	Message    *Message `json:"message"`
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a bus payload.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
