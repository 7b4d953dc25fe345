package formatter

// Envelope is the generic body sent for the postal style. Field order matches
// the documented wire format.
type Envelope struct {
	Event     string         `json:"event"`
	Timestamp float64        `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	UUID      string         `json:"uuid"`
}

func postalEnvelope(in Input) any {
	return Envelope{
		Event:     in.Event,
		Timestamp: float64(in.Timestamp.UnixNano()) / 1e9,
		Payload:   in.Payload,
		UUID:      in.ID,
	}
}
