package formatter

// EventMessageBounced is raised by the mail server when a message bounces
const EventMessageBounced = "MessageBounced"

const (
	BounceHard = "hard"
	BounceSoft = "soft"

	listmonkSource = "postal"
)

// ListmonkBounce is the body listmonk's bounce webhook accepts
type ListmonkBounce struct {
	Email  string `json:"email"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

func listmonkBounce(in Input) any {
	return ListmonkBounce{
		Email:  digString(in.Payload, "original_message", "to"),
		Source: listmonkSource,
		Type:   bounceType(digString(in.Payload, "bounce", "bounce_type")),
	}
}

// listmonk only knows hard and soft bounces; anything else counts as hard
func bounceType(t string) string {
	switch t {
	case BounceHard, BounceSoft:
		return t
	default:
		return BounceHard
	}
}
