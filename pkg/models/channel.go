package models

// Channel is a communication medium used by action nodes.
type Channel string

const (
	ChannelEmail  Channel = "email"
	ChannelSMS    Channel = "sms"
	ChannelSocial Channel = "social"
	ChannelVoice  Channel = "voice"
)

// Channels lists every supported channel.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelSocial, ChannelVoice}
}

// Valid reports whether the channel is one of the supported media.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelSocial, ChannelVoice:
		return true
	default:
		return false
	}
}

// DeliveryOutcome classifies the result of a channel send.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeBounced   DeliveryOutcome = "bounced"
	OutcomeRejected  DeliveryOutcome = "rejected"
	OutcomeThrottled DeliveryOutcome = "throttled"
)

// DeliveryResult is the uniform outcome of a dispatcher send. Retryable
// mirrors the outcome classification: throttled and bounced sends may be
// retried, rejected sends are terminal.
type DeliveryResult struct {
	Channel    Channel         `json:"channel"`
	Recipient  string          `json:"recipient"`
	Outcome    DeliveryOutcome `json:"outcome"`
	Retryable  bool            `json:"retryable"`
	ProviderID string          `json:"provider_id,omitempty"`
	Detail     string          `json:"detail,omitempty"`
}
