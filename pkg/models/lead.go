package models

import "time"

// Lead is the snapshot of a lead record at evaluation time. Condition nodes
// always evaluate against a freshly fetched snapshot, never a cached one.
type Lead struct {
	ID              string         `json:"id"`
	Email           string         `json:"email"`
	Phone           string         `json:"phone,omitempty"`
	Name            string         `json:"name"`
	Company         string         `json:"company,omitempty"`
	Industry        string         `json:"industry,omitempty"`
	Score           float64        `json:"score"`
	EngagementLevel string         `json:"engagement_level,omitempty"`
	Timezone        string         `json:"timezone,omitempty"` // IANA name, e.g. "America/Sao_Paulo"
	Attributes      map[string]any `json:"attributes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Attribute resolves a named field for condition evaluation. Well-known
// fields are looked up directly, everything else falls through to the
// free-form attribute map.
func (l *Lead) Attribute(field string) (any, bool) {
	switch field {
	case "id":
		return l.ID, true
	case "email":
		return l.Email, true
	case "phone":
		return l.Phone, true
	case "name":
		return l.Name, true
	case "company":
		return l.Company, true
	case "industry":
		return l.Industry, true
	case "score":
		return l.Score, true
	case "engagement_level":
		return l.EngagementLevel, true
	case "timezone":
		return l.Timezone, true
	}

	value, ok := l.Attributes[field]

	return value, ok
}

// Recipient returns the address to use for the given channel.
func (l *Lead) Recipient(channel Channel) string {
	switch channel {
	case ChannelEmail:
		return l.Email
	case ChannelSMS, ChannelVoice:
		return l.Phone
	case ChannelSocial:
		if handle, ok := l.Attributes["social_handle"].(string); ok {
			return handle
		}

		return ""
	default:
		return ""
	}
}
