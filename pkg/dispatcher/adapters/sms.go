package adapters

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/models"
)

// maxSMSLength is the longest body an SMS touch may carry before the
// provider would split it; longer bodies are rejected rather than silently
// fragmented.
const maxSMSLength = 1600

type SMSAdapter struct {
	logger   *slog.Logger
	provider ProviderFunc
}

func NewSMSAdapter(logger *slog.Logger, provider ProviderFunc) *SMSAdapter {
	return &SMSAdapter{logger: logger.With("module", "sms_adapter"), provider: provider}
}

func (a *SMSAdapter) Channel() models.Channel {
	return models.ChannelSMS
}

func (a *SMSAdapter) Send(ctx context.Context, req *dispatcher.Request) (*models.DeliveryResult, error) {
	recipient := req.Lead.Recipient(models.ChannelSMS)
	if recipient == "" {
		return &models.DeliveryResult{
			Channel:   models.ChannelSMS,
			Recipient: recipient,
			Outcome:   models.OutcomeRejected,
			Detail:    "lead has no phone number",
		}, nil
	}

	if utf8.RuneCountInString(req.Body) > maxSMSLength {
		return &models.DeliveryResult{
			Channel:   models.ChannelSMS,
			Recipient: recipient,
			Outcome:   models.OutcomeRejected,
			Detail:    "message body exceeds SMS length limit",
		}, nil
	}

	providerID, err := a.submit(ctx, recipient, req.Body)
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "SMS sent",
		"recipient", recipient, "content_ref", req.ContentRef, "provider_id", providerID)

	return &models.DeliveryResult{
		Channel:    models.ChannelSMS,
		Recipient:  recipient,
		Outcome:    models.OutcomeDelivered,
		ProviderID: providerID,
	}, nil
}

func (a *SMSAdapter) submit(ctx context.Context, recipient, body string) (string, error) {
	if a.provider != nil {
		return a.provider(ctx, recipient, body)
	}

	return "sms-" + uuid.New().String(), nil
}
