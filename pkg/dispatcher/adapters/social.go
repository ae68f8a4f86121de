package adapters

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/models"
)

// SocialAdapter posts direct messages to a lead's social handle.
type SocialAdapter struct {
	logger   *slog.Logger
	provider ProviderFunc
}

func NewSocialAdapter(logger *slog.Logger, provider ProviderFunc) *SocialAdapter {
	return &SocialAdapter{logger: logger.With("module", "social_adapter"), provider: provider}
}

func (a *SocialAdapter) Channel() models.Channel {
	return models.ChannelSocial
}

func (a *SocialAdapter) Send(ctx context.Context, req *dispatcher.Request) (*models.DeliveryResult, error) {
	recipient := req.Lead.Recipient(models.ChannelSocial)
	if recipient == "" {
		return &models.DeliveryResult{
			Channel:   models.ChannelSocial,
			Recipient: recipient,
			Outcome:   models.OutcomeRejected,
			Detail:    "lead has no social handle",
		}, nil
	}

	providerID, err := a.submit(ctx, recipient, req.Body)
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "Social message sent",
		"recipient", recipient, "content_ref", req.ContentRef, "provider_id", providerID)

	return &models.DeliveryResult{
		Channel:    models.ChannelSocial,
		Recipient:  recipient,
		Outcome:    models.OutcomeDelivered,
		ProviderID: providerID,
	}, nil
}

func (a *SocialAdapter) submit(ctx context.Context, recipient, body string) (string, error) {
	if a.provider != nil {
		return a.provider(ctx, recipient, body)
	}

	return "social-" + uuid.New().String(), nil
}
