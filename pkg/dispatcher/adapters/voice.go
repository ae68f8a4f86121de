package adapters

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/models"
)

// VoiceAdapter schedules outbound calls. Voice touches carry a call script
// reference instead of a rendered body.
type VoiceAdapter struct {
	logger   *slog.Logger
	provider ProviderFunc
}

func NewVoiceAdapter(logger *slog.Logger, provider ProviderFunc) *VoiceAdapter {
	return &VoiceAdapter{logger: logger.With("module", "voice_adapter"), provider: provider}
}

func (a *VoiceAdapter) Channel() models.Channel {
	return models.ChannelVoice
}

func (a *VoiceAdapter) Send(ctx context.Context, req *dispatcher.Request) (*models.DeliveryResult, error) {
	recipient := req.Lead.Recipient(models.ChannelVoice)
	if recipient == "" {
		return &models.DeliveryResult{
			Channel:   models.ChannelVoice,
			Recipient: recipient,
			Outcome:   models.OutcomeRejected,
			Detail:    "lead has no phone number",
		}, nil
	}

	providerID, err := a.submit(ctx, recipient, req.ContentRef)
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "Call scheduled",
		"recipient", recipient, "script_ref", req.ContentRef, "provider_id", providerID)

	return &models.DeliveryResult{
		Channel:    models.ChannelVoice,
		Recipient:  recipient,
		Outcome:    models.OutcomeDelivered,
		ProviderID: providerID,
	}, nil
}

func (a *VoiceAdapter) submit(ctx context.Context, recipient, scriptRef string) (string, error) {
	if a.provider != nil {
		return a.provider(ctx, recipient, scriptRef)
	}

	return "voice-" + uuid.New().String(), nil
}
