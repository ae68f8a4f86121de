// Package adapters contains the built-in channel adapters. They validate the
// recipient, hand the touch to the configured provider, and normalize the
// provider response into a DeliveryResult.
package adapters

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/models"
)

// EmailAdapter delivers rendered email touches. The provider hook lets
// deployments plug an ESP client; the default delivers locally, which is what
// development and tests use.
type EmailAdapter struct {
	logger   *slog.Logger
	provider ProviderFunc
}

// ProviderFunc submits a touch to an external provider and returns its
// message ID. A nil ProviderFunc means local delivery.
type ProviderFunc func(ctx context.Context, recipient, body string) (string, error)

func NewEmailAdapter(logger *slog.Logger, provider ProviderFunc) *EmailAdapter {
	return &EmailAdapter{logger: logger.With("module", "email_adapter"), provider: provider}
}

func (a *EmailAdapter) Channel() models.Channel {
	return models.ChannelEmail
}

func (a *EmailAdapter) Send(ctx context.Context, req *dispatcher.Request) (*models.DeliveryResult, error) {
	recipient := req.Lead.Recipient(models.ChannelEmail)
	if recipient == "" || !strings.Contains(recipient, "@") {
		return &models.DeliveryResult{
			Channel:   models.ChannelEmail,
			Recipient: recipient,
			Outcome:   models.OutcomeRejected,
			Detail:    "missing or malformed email address",
		}, nil
	}

	providerID, err := a.submit(ctx, recipient, req.Body)
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "Email sent",
		"recipient", recipient, "content_ref", req.ContentRef, "provider_id", providerID)

	return &models.DeliveryResult{
		Channel:    models.ChannelEmail,
		Recipient:  recipient,
		Outcome:    models.OutcomeDelivered,
		ProviderID: providerID,
	}, nil
}

func (a *EmailAdapter) submit(ctx context.Context, recipient, body string) (string, error) {
	if a.provider != nil {
		return a.provider(ctx, recipient, body)
	}

	return "email-" + uuid.New().String(), nil
}
