package cmd

import (
	"log/slog"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/dispatcher/adapters"
)

// NewDispatcher builds a dispatcher with an adapter per supported channel.
// Nil provider functions mean local delivery, which is what development and
// single-binary setups want; production deployments inject real providers.
func NewDispatcher(logger *slog.Logger) *dispatcher.Dispatcher {
	d := dispatcher.NewDispatcher(logger, dispatcher.DefaultLimits())

	d.Register(adapters.NewEmailAdapter(logger, nil))
	d.Register(adapters.NewSMSAdapter(logger, nil))
	d.Register(adapters.NewSocialAdapter(logger, nil))
	d.Register(adapters.NewVoiceAdapter(logger, nil))

	return d
}
