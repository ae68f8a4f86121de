// Package dispatcher routes outbound touches to channel adapters, applying
// per-channel rate limits and normalizing provider outcomes.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/otelhelper"
)

const defaultSendTimeout = 10 * time.Second

// Request is one outbound touch to a lead.
type Request struct {
	Lead       *models.Lead
	Channel    models.Channel
	ContentRef string
	Body       string
	InstanceID string
	NodeID     string
}

// Adapter delivers on a single channel. Implementations map provider-level
// failures into DeliveryResult outcomes and return errors only for transport
// problems.
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, req *Request) (*models.DeliveryResult, error)
}

// Sender is the engine-facing dispatch surface, also satisfied by the
// dry-run Recorder.
type Sender interface {
	Dispatch(ctx context.Context, req *Request) (*models.DeliveryResult, error)
}

// Dispatcher fans requests out to registered adapters. Each channel carries
// its own token-bucket limit; exceeding it yields a retryable throttled
// error, never a dropped send.
type Dispatcher struct {
	adapters    map[models.Channel]Adapter
	limiters    map[models.Channel]*rate.Limiter
	tracer      trace.Tracer
	logger      *slog.Logger
	sendTimeout time.Duration
}

// ChannelLimit configures the token bucket of one channel.
type ChannelLimit struct {
	PerSecond float64
	Burst     int
}

// DefaultLimits reflect typical provider quotas: email is cheap, voice is not.
func DefaultLimits() map[models.Channel]ChannelLimit {
	return map[models.Channel]ChannelLimit{
		models.ChannelEmail:  {PerSecond: 10, Burst: 20},
		models.ChannelSMS:    {PerSecond: 1, Burst: 5},
		models.ChannelSocial: {PerSecond: 0.5, Burst: 2},
		models.ChannelVoice:  {PerSecond: 0.2, Burst: 1},
	}
}

func NewDispatcher(logger *slog.Logger, limits map[models.Channel]ChannelLimit) *Dispatcher {
	if limits == nil {
		limits = DefaultLimits()
	}

	limiters := make(map[models.Channel]*rate.Limiter, len(limits))
	for channel, limit := range limits {
		limiters[channel] = rate.NewLimiter(rate.Limit(limit.PerSecond), limit.Burst)
	}

	return &Dispatcher{
		adapters:    make(map[models.Channel]Adapter),
		limiters:    limiters,
		tracer:      otel.Tracer("dispatcher"),
		logger:      logger.With("module", "dispatcher"),
		sendTimeout: defaultSendTimeout,
	}
}

// WithTracer overrides the globally registered tracer.
func (d *Dispatcher) WithTracer(tracer trace.Tracer) *Dispatcher {
	d.tracer = tracer

	return d
}

// Register adds an adapter; the last registration for a channel wins.
func (d *Dispatcher) Register(adapter Adapter) {
	d.adapters[adapter.Channel()] = adapter
}

// Channels lists the channels with a registered adapter.
func (d *Dispatcher) Channels() []models.Channel {
	channels := make([]models.Channel, 0, len(d.adapters))
	for channel := range d.adapters {
		channels = append(channels, channel)
	}

	return channels
}

// Dispatch sends one touch. The returned result is non-nil whenever the
// provider produced an outcome, including failures; the error classifies the
// failure as retryable or terminal.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*models.DeliveryResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatcher.dispatch",
		attribute.String(otelhelper.ChannelKey, string(req.Channel)),
		attribute.String(otelhelper.InstanceIDKey, req.InstanceID),
		attribute.String(otelhelper.NodeIDKey, req.NodeID),
	)
	defer span.End()

	adapter, ok := d.adapters[req.Channel]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownChannel, req.Channel)
		otelhelper.SetError(span, err)

		return nil, err
	}

	recipient := req.Lead.Recipient(req.Channel)

	if limiter := d.limiters[req.Channel]; limiter != nil && !limiter.Allow() {
		result := &models.DeliveryResult{
			Channel:   req.Channel,
			Recipient: recipient,
			Outcome:   models.OutcomeThrottled,
			Retryable: true,
		}

		err := &DispatchError{
			Channel:   req.Channel,
			Recipient: recipient,
			Retryable: true,
			Err:       errors.New("channel rate limit exceeded"),
		}
		otelhelper.SetError(span, err)
		d.logger.WarnContext(ctx, "Dispatch throttled",
			"channel", req.Channel, "instance_id", req.InstanceID)

		return result, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	result, err := adapter.Send(sendCtx, req)
	if err != nil {
		// Transport failures and timeouts are worth a retry.
		dispatchErr := &DispatchError{
			Channel:   req.Channel,
			Recipient: recipient,
			Retryable: true,
			Err:       err,
		}
		otelhelper.SetError(span, dispatchErr)

		return result, dispatchErr
	}

	switch result.Outcome {
	case models.OutcomeRejected:
		dispatchErr := &DispatchError{
			Channel:   req.Channel,
			Recipient: recipient,
			Retryable: false,
			Err:       fmt.Errorf("provider rejected recipient %q: %s", recipient, result.Detail),
		}
		otelhelper.SetError(span, dispatchErr)

		return result, dispatchErr
	case models.OutcomeThrottled:
		dispatchErr := &DispatchError{
			Channel:   req.Channel,
			Recipient: recipient,
			Retryable: true,
			Err:       errors.New("provider throttled the send"),
		}
		otelhelper.SetError(span, dispatchErr)

		return result, dispatchErr
	default:
	}

	d.logger.InfoContext(ctx, "Dispatched touch",
		"channel", req.Channel,
		"instance_id", req.InstanceID,
		"outcome", result.Outcome,
		"provider_id", result.ProviderID,
	)

	return result, nil
}
