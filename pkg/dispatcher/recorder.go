package dispatcher

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/models"
)

// Recorder is a Sender that records every request and reports success without
// touching a provider. Dry-run executions use it in place of the real
// dispatcher.
type Recorder struct {
	mu       sync.Mutex
	requests []*Request
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Dispatch(_ context.Context, req *Request) (*models.DeliveryResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, req)

	return &models.DeliveryResult{
		Channel:    req.Channel,
		Recipient:  req.Lead.Recipient(req.Channel),
		Outcome:    models.OutcomeDelivered,
		ProviderID: "dry-run-" + uuid.New().String(),
	}, nil
}

// Requests returns a copy of the recorded requests in dispatch order.
func (r *Recorder) Requests() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Request, len(r.requests))
	copy(out, r.requests)

	return out
}
