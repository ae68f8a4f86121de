// Package analytics aggregates dispatch and engagement events into per-rule
// and per-channel performance figures, and derives advisory recommendations
// from them. It consumes the event stream; nothing here feeds back into
// execution.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowcrm/nurture/pkg/eventbus"
	"github.com/flowcrm/nurture/pkg/events"
	"github.com/flowcrm/nurture/pkg/models"
)

const defaultMinSample = 20

// aggregate is the running tally for one channel or rule.
type aggregate struct {
	sent          int
	delivered     int
	bounced       int
	failed        int
	opened        int
	clicked       int
	replied       int
	totalResponse time.Duration
	responded     int

	inHoursSent   int
	inHoursOpened int
	offHoursSent  int
	offHoursOpen  int
}

func (a *aggregate) rate(count int) float64 {
	if a.sent == 0 {
		return 0
	}

	return float64(count) / float64(a.sent)
}

// lastTouch remembers the most recent touch per instance so an engagement
// event can be attributed to the channel and rule that earned it.
type lastTouch struct {
	channel models.Channel
	ruleID  string
	sentAt  time.Time
}

// Collector tallies touch and engagement events. Safe for concurrent use; it
// is typically subscribed to the event bus next to the worker.
type Collector struct {
	mu        sync.Mutex
	channels  map[models.Channel]*aggregate
	rules     map[string]*aggregate
	touches   map[string]lastTouch // by instance ID
	minSample int
	logger    *slog.Logger
}

func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		channels:  make(map[models.Channel]*aggregate),
		rules:     make(map[string]*aggregate),
		touches:   make(map[string]lastTouch),
		minSample: defaultMinSample,
		logger:    logger.With("module", "analytics"),
	}
}

// WithMinSample overrides the sample size below which no recommendation is
// emitted.
func (c *Collector) WithMinSample(n int) *Collector {
	if n > 0 {
		c.minSample = n
	}

	return c
}

// HandleEvent routes bus events into the tallies. Unknown event types are
// ignored.
func (c *Collector) HandleEvent(_ context.Context, event eventbus.Event) error {
	switch ev := event.(type) {
	case events.TouchDispatched:
		c.RecordDispatch(ev.InstanceID, ev.Channel, ev.RuleID, ev.Outcome, ev.Timestamp)
	case *events.TouchDispatched:
		c.RecordDispatch(ev.InstanceID, ev.Channel, ev.RuleID, ev.Outcome, ev.Timestamp)
	case events.TouchFailed:
		if !ev.Retryable {
			c.RecordFailure(ev.Channel)
		}
	case *events.TouchFailed:
		if !ev.Retryable {
			c.RecordFailure(ev.Channel)
		}
	case events.EngagementReceived:
		c.RecordEngagement(ev.InstanceID, ev.Response, ev.Timestamp)
	case *events.EngagementReceived:
		c.RecordEngagement(ev.InstanceID, ev.Response, ev.Timestamp)
	}

	return nil
}

// RecordDispatch tallies one sent touch.
func (c *Collector) RecordDispatch(instanceID string, channel models.Channel, ruleID string, outcome models.DeliveryOutcome, sentAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	targets := []*aggregate{c.channel(channel)}
	if ruleID != "" {
		targets = append(targets, c.rule(ruleID))
	}

	inHours := withinSendWindow(sentAt)

	for _, agg := range targets {
		agg.sent++

		switch outcome {
		case models.OutcomeBounced:
			agg.bounced++
		case models.OutcomeDelivered:
			agg.delivered++
		}

		if inHours {
			agg.inHoursSent++
		} else {
			agg.offHoursSent++
		}
	}

	if instanceID != "" {
		c.touches[instanceID] = lastTouch{channel: channel, ruleID: ruleID, sentAt: sentAt}
	}
}

// RecordFailure tallies a terminal dispatch failure.
func (c *Collector) RecordFailure(channel models.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.channel(channel).failed++
}

// RecordEngagement attributes a response to the instance's most recent touch.
// Engagements without a known preceding touch are dropped.
func (c *Collector) RecordEngagement(instanceID string, response models.ResponseType, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	touch, ok := c.touches[instanceID]
	if !ok {
		return
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}

	targets := []*aggregate{c.channel(touch.channel)}
	if touch.ruleID != "" {
		targets = append(targets, c.rule(touch.ruleID))
	}

	inHours := withinSendWindow(touch.sentAt)

	for _, agg := range targets {
		switch response {
		case models.ResponseOpened:
			agg.opened++

			if inHours {
				agg.inHoursOpened++
			} else {
				agg.offHoursOpen++
			}
		case models.ResponseClicked:
			agg.clicked++
		case models.ResponseReplied:
			agg.replied++
		}

		if latency := at.Sub(touch.sentAt); latency > 0 {
			agg.totalResponse += latency
			agg.responded++
		}
	}
}

func (c *Collector) channel(channel models.Channel) *aggregate {
	agg, ok := c.channels[channel]
	if !ok {
		agg = &aggregate{}
		c.channels[channel] = agg
	}

	return agg
}

func (c *Collector) rule(ruleID string) *aggregate {
	agg, ok := c.rules[ruleID]
	if !ok {
		agg = &aggregate{}
		c.rules[ruleID] = agg
	}

	return agg
}

// withinSendWindow reports whether the touch went out inside a conventional
// business window. Coarse on purpose: timestamps are UTC and this only feeds
// the timing recommendation, never execution.
func withinSendWindow(t time.Time) bool {
	hour := t.UTC().Hour()

	return hour >= 9 && hour < 17
}

// ChannelReport is the per-channel aggregate exposed over the API.
type ChannelReport struct {
	Channel         models.Channel `json:"channel"`
	Sent            int            `json:"sent"`
	Delivered       int            `json:"delivered"`
	Bounced         int            `json:"bounced"`
	Failed          int            `json:"failed"`
	OpenRate        float64        `json:"open_rate"`
	ClickRate       float64        `json:"click_rate"`
	ReplyRate       float64        `json:"reply_rate"`
	ConversionRate  float64        `json:"conversion_rate"`
	AvgResponseTime time.Duration  `json:"avg_response_time"`
}

// RuleReport is the per-rule aggregate exposed over the API.
type RuleReport struct {
	RuleID          string        `json:"rule_id"`
	Sent            int           `json:"sent"`
	OpenRate        float64       `json:"open_rate"`
	ClickRate       float64       `json:"click_rate"`
	ReplyRate       float64       `json:"reply_rate"`
	ConversionRate  float64       `json:"conversion_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Channels returns the per-channel reports sorted by channel name.
func (c *Collector) Channels() []ChannelReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	reports := make([]ChannelReport, 0, len(c.channels))

	for channel, agg := range c.channels {
		reports = append(reports, ChannelReport{
			Channel:         channel,
			Sent:            agg.sent,
			Delivered:       agg.delivered,
			Bounced:         agg.bounced,
			Failed:          agg.failed,
			OpenRate:        agg.rate(agg.opened),
			ClickRate:       agg.rate(agg.clicked),
			ReplyRate:       agg.rate(agg.replied),
			ConversionRate:  agg.rate(agg.replied),
			AvgResponseTime: avgResponse(agg),
		})
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Channel < reports[j].Channel })

	return reports
}

// Rules returns the per-rule reports sorted by rule ID.
func (c *Collector) Rules() []RuleReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	reports := make([]RuleReport, 0, len(c.rules))

	for ruleID, agg := range c.rules {
		reports = append(reports, RuleReport{
			RuleID:          ruleID,
			Sent:            agg.sent,
			OpenRate:        agg.rate(agg.opened),
			ClickRate:       agg.rate(agg.clicked),
			ReplyRate:       agg.rate(agg.replied),
			ConversionRate:  agg.rate(agg.replied),
			AvgResponseTime: avgResponse(agg),
		})
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].RuleID < reports[j].RuleID })

	return reports
}

func avgResponse(agg *aggregate) time.Duration {
	if agg.responded == 0 {
		return 0
	}

	return agg.totalResponse / time.Duration(agg.responded)
}
