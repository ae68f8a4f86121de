package analytics

import (
	"fmt"
	"sort"
)

// RecommendationType classifies what a recommendation suggests changing.
type RecommendationType string

const (
	RecommendationTiming   RecommendationType = "timing"
	RecommendationContent  RecommendationType = "content"
	RecommendationChannel  RecommendationType = "channel"
	RecommendationStrategy RecommendationType = "strategy"
)

// Recommendation is an advisory finding. Nothing acts on these
// automatically; an operator accepts or ignores them elsewhere.
type Recommendation struct {
	Type       RecommendationType `json:"type"`
	Issue      string             `json:"issue"`
	Solution   string             `json:"solution"`
	Impact     string             `json:"impact"`
	Confidence float64            `json:"confidence"`
}

const (
	channelGapThreshold = 0.15
	timingGapThreshold  = 0.15
	lowReplyThreshold   = 0.02
)

// Recommendations compares comparable segments and reports gaps large enough
// to act on. Segments below the minimum sample size are skipped entirely so
// noise never turns into advice.
func (c *Collector) Recommendations() []Recommendation {
	channels := c.Channels()
	rules := c.Rules()

	var recs []Recommendation

	if rec, ok := c.channelGap(channels); ok {
		recs = append(recs, rec)
	}

	if rec, ok := c.timingGap(channels); ok {
		recs = append(recs, rec)
	}

	recs = append(recs, c.underperformingRules(rules)...)

	if rec, ok := c.overallStrategy(channels); ok {
		recs = append(recs, rec)
	}

	return recs
}

// channelGap flags the weakest channel when another channel with a
// comparable sample clearly outperforms it on reply rate.
func (c *Collector) channelGap(channels []ChannelReport) (Recommendation, bool) {
	sampled := make([]ChannelReport, 0, len(channels))

	for _, report := range channels {
		if report.Sent >= c.minSample {
			sampled = append(sampled, report)
		}
	}

	if len(sampled) < 2 {
		return Recommendation{}, false
	}

	sort.Slice(sampled, func(i, j int) bool { return sampled[i].ReplyRate > sampled[j].ReplyRate })

	best, worst := sampled[0], sampled[len(sampled)-1]
	gap := best.ReplyRate - worst.ReplyRate

	if gap < channelGapThreshold {
		return Recommendation{}, false
	}

	return Recommendation{
		Type: RecommendationChannel,
		Issue: fmt.Sprintf("%s replies at %.0f%% while %s replies at %.0f%%",
			worst.Channel, worst.ReplyRate*100, best.Channel, best.ReplyRate*100),
		Solution: fmt.Sprintf("shift follow-up touches from %s to %s for leads reachable on both",
			worst.Channel, best.Channel),
		Impact:     fmt.Sprintf("up to +%.0f%% reply rate on shifted touches", gap*100),
		Confidence: sampleConfidence(minInt(best.Sent, worst.Sent), c.minSample),
	}, true
}

// timingGap compares open rates of touches sent inside versus outside the
// send window, across all channels combined.
func (c *Collector) timingGap(channels []ChannelReport) (Recommendation, bool) {
	c.mu.Lock()

	var inSent, inOpened, offSent, offOpened int

	for _, agg := range c.channels {
		inSent += agg.inHoursSent
		inOpened += agg.inHoursOpened
		offSent += agg.offHoursSent
		offOpened += agg.offHoursOpen
	}

	c.mu.Unlock()

	if inSent < c.minSample || offSent < c.minSample {
		return Recommendation{}, false
	}

	inRate := float64(inOpened) / float64(inSent)
	offRate := float64(offOpened) / float64(offSent)

	if inRate-offRate < timingGapThreshold {
		return Recommendation{}, false
	}

	return Recommendation{
		Type: RecommendationTiming,
		Issue: fmt.Sprintf("touches inside business hours open at %.0f%%, off-hours touches at %.0f%%",
			inRate*100, offRate*100),
		Solution:   "enable business-hours-only delivery on delay and action nodes",
		Impact:     fmt.Sprintf("up to +%.0f%% open rate on rescheduled touches", (inRate-offRate)*100),
		Confidence: sampleConfidence(minInt(inSent, offSent), c.minSample),
	}, true
}

// underperformingRules flags rules whose reply rate falls well under the
// average of their peers.
func (c *Collector) underperformingRules(rules []RuleReport) []Recommendation {
	sampled := make([]RuleReport, 0, len(rules))
	total := 0.0

	for _, report := range rules {
		if report.Sent >= c.minSample {
			sampled = append(sampled, report)
			total += report.ReplyRate
		}
	}

	if len(sampled) < 2 {
		return nil
	}

	avg := total / float64(len(sampled))

	var recs []Recommendation

	for _, report := range sampled {
		if report.ReplyRate >= avg/2 {
			continue
		}

		recs = append(recs, Recommendation{
			Type: RecommendationContent,
			Issue: fmt.Sprintf("rule %s replies at %.0f%% against a %.0f%% catalogue average",
				report.RuleID, report.ReplyRate*100, avg*100),
			Solution:   fmt.Sprintf("revise the template behind rule %s or retire the rule", report.RuleID),
			Impact:     fmt.Sprintf("up to +%.0f%% reply rate on this rule's touches", (avg-report.ReplyRate)*100),
			Confidence: sampleConfidence(report.Sent, c.minSample),
		})
	}

	return recs
}

// overallStrategy flags a sequence that barely gets replies at all.
func (c *Collector) overallStrategy(channels []ChannelReport) (Recommendation, bool) {
	var sent, replied int

	for _, report := range channels {
		sent += report.Sent
		replied += int(report.ReplyRate * float64(report.Sent))
	}

	if sent < 2*c.minSample {
		return Recommendation{}, false
	}

	replyRate := float64(replied) / float64(sent)
	if replyRate >= lowReplyThreshold {
		return Recommendation{}, false
	}

	return Recommendation{
		Type: RecommendationStrategy,
		Issue: fmt.Sprintf("overall reply rate is %.1f%% across %d touches",
			replyRate*100, sent),
		Solution:   "reduce touch frequency and revisit targeting before adding more follow-ups",
		Impact:     "fewer unsubscribes and a cleaner engagement baseline",
		Confidence: sampleConfidence(sent, 2*c.minSample),
	}, true
}

// sampleConfidence grows with sample size and saturates below certainty.
func sampleConfidence(sample, minSample int) float64 {
	if sample <= 0 {
		return 0
	}

	confidence := float64(sample) / float64(sample+minSample)
	if confidence > 0.95 {
		confidence = 0.95
	}

	return confidence
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
