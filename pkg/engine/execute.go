package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/events"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/otelhelper"
	"github.com/flowcrm/nurture/pkg/rules"
	"github.com/flowcrm/nurture/pkg/template"
)

var ErrNoTriggerNode = errors.New("definition has no trigger node")

// runFrom executes nodes starting at node until every token halts: the
// instance completes, fails, or parks waiting on delays, barriers, or
// signals. fromID names the node the token arrived from, which join
// barriers track.
func (e *Engine) runFrom(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node, fromID string) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.run",
		attribute.String(otelhelper.InstanceIDKey, instance.ID),
		attribute.String(otelhelper.WorkflowIDKey, def.ID),
	)
	defer span.End()

	finished, err := e.walk(ctx, def, instance, node, fromID)
	if err != nil {
		return err
	}

	if !finished || instance.Status.IsTerminal() {
		return nil
	}

	if len(instance.WaitingNodes) > 0 {
		// A sibling token is still parked; whichever token drains the
		// last barrier or delay completes the instance.
		instance.Status = models.InstanceStatusWaiting

		return e.saveInstance(ctx, instance)
	}

	return e.completeInstance(ctx, instance)
}

// walk advances one token through the graph. A node with several outgoing
// connections on the taken branch fans out: each extra target becomes its
// own token, walked to its own halting point before the first target
// continues. It reports whether any token ran off the end of the graph.
func (e *Engine) walk(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node, fromID string) (bool, error) {
	current := node
	finished := false

	for current != nil {
		if instance.Status.IsTerminal() {
			return false, nil
		}

		instance.CurrentNodeID = current.ID

		if err := e.saveInstance(ctx, instance); err != nil {
			return false, err
		}

		next, halt, err := e.executeNode(ctx, def, instance, current, fromID)
		if err != nil {
			otelhelper.SetError(trace.SpanFromContext(ctx), err,
				attribute.String(otelhelper.NodeIDKey, current.ID))

			return false, e.failInstance(ctx, instance, current.ID, err)
		}

		if halt {
			return finished, nil
		}

		if len(next) == 0 {
			return true, nil
		}

		fromID = current.ID

		for _, branch := range next[1:] {
			branchFinished, err := e.walk(ctx, def, instance, branch, fromID)
			if err != nil {
				return false, err
			}

			finished = finished || branchFinished
		}

		current = next[0]
	}

	return finished, nil
}

// executeNode runs one node. It returns the next nodes to execute, or
// halt=true when the token parked (waiting) or died at a barrier.
func (e *Engine) executeNode(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node, fromID string) ([]*models.Node, bool, error) {
	switch node.Type {
	case models.NodeTypeTrigger:
		return e.follow(def, node.ID, models.BranchDefault), false, nil

	case models.NodeTypeCondition:
		return e.executeCondition(ctx, def, instance, node)

	case models.NodeTypeAction:
		return e.executeAction(ctx, def, instance, node)

	case models.NodeTypeDelay:
		return e.executeDelay(ctx, def, instance, node)

	case models.NodeTypeJoin:
		return e.executeJoin(ctx, def, instance, node, fromID)

	default:
		return nil, false, fmt.Errorf("node %s: unknown type %q", node.ID, node.Type)
	}
}

func (e *Engine) executeCondition(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node) ([]*models.Node, bool, error) {
	cfg := node.Condition
	if cfg == nil {
		return nil, false, fmt.Errorf("node %s: missing condition config", node.ID)
	}

	// Always a fresh snapshot; a stale score or attribute must never decide
	// a branch.
	lead, err := e.leadSnapshot(ctx, instance.LeadID)
	if err != nil {
		return nil, false, fmt.Errorf("node %s: lead snapshot: %w", node.ID, err)
	}

	outcome, err := evalCondition(cfg, lead, signalsFrom(instance))
	if err != nil {
		return nil, false, fmt.Errorf("node %s: %w", node.ID, err)
	}

	branch := models.BranchFalse
	if outcome {
		branch = models.BranchTrue
	}

	e.logger.DebugContext(ctx, "Condition evaluated",
		"instance_id", instance.ID, "node_id", node.ID, "branch", branch)

	return e.follow(def, node.ID, branch), false, nil
}

func (e *Engine) executeDelay(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node) ([]*models.Node, bool, error) {
	cfg := node.Delay
	if cfg == nil {
		return nil, false, fmt.Errorf("node %s: missing delay config", node.ID)
	}

	// Dry runs skip the wait and move straight on.
	if e.dryRun {
		return e.follow(def, node.ID, models.BranchDefault), false, nil
	}

	lead, err := e.leadSnapshot(ctx, instance.LeadID)
	if err != nil {
		return nil, false, fmt.Errorf("node %s: lead snapshot: %w", node.ID, err)
	}

	transition, err := e.transitions.Schedule(ctx, instance.ID, node.ID, cfg.AsDuration(), cfg.BusinessHoursOnly, lead.Timezone)
	if err != nil {
		return nil, false, fmt.Errorf("node %s: schedule: %w", node.ID, err)
	}

	instance.Status = models.InstanceStatusWaiting
	instance.NextScheduledAt = &transition.DueAt
	instance.AddWaitingNode(node.ID)

	return nil, true, e.saveInstance(ctx, instance)
}

func (e *Engine) executeJoin(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node, fromID string) ([]*models.Node, bool, error) {
	cfg := node.Join
	if cfg == nil {
		return nil, false, fmt.Errorf("node %s: missing join config", node.ID)
	}

	// A dry run carries a single token, so barriers pass through.
	if e.dryRun {
		return e.follow(def, node.ID, models.BranchDefault), false, nil
	}

	arrivals, err := e.persist.JoinArrivalRepository().Get(ctx, instance.ID, node.ID)
	if err != nil {
		return nil, false, fmt.Errorf("node %s: load arrivals: %w", node.ID, err)
	}

	firstArrival := arrivals == nil
	now := time.Now().UTC()

	if arrivals == nil {
		arrivals = &models.JoinArrival{
			InstanceID:   instance.ID,
			NodeID:       node.ID,
			FirstArrival: now,
		}
	}

	if fromID != "" && !arrivals.HasArrivedFrom(fromID) {
		arrivals.ArrivedFrom = append(arrivals.ArrivedFrom, fromID)
	}

	arrivals.UpdatedAt = now

	if err := e.persist.JoinArrivalRepository().Save(ctx, arrivals); err != nil {
		return nil, false, fmt.Errorf("node %s: save arrivals: %w", node.ID, err)
	}

	required := len(def.IncomingConnections(node.ID))

	switch cfg.Mode {
	case models.JoinModeAny:
		// Only the first token passes; later arrivals find the record and
		// die quietly.
		if !firstArrival {
			return nil, true, nil
		}
	case models.JoinModeAll:
		if len(arrivals.ArrivedFrom) < required {
			instance.Status = models.InstanceStatusWaiting
			instance.AddWaitingNode(node.ID)

			return nil, true, e.saveInstance(ctx, instance)
		}

		if err := e.persist.JoinArrivalRepository().Delete(ctx, instance.ID, node.ID); err != nil {
			e.logger.ErrorContext(ctx, "Failed to clear join arrivals",
				"instance_id", instance.ID, "node_id", node.ID, "error", err)
		}
	}

	instance.Status = models.InstanceStatusProcessing
	instance.ClearWaitingNode(node.ID)

	return e.follow(def, node.ID, models.BranchDefault), false, nil
}

func (e *Engine) executeAction(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node) ([]*models.Node, bool, error) {
	cfg := node.Action
	if cfg == nil {
		return nil, false, fmt.Errorf("node %s: missing action config", node.ID)
	}

	lead, err := e.leadSnapshot(ctx, instance.LeadID)
	if err != nil {
		return nil, false, fmt.Errorf("node %s: lead snapshot: %w", node.ID, err)
	}

	// Outside the lead's delivery window the send defers to the next open
	// one instead of firing off-hours.
	if cfg.BusinessHoursOnly && !e.dryRun {
		now := time.Now().UTC()
		if due := e.hours.ResolveDue(now, true, lead.Timezone); due.After(now) {
			transition, err := e.transitions.Schedule(ctx, instance.ID, node.ID, 0, true, lead.Timezone)
			if err != nil {
				return nil, false, fmt.Errorf("node %s: defer: %w", node.ID, err)
			}

			instance.Status = models.InstanceStatusWaiting
			instance.NextScheduledAt = &transition.DueAt
			instance.AddWaitingNode(node.ID)

			return nil, true, e.saveInstance(ctx, instance)
		}
	}

	channel := cfg.Channel
	contentRef := cfg.TemplateRef

	var applied *rules.Selection

	if cfg.UseRules {
		selection, next, halt, err := e.selectRule(ctx, def, instance, node, lead)
		if selection == nil {
			return next, halt, err
		}

		applied = selection
		channel = selection.Rule.Channel
		contentRef = selection.Rule.TemplateRef
	}

	body, err := template.RenderContent(contentRef, lead, instance)
	if err != nil {
		return nil, false, fmt.Errorf("node %s: render: %w", node.ID, err)
	}

	result, err := e.dispatchWithRetry(ctx, instance, node, &dispatcher.Request{
		Lead:       lead,
		Channel:    channel,
		ContentRef: contentRef,
		Body:       body,
		InstanceID: instance.ID,
		NodeID:     node.ID,
	})
	if err != nil {
		return e.actionFailed(ctx, def, instance, node, channel, err)
	}

	step := models.StepRecord{
		ID:         uuid.New().String(),
		NodeID:     node.ID,
		Channel:    channel,
		ContentRef: contentRef,
		SentAt:     time.Now().UTC(),
	}

	if result.Outcome == models.OutcomeBounced {
		step.Response = &models.StepResponse{Type: models.ResponseBounced, Timestamp: step.SentAt}
	}

	if applied != nil {
		step.AppliedRuleID = applied.Rule.ID
		step.Confidence = applied.Confidence
		instance.RecordRuleUse(applied.Rule.ID)
		e.recordRuleHit(ctx, applied.Rule)
	}

	instance.AppendStep(step)
	instance.DispatchAttempts = 0

	if err := e.saveInstance(ctx, instance); err != nil {
		return nil, false, err
	}

	e.publish(ctx, instance.ID, events.TouchDispatched{
		BaseEvent:  e.baseEvent(events.TouchDispatchedEvent, instance.WorkflowID),
		InstanceID: instance.ID,
		LeadID:     instance.LeadID,
		NodeID:     node.ID,
		Channel:    channel,
		ContentRef: contentRef,
		ProviderID: result.ProviderID,
		RuleID:     step.AppliedRuleID,
		Confidence: step.Confidence,
		Outcome:    result.Outcome,
	})

	// A rule-driven touch revisits its node after the rule's delay so the
	// next signal (or silence) picks the next follow-up.
	if applied != nil && !e.dryRun {
		if applied.Rule.Delay > 0 {
			transition, err := e.transitions.Schedule(ctx, instance.ID, node.ID, applied.Rule.Delay, false, lead.Timezone)
			if err != nil {
				return nil, false, fmt.Errorf("node %s: schedule revisit: %w", node.ID, err)
			}

			instance.NextScheduledAt = &transition.DueAt
		}

		instance.Status = models.InstanceStatusWaiting
		instance.AddWaitingNode(node.ID)

		return nil, true, e.saveInstance(ctx, instance)
	}

	return e.follow(def, node.ID, models.BranchDefault), false, nil
}

// selectRule consults the catalogue for a rule-driven action node. With no
// eligible rule the token falls back to the default connection, or parks
// waiting when there is none.
func (e *Engine) selectRule(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node, lead *models.Lead) (*rules.Selection, []*models.Node, bool, error) {
	catalogue, err := e.persist.RuleRepository().ListEnabled(ctx)
	if err != nil {
		return nil, nil, false, fmt.Errorf("node %s: rule catalogue: %w", node.ID, err)
	}

	selection, err := e.rules.Select(ctx, lead, signalsFrom(instance), catalogue, instance.RuleUses)
	if err == nil {
		return selection, nil, false, nil
	}

	if !errors.Is(err, rules.ErrNoMatchingRule) {
		return nil, nil, false, fmt.Errorf("node %s: rule selection: %w", node.ID, err)
	}

	e.logger.InfoContext(ctx, "No matching follow-up rule",
		"instance_id", instance.ID, "node_id", node.ID)

	if next := e.follow(def, node.ID, models.BranchDefault); len(next) > 0 {
		return nil, next, false, nil
	}

	instance.Status = models.InstanceStatusWaiting
	instance.AddWaitingNode(node.ID)

	return nil, nil, true, e.saveInstance(ctx, instance)
}

// dispatchWithRetry retries retryable dispatch failures with exponential
// backoff up to the configured cap. Terminal failures and exhausted retries
// surface as errors.
func (e *Engine) dispatchWithRetry(ctx context.Context, instance *models.ExecutionInstance, node *models.Node, req *dispatcher.Request) (*models.DeliveryResult, error) {
	var lastErr error

	for attempt := 1; attempt <= e.maxDispatchAttempts; attempt++ {
		result, err := e.sender.Dispatch(ctx, req)
		if err == nil {
			return result, nil
		}

		lastErr = err
		instance.DispatchAttempts = attempt

		e.publish(ctx, instance.ID, events.TouchFailed{
			BaseEvent:  e.baseEvent(events.TouchFailedEvent, instance.WorkflowID),
			InstanceID: instance.ID,
			LeadID:     instance.LeadID,
			NodeID:     node.ID,
			Channel:    req.Channel,
			Error:      err.Error(),
			Retryable:  dispatcher.IsRetryable(err),
			Attempt:    attempt,
		})

		if !dispatcher.IsRetryable(err) || attempt == e.maxDispatchAttempts {
			return result, err
		}

		backoff := e.retryBackoffBase << (attempt - 1)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

// actionFailed routes a terminally failed send down the node's failure
// branch when one exists; otherwise the instance fails in place.
func (e *Engine) actionFailed(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node, channel models.Channel, dispatchErr error) ([]*models.Node, bool, error) {
	e.logger.WarnContext(ctx, "Dispatch failed terminally",
		"instance_id", instance.ID, "node_id", node.ID,
		"channel", channel, "error", dispatchErr)

	if failure := e.follow(def, node.ID, models.BranchFailure); len(failure) > 0 {
		instance.DispatchAttempts = 0

		return failure, false, nil
	}

	return nil, false, dispatchErr
}

func (e *Engine) failInstance(ctx context.Context, instance *models.ExecutionInstance, nodeID string, cause error) error {
	instance.Status = models.InstanceStatusFailed
	instance.FailureReason = fmt.Sprintf("node %s: %v", nodeID, cause)
	instance.WaitingNodes = nil

	if err := e.saveInstance(ctx, instance); err != nil {
		return err
	}

	e.releaseLock(instance.ID)

	e.publish(ctx, instance.ID, events.InstanceFailed{
		BaseEvent:  e.baseEvent(events.InstanceFailedEvent, instance.WorkflowID),
		InstanceID: instance.ID,
		LeadID:     instance.LeadID,
		NodeID:     nodeID,
		Error:      cause.Error(),
	})

	e.logger.ErrorContext(ctx, "Instance failed",
		"instance_id", instance.ID, "node_id", nodeID, "error", cause)

	return nil
}

func (e *Engine) completeInstance(ctx context.Context, instance *models.ExecutionInstance) error {
	instance.Status = models.InstanceStatusCompleted
	instance.WaitingNodes = nil

	if err := e.saveInstance(ctx, instance); err != nil {
		return err
	}

	e.releaseLock(instance.ID)

	e.publish(ctx, instance.ID, events.InstanceCompleted{
		BaseEvent:  e.baseEvent(events.InstanceCompletedEvent, instance.WorkflowID),
		InstanceID: instance.ID,
		LeadID:     instance.LeadID,
		StepCount:  len(instance.Steps),
		Duration:   time.Since(instance.CreatedAt),
	})

	e.logger.InfoContext(ctx, "Instance completed",
		"instance_id", instance.ID, "steps", len(instance.Steps))

	return nil
}

// advancePast moves the token over an already-satisfied node (a fired delay)
// and continues from whatever its labeled connection points at.
func (e *Engine) advancePast(ctx context.Context, def *models.WorkflowDefinition, instance *models.ExecutionInstance, node *models.Node, label string) error {
	next := e.follow(def, node.ID, label)
	if len(next) == 0 {
		if len(instance.WaitingNodes) > 0 {
			instance.Status = models.InstanceStatusWaiting

			return e.saveInstance(ctx, instance)
		}

		return e.completeInstance(ctx, instance)
	}

	// Delay nodes carry at most one outgoing connection.
	return e.runFrom(ctx, def, instance, next[0], node.ID)
}

// follow resolves the targets of a node's labeled outgoing connections, in
// connection order. More than one target makes the caller fan out.
func (e *Engine) follow(def *models.WorkflowDefinition, nodeID, label string) []*models.Node {
	var targets []*models.Node

	for _, conn := range def.OutgoingConnections(nodeID) {
		if conn.Label != label {
			continue
		}

		if target, ok := def.NodeByID(conn.ToNodeID); ok {
			targets = append(targets, target)
		}
	}

	return targets
}

// recordRuleHit bumps the catalogue's live usage counter.
func (e *Engine) recordRuleHit(ctx context.Context, rule *models.FollowUpRule) {
	if e.dryRun {
		return
	}

	rule.Stats.TimesUsed++
	rule.UpdatedAt = time.Now().UTC()

	if err := e.persist.RuleRepository().Save(ctx, rule); err != nil {
		e.logger.ErrorContext(ctx, "Failed to update rule counters",
			"rule_id", rule.ID, "error", err)
	}
}

// signalsFrom folds an instance's step history into the engagement snapshot
// the rule engine consumes.
func signalsFrom(instance *models.ExecutionInstance) models.EngagementSignals {
	var signals models.EngagementSignals

	sent := 0
	noReply := 0

	for _, step := range instance.Steps {
		if step.Channel == "" {
			continue
		}

		sent++

		if step.Response == nil {
			noReply++

			continue
		}

		noReply = 0
		signals.LastResponse = step.Response.Type
		signals.Sentiment = step.Response.Sentiment

		switch step.Response.Type {
		case models.ResponseOpened:
			signals.Opened = true
		case models.ResponseClicked:
			signals.Clicked = true
		case models.ResponseReplied:
			signals.Replied = true
		}
	}

	signals.NoReplyCount = noReply

	if noReply > 0 || (sent == 0 && signals.LastResponse == "") {
		// Trailing silence outweighs an older response as the live signal.
		signals.LastResponse = models.SignalNoReply
	}

	return signals
}
