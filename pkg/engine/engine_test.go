package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/dispatcher"
	"github.com/flowcrm/nurture/pkg/log"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence/file"
	"github.com/flowcrm/nurture/pkg/rules"
)

type stubScheduler struct {
	mu        sync.Mutex
	scheduled []*models.PendingTransition
	cancelled []string
}

func (s *stubScheduler) Schedule(_ context.Context, instanceID, nodeID string, delay time.Duration, businessHoursOnly bool, _ string) (*models.PendingTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	transition := &models.PendingTransition{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		DueAt:      time.Now().UTC().Add(delay),
		EnqueuedAt: time.Now().UTC(),
	}
	s.scheduled = append(s.scheduled, transition)

	return transition, nil
}

func (s *stubScheduler) Cancel(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled = append(s.cancelled, instanceID)

	return nil
}

func (s *stubScheduler) last() *models.PendingTransition {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.scheduled) == 0 {
		return nil
	}

	return s.scheduled[len(s.scheduled)-1]
}

// byNode returns the most recent transition scheduled for the node.
func (s *stubScheduler) byNode(nodeID string) *models.PendingTransition {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.scheduled) - 1; i >= 0; i-- {
		if s.scheduled[i].NodeID == nodeID {
			return s.scheduled[i]
		}
	}

	return nil
}

// terminalSender fails every dispatch with a non-retryable error.
type terminalSender struct{}

func (terminalSender) Dispatch(_ context.Context, req *dispatcher.Request) (*models.DeliveryResult, error) {
	return nil, &dispatcher.DispatchError{
		Channel:   req.Channel,
		Retryable: false,
		Err:       errors.New("recipient suppressed"),
	}
}

// selectiveSender fails terminally for one lead and records everything else.
type selectiveSender struct {
	failLeadID string
	recorder   *dispatcher.Recorder
}

func (s *selectiveSender) Dispatch(ctx context.Context, req *dispatcher.Request) (*models.DeliveryResult, error) {
	if req.Lead.ID == s.failLeadID {
		return nil, &dispatcher.DispatchError{Channel: req.Channel, Retryable: false, Err: errors.New("hard bounce")}
	}

	return s.recorder.Dispatch(ctx, req)
}

func triggerNode(id string, kind models.TriggerKind) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeTrigger, Name: id, Enabled: true,
		Trigger: &models.TriggerConfig{Kind: kind},
	}
}

func actionNode(id string, channel models.Channel, templateRef string) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeAction, Name: id, Enabled: true,
		Action: &models.ActionConfig{Channel: channel, TemplateRef: templateRef},
	}
}

func ruleActionNode(id string) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeAction, Name: id, Enabled: true,
		Action: &models.ActionConfig{UseRules: true},
	}
}

func delayNode(id string, hours int, businessHoursOnly bool) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeDelay, Name: id, Enabled: true,
		Delay: &models.DelayConfig{Duration: hours, Unit: models.DelayUnitHours, BusinessHoursOnly: businessHoursOnly},
	}
}

func conditionNode(id, expression string) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeCondition, Name: id, Enabled: true,
		Condition: &models.ConditionConfig{Expression: expression},
	}
}

func joinNode(id string, mode models.JoinMode) *models.Node {
	return &models.Node{
		ID: id, Type: models.NodeTypeJoin, Name: id, Enabled: true,
		Join: &models.JoinConfig{Mode: mode},
	}
}

func connect(from, to, label string) *models.Connection {
	return &models.Connection{ID: uuid.New().String(), FromNodeID: from, ToNodeID: to, Label: label}
}

func activeDefinition(nodes []*models.Node, conns []*models.Connection) *models.WorkflowDefinition {
	now := time.Now().UTC()

	return &models.WorkflowDefinition{
		ID:              uuid.New().String(),
		WorkflowGroupID: uuid.New().String(),
		Name:            "Welcome sequence",
		Version:         1,
		Status:          models.WorkflowStatusActive,
		Nodes:           nodes,
		Connections:     conns,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// welcomeDefinition wires trigger(new_lead) -> action(welcome email) ->
// delay(24h, business hours) -> condition(!opened){true -> social action,
// false -> end}.
func welcomeDefinition() *models.WorkflowDefinition {
	nodes := []*models.Node{
		triggerNode("t1", models.TriggerKindNewLead),
		actionNode("a1", models.ChannelEmail, "welcome-email"),
		delayNode("d1", 24, true),
		conditionNode("c1", "!signals.opened"),
		actionNode("a2", models.ChannelSocial, "social-connect"),
	}
	conns := []*models.Connection{
		connect("t1", "a1", models.BranchDefault),
		connect("a1", "d1", models.BranchDefault),
		connect("d1", "c1", models.BranchDefault),
		connect("c1", "a2", models.BranchTrue),
	}

	return activeDefinition(nodes, conns)
}

type engineFixture struct {
	engine      *Engine
	persist     *file.Persistence
	recorder    *dispatcher.Recorder
	transitions *stubScheduler
	lead        *models.Lead
}

func newFixture(t *testing.T, sender dispatcher.Sender) *engineFixture {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())
	transitions := &stubScheduler{}
	recorder, _ := sender.(*dispatcher.Recorder)

	logger := log.WithModule("test")
	eng := NewEngine(persist, sender, rules.NewEngine(logger), transitions, nil, "worker-test", logger).
		WithDispatchRetry(2, time.Millisecond)

	lead := &models.Lead{
		ID:       uuid.New().String(),
		Email:    "ana@example.com",
		Phone:    "+15551230000",
		Name:     "Ana Souza",
		Industry: "saas",
		Score:    70,
		Timezone: "UTC",
	}
	require.NoError(t, persist.LeadRepository().Save(context.Background(), lead))

	return &engineFixture{engine: eng, persist: persist, recorder: recorder, transitions: transitions, lead: lead}
}

func (f *engineFixture) saveDefinition(t *testing.T, def *models.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, f.persist.WorkflowRepository().Save(context.Background(), def))
}

func (f *engineFixture) reload(t *testing.T, instanceID string) *models.ExecutionInstance {
	t.Helper()

	instance, err := f.persist.InstanceRepository().GetByID(context.Background(), instanceID)
	require.NoError(t, err)

	return instance
}

func TestHandleEventRunsUntilDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{
		LeadID: f.lead.ID, EventType: "new_lead", Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, created, 1)

	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusWaiting, instance.Status)
	assert.Equal(t, "d1", instance.CurrentNodeID)
	assert.NotNil(t, instance.NextScheduledAt)

	require.Len(t, instance.Steps, 1)
	assert.Equal(t, "a1", instance.Steps[0].NodeID)
	assert.Equal(t, models.ChannelEmail, instance.Steps[0].Channel)

	requests := f.recorder.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "welcome-email", requests[0].ContentRef)

	require.NotNil(t, f.transitions.last())
	assert.Equal(t, "d1", f.transitions.last().NodeID)
}

func TestHandleEventDeduplicatesLiveInstances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	event := &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"}

	first, err := f.engine.HandleEvent(ctx, event)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.engine.HandleEvent(ctx, event)
	require.NoError(t, err)
	assert.Empty(t, second, "a lead gets at most one live instance per workflow group")
}

func TestResumeEvaluatesConditionAgainstSignals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// The welcome email went unopened, so the true branch sends the social
	// connect touch and the instance completes.
	require.NoError(t, f.engine.Resume(ctx, f.transitions.last()))

	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	require.Len(t, instance.Steps, 2)
	assert.Equal(t, models.ChannelSocial, instance.Steps[1].Channel)
}

func TestResumeFalseBranchWhenOpened(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// The lead opened the welcome email before the delay fired.
	require.NoError(t, f.engine.HandleEngagement(ctx, f.lead.ID, models.ResponseOpened, ""))

	require.NoError(t, f.engine.Resume(ctx, f.transitions.last()))

	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Len(t, instance.Steps, 1, "false branch has no further touches")
	require.NotNil(t, instance.Steps[0].Response)
	assert.Equal(t, models.ResponseOpened, instance.Steps[0].Response.Type)
}

func TestResumeStaleTransitionIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)

	transition := f.transitions.last()
	require.NoError(t, f.engine.Resume(ctx, transition))

	sent := len(f.recorder.Requests())

	// A duplicate fire of the same transition must not double-send or
	// double-advance.
	require.NoError(t, f.engine.Resume(ctx, transition))

	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Len(t, f.recorder.Requests(), sent)
}

func TestCancellationWinsOverDueFire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.NoError(t, f.engine.Cancel(ctx, created[0].ID, "lead unsubscribed"))

	sent := len(f.recorder.Requests())

	// The delay transition was already enqueued; firing it now must not
	// send anything.
	require.NoError(t, f.engine.Resume(ctx, f.transitions.last()))

	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCancelled, instance.Status)
	assert.NotNil(t, instance.CancelledAt)
	assert.Len(t, f.recorder.Requests(), sent)
	assert.Contains(t, f.transitions.cancelled, created[0].ID)
}

func TestTerminalInstanceReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	_, held := f.engine.locks.Load(created[0].ID)
	assert.True(t, held, "a live instance keeps its lock entry")

	require.NoError(t, f.engine.Resume(ctx, f.transitions.last()))

	instance := f.reload(t, created[0].ID)
	require.Equal(t, models.InstanceStatusCompleted, instance.Status)

	_, held = f.engine.locks.Load(created[0].ID)
	assert.False(t, held, "a finished instance must not pin a lock entry")
}

func TestCancelReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	require.NoError(t, f.engine.Cancel(ctx, created[0].ID, "lead unsubscribed"))

	_, held := f.engine.locks.Load(created[0].ID)
	assert.False(t, held)
}

// meddlingSender simulates a second process mutating the instance between
// this engine's load and its save.
type meddlingSender struct {
	recorder   *dispatcher.Recorder
	persist    *file.Persistence
	targetNode string
}

func (s *meddlingSender) Dispatch(ctx context.Context, req *dispatcher.Request) (*models.DeliveryResult, error) {
	if req.NodeID == s.targetNode {
		other, err := s.persist.InstanceRepository().GetByID(ctx, req.InstanceID)
		if err == nil {
			now := time.Now().UTC()
			other.Status = models.InstanceStatusCancelled
			other.CancelledAt = &now
			_ = s.persist.InstanceRepository().Save(ctx, other)
		}
	}

	return s.recorder.Dispatch(ctx, req)
}

func TestResumeYieldsToConcurrentWriter(t *testing.T) {
	ctx := context.Background()

	recorder := dispatcher.NewRecorder()
	f := newFixture(t, recorder)
	f.saveDefinition(t, welcomeDefinition())

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Another writer cancels the instance while the social touch is in
	// flight, so this engine's save carries a stale revision.
	f.engine.sender = &meddlingSender{recorder: recorder, persist: f.persist, targetNode: "a2"}

	require.NoError(t, f.engine.Resume(ctx, f.transitions.last()))

	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCancelled, instance.Status)
	assert.Len(t, instance.Steps, 1, "the losing writer's step must not land")
}

func TestRuleDrivenActionExhaustsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())

	// trigger -> rule-driven action with a default connection to a final
	// static touch.
	nodes := []*models.Node{
		triggerNode("t1", models.TriggerKindNewLead),
		ruleActionNode("ra1"),
		actionNode("bye", models.ChannelEmail, "breakup-email"),
	}
	conns := []*models.Connection{
		connect("t1", "ra1", models.BranchDefault),
		connect("ra1", "bye", models.BranchDefault),
	}
	f.saveDefinition(t, activeDefinition(nodes, conns))

	rule := &models.FollowUpRule{
		ID:          "r-nudge",
		Name:        "No-reply nudge",
		Trigger:     models.SignalNoReply,
		Delay:       48 * time.Hour,
		Channel:     models.ChannelEmail,
		TemplateRef: "nudge",
		MaxAttempts: 3,
		Enabled:     true,
	}
	require.NoError(t, f.persist.RuleRepository().Save(ctx, rule))

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Attempt 1 fired on entry; silence re-fires the node twice more.
	for range 2 {
		require.NoError(t, f.engine.Resume(ctx, f.transitions.last()))
	}

	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusWaiting, instance.Status)
	assert.Equal(t, 3, instance.RuleUses("r-nudge"))
	assert.Len(t, instance.Steps, 3)

	// The 4th visit finds the rule out of budget and follows the default
	// connection to the breakup touch.
	require.NoError(t, f.engine.Resume(ctx, f.transitions.last()))

	instance = f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	require.Len(t, instance.Steps, 4)
	assert.Equal(t, "bye", instance.Steps[3].NodeID)
	assert.Equal(t, 3, instance.RuleUses("r-nudge"))
}

func TestTerminalDispatchFailureIsIsolated(t *testing.T) {
	ctx := context.Background()

	recorder := dispatcher.NewRecorder()
	f := newFixture(t, recorder)

	other := &models.Lead{
		ID:       uuid.New().String(),
		Email:    "bob@example.com",
		Name:     "Bob",
		Timezone: "UTC",
	}
	require.NoError(t, f.persist.LeadRepository().Save(ctx, other))

	f.engine.sender = &selectiveSender{failLeadID: other.ID, recorder: recorder}
	f.saveDefinition(t, welcomeDefinition())

	healthy, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, healthy, 1)

	failing, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: other.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, failing, 1)

	failed := f.reload(t, failing[0].ID)
	assert.Equal(t, models.InstanceStatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "a1")

	// The sibling instance is untouched by the failure.
	sibling := f.reload(t, healthy[0].ID)
	assert.Equal(t, models.InstanceStatusWaiting, sibling.Status)
	assert.Equal(t, "d1", sibling.CurrentNodeID)
}

func TestActionFailureBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, terminalSender{})

	nodes := []*models.Node{
		triggerNode("t1", models.TriggerKindNewLead),
		actionNode("a1", models.ChannelEmail, "welcome-email"),
		actionNode("fallback", models.ChannelSMS, "welcome-sms"),
	}
	conns := []*models.Connection{
		connect("t1", "a1", models.BranchDefault),
		connect("a1", "fallback", models.BranchFailure),
	}
	f.saveDefinition(t, activeDefinition(nodes, conns))

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// The failure branch's send also fails terminally and has no further
	// failure branch, so the instance ends up failed at the fallback node.
	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusFailed, instance.Status)
	assert.Equal(t, "fallback", instance.CurrentNodeID)
	assert.Contains(t, instance.FailureReason, "fallback")
}

func TestTriggerFanOutOpensAllModeJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())

	// The trigger fans out into two action branches that reconverge on an
	// all-mode barrier.
	nodes := []*models.Node{
		triggerNode("t1", models.TriggerKindNewLead),
		actionNode("a1", models.ChannelEmail, "left"),
		actionNode("a2", models.ChannelSMS, "right"),
		joinNode("j1", models.JoinModeAll),
		actionNode("after", models.ChannelEmail, "after-join"),
	}
	conns := []*models.Connection{
		connect("t1", "a1", models.BranchDefault),
		connect("t1", "a2", models.BranchDefault),
		connect("a1", "j1", models.BranchDefault),
		connect("a2", "j1", models.BranchDefault),
		connect("j1", "after", models.BranchDefault),
	}
	f.saveDefinition(t, activeDefinition(nodes, conns))

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Both branches ran synchronously, so the barrier opened and the
	// instance finished in one pass with all three touches sent.
	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Empty(t, instance.WaitingNodes)
	require.Len(t, instance.Steps, 3)
	assert.Equal(t, "after", instance.Steps[2].NodeID)
	assert.Len(t, f.recorder.Requests(), 3)

	arrivals, err := f.persist.JoinArrivalRepository().Get(ctx, instance.ID, "j1")
	require.NoError(t, err)
	assert.Nil(t, arrivals, "barrier state is cleared after opening")
}

func TestJoinBarrierWaitsForAllBranches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())

	// Each branch holds a delay, so the barrier sees its arrivals one
	// scheduler fire at a time.
	nodes := []*models.Node{
		triggerNode("t1", models.TriggerKindNewLead),
		delayNode("dl", 1, false),
		delayNode("dr", 2, false),
		actionNode("a1", models.ChannelEmail, "left"),
		actionNode("a2", models.ChannelSMS, "right"),
		joinNode("j1", models.JoinModeAll),
		actionNode("after", models.ChannelEmail, "after-join"),
	}
	conns := []*models.Connection{
		connect("t1", "dl", models.BranchDefault),
		connect("t1", "dr", models.BranchDefault),
		connect("dl", "a1", models.BranchDefault),
		connect("dr", "a2", models.BranchDefault),
		connect("a1", "j1", models.BranchDefault),
		connect("a2", "j1", models.BranchDefault),
		connect("j1", "after", models.BranchDefault),
	}
	f.saveDefinition(t, activeDefinition(nodes, conns))

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Both branches parked on their delays; nothing sent yet.
	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusWaiting, instance.Status)
	assert.ElementsMatch(t, []string{"dl", "dr"}, instance.WaitingNodes)
	assert.Empty(t, f.recorder.Requests())

	// The left delay fires, its touch sends, and the barrier holds.
	require.NoError(t, f.engine.Resume(ctx, f.transitions.byNode("dl")))

	instance = f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusWaiting, instance.Status)
	assert.ElementsMatch(t, []string{"dr", "j1"}, instance.WaitingNodes)
	assert.Len(t, f.recorder.Requests(), 1)

	// The right delay fires, the barrier opens, and the instance finishes.
	require.NoError(t, f.engine.Resume(ctx, f.transitions.byNode("dr")))

	instance = f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)
	assert.Empty(t, instance.WaitingNodes)
	assert.Len(t, f.recorder.Requests(), 3)

	arrivals, err := f.persist.JoinArrivalRepository().Get(ctx, instance.ID, "j1")
	require.NoError(t, err)
	assert.Nil(t, arrivals, "barrier state is cleared after opening")
}

func TestJoinAnyLetsFirstBranchThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())

	nodes := []*models.Node{
		triggerNode("t1", models.TriggerKindNewLead),
		actionNode("a1", models.ChannelEmail, "left"),
		actionNode("a2", models.ChannelSMS, "right"),
		joinNode("j1", models.JoinModeAny),
		actionNode("after", models.ChannelEmail, "after-join"),
	}
	conns := []*models.Connection{
		connect("t1", "a1", models.BranchDefault),
		connect("t1", "a2", models.BranchDefault),
		connect("a1", "j1", models.BranchDefault),
		connect("a2", "j1", models.BranchDefault),
		connect("j1", "after", models.BranchDefault),
	}
	f.saveDefinition(t, activeDefinition(nodes, conns))

	created, err := f.engine.HandleEvent(ctx, &models.TriggerEvent{LeadID: f.lead.ID, EventType: "new_lead"})
	require.NoError(t, err)
	require.Len(t, created, 1)

	// Both branch touches send, but only the first arrival passes the
	// barrier, so the post-join touch goes out exactly once.
	instance := f.reload(t, created[0].ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)

	afterSends := 0
	for _, req := range f.recorder.Requests() {
		if req.ContentRef == "after-join" {
			afterSends++
		}
	}
	assert.Equal(t, 1, afterSends)
	assert.Len(t, f.recorder.Requests(), 3)
}

func TestDryRunRecordsWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, dispatcher.NewRecorder())

	def := welcomeDefinition()

	requests, steps, err := f.engine.DryRun(ctx, def, f.lead)
	require.NoError(t, err)

	// Delay is skipped and the unopened condition routes to the social
	// touch, so the preview holds both sends.
	require.Len(t, requests, 2)
	assert.Equal(t, "welcome-email", requests[0].ContentRef)
	assert.Equal(t, "social-connect", requests[1].ContentRef)
	require.Len(t, steps, 2)

	// Nothing was persisted and nothing was really dispatched.
	assert.Empty(t, f.recorder.Requests())
	assert.Empty(t, f.transitions.scheduled)
}
