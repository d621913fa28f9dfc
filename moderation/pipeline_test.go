package moderation

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/pkg/metrics"
	"github.com/migadu/listd/rules"
)

type fakeRule struct {
	name   string
	record bool
	hit    bool
	err    error
	panics bool
	calls  *int
}

func (r fakeRule) Name() string        { return r.name }
func (r fakeRule) Description() string { return r.name + " matched" }
func (r fakeRule) Record() bool        { return r.record }
func (r fakeRule) Check(ctx context.Context, ml *mailinglist.MailingList, msg *rules.Message, meta *rules.Metadata) (bool, error) {
	if r.calls != nil {
		*r.calls++
	}
	if r.panics {
		panic("rule exploded")
	}
	return r.hit, r.err
}

func newTestRegistry(t *testing.T, extra ...rules.Rule) *rules.Registry {
	t.Helper()
	reg := rules.NewRegistry()
	require.NoError(t, rules.InitializeRules(reg, rules.Options{}))
	for _, r := range extra {
		require.NoError(t, reg.Register(r))
	}
	return reg
}

func testList(t *testing.T, ruleNames ...string) *mailinglist.MailingList {
	t.Helper()
	ml, err := mailinglist.New("dev@lists.example.org")
	require.NoError(t, err)
	if len(ruleNames) > 0 {
		ml.Rules = ruleNames
	}
	return ml
}

func testMessage(t *testing.T, extraHeaders string) *rules.Message {
	t.Helper()
	raw := "From: anne@example.com\r\n" +
		"To: dev@lists.example.org\r\n" +
		"Subject: Hello\r\n" +
		"Message-ID: <m1@example.com>\r\n" +
		extraHeaders +
		"\r\n" +
		"Just a post.\r\n"
	msg, err := rules.ParseMessage("anne@example.com", "dev@lists.example.org", []byte(raw))
	require.NoError(t, err)
	return msg
}

func memberMeta() *rules.Metadata {
	return rules.NewMetadata(rules.Sender{Address: "anne@example.com", Role: rules.SenderMember})
}

func TestPipelineAcceptsCleanMemberPost(t *testing.T) {
	metrics.MessagesEvaluated.Reset()
	p := NewPipeline(newTestRegistry(t))
	ml := testList(t)

	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), memberMeta())
	require.NoError(t, err)
	assert.Equal(t, Accept, decision.Disposition)
	assert.Empty(t, decision.HitRules)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.MessagesEvaluated.WithLabelValues("accept")))
}

func TestPipelineEmergencyHolds(t *testing.T) {
	p := NewPipeline(newTestRegistry(t))
	ml := testList(t)
	ml.Emergency = true

	meta := memberMeta()
	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), meta)
	require.NoError(t, err)
	assert.Equal(t, Hold, decision.Disposition)
	assert.Equal(t, []string{"emergency"}, decision.HitRules)
	assert.Equal(t, meta.HitRules, decision.HitRules)
	require.Len(t, decision.Reasons, 1)
	assert.Contains(t, decision.Reasons[0], "emergency: ")
	assert.Contains(t, meta.MissRules, "approved")
}

func TestPipelineApprovalBeforeEmergency(t *testing.T) {
	p := NewPipeline(newTestRegistry(t))
	ml := testList(t)
	ml.Emergency = true
	ml.DefaultNonmemberAction = mailinglist.ActionHold
	require.NoError(t, mailinglist.NewAttributes(mailinglist.AttributeOptions{}).
		Patch(ml, map[string]string{"moderator_password": "letmein"}))

	meta := rules.NewMetadata(rules.Sender{Address: "anne@example.com"})
	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, "Approved: letmein\r\n"), meta)
	require.NoError(t, err)

	assert.True(t, meta.ModeratorApproved)
	assert.Equal(t, []string{"approved"}, decision.HitRules)
	assert.Equal(t, Accept, decision.Disposition)
}

func TestPipelineUnknownRuleFailsBeforeRunning(t *testing.T) {
	calls := 0
	reg := newTestRegistry(t, fakeRule{name: "counter", record: true, calls: &calls})
	p := NewPipeline(reg)
	ml := testList(t, "counter", "does_not_exist")

	_, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), memberMeta())
	var unknown *rules.UnknownRuleError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "does_not_exist", unknown.Name)
	assert.Equal(t, 0, calls)
}

func TestPipelineNonRecordingRuleNotInHits(t *testing.T) {
	p := NewPipeline(newTestRegistry(t))
	ml := testList(t, "truth")

	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), memberMeta())
	require.NoError(t, err)
	assert.Empty(t, decision.HitRules)
	assert.Equal(t, Accept, decision.Disposition)
}

func TestPipelineAccumulatesAllHitsByDefault(t *testing.T) {
	reg := newTestRegistry(t,
		fakeRule{name: "first", record: true, hit: true},
		fakeRule{name: "second", record: true, hit: true},
	)
	p := NewPipeline(reg)
	ml := testList(t, "first", "second", "any")
	ml.RuleActions = map[string]mailinglist.Action{"second": mailinglist.ActionDiscard}

	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), memberMeta())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, decision.HitRules)
	assert.Equal(t, Discard, decision.Disposition)
	assert.Len(t, decision.Reasons, 2)
}

func TestPipelineHoldFirstMatchStops(t *testing.T) {
	calls := 0
	reg := newTestRegistry(t,
		fakeRule{name: "accepting", record: true, hit: true},
		fakeRule{name: "holding", record: true, hit: true},
		fakeRule{name: "later", record: true, hit: true, calls: &calls},
	)
	p := NewPipeline(reg)
	ml := testList(t, "accepting", "holding", "later")
	ml.HoldFirstMatch = true
	ml.RuleActions = map[string]mailinglist.Action{"accepting": mailinglist.ActionAccept}

	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), memberMeta())
	require.NoError(t, err)
	assert.Equal(t, []string{"accepting", "holding"}, decision.HitRules)
	assert.Equal(t, Hold, decision.Disposition)
	assert.Equal(t, 0, calls)
}

func TestPipelineHoldFirstMatchStopsAtEmergency(t *testing.T) {
	calls := 0
	reg := newTestRegistry(t, fakeRule{name: "later", record: true, hit: true, calls: &calls})
	p := NewPipeline(reg)
	ml := testList(t, "emergency", "later")
	ml.Emergency = true
	ml.HoldFirstMatch = true
	ml.RuleActions = map[string]mailinglist.Action{"emergency": mailinglist.ActionAccept}

	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), memberMeta())
	require.NoError(t, err)
	assert.Equal(t, []string{"emergency"}, decision.HitRules)
	assert.Equal(t, Hold, decision.Disposition)
	assert.Equal(t, 0, calls)
	assert.Equal(t, mailinglist.ActionHold, p.resolver.ActionFor("emergency", memberMeta().Sender, ml))
}

func TestPipelineContainsFaults(t *testing.T) {
	metrics.RuleFaults.Reset()
	reg := newTestRegistry(t,
		fakeRule{name: "erroring", record: true, err: errors.New("backend gone")},
		fakeRule{name: "panicking", record: true, panics: true},
		fakeRule{name: "fine", record: true, hit: true},
	)
	p := NewPipeline(reg)
	ml := testList(t, "erroring", "panicking", "fine")
	ml.RuleActions = map[string]mailinglist.Action{"fine": mailinglist.ActionAccept}

	meta := memberMeta()
	decision, err := p.Evaluate(context.Background(), ml, testMessage(t, ""), meta)
	require.NoError(t, err)

	assert.Equal(t, Accept, decision.Disposition, "faults default to defer")
	assert.Equal(t, []string{"fine"}, decision.HitRules)
	assert.Equal(t, []string{"rule_fault:erroring", "rule_fault:panicking"}, decision.Faults)
	assert.Contains(t, decision.Reasons, "rule_fault:erroring")
	assert.Contains(t, meta.MissRules, "erroring")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RuleFaults.WithLabelValues("panicking")))

	ml.RuleFaultAction = mailinglist.ActionHold
	decision, err = p.Evaluate(context.Background(), ml, testMessage(t, ""), memberMeta())
	require.NoError(t, err)
	assert.Equal(t, Hold, decision.Disposition)
}

func TestPipelineHonorsCancellation(t *testing.T) {
	p := NewPipeline(newTestRegistry(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Evaluate(ctx, testList(t), testMessage(t, ""), memberMeta())
	assert.ErrorIs(t, err, context.Canceled)
}
