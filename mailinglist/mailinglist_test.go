package mailinglist

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	ml, err := New("Dev@Example.org")
	require.NoError(t, err)

	assert.Equal(t, "dev.example.org", ml.ListID)
	assert.Equal(t, "dev@example.org", ml.PostingAddress())
	assert.Equal(t, "dev-request@example.org", ml.RequestAddress())
	assert.Equal(t, "dev-confirm+abc@example.org", ml.ConfirmAddress("abc"))
	assert.Equal(t, PolicyConfirm, ml.SubscriptionPolicy)
	assert.Equal(t, ActionDefer, ml.DefaultMemberAction)
	assert.Equal(t, ActionHold, ml.DefaultNonmemberAction)
	assert.Equal(t, DefaultRules, ml.Rules)
	assert.False(t, ml.HoldFirstMatch)
	assert.Equal(t, int64(1), ml.Version)
}

func TestNewRejectsBadAddress(t *testing.T) {
	_, err := New("not-an-address")
	assert.Error(t, err)

	_, err = New("dev+x@example.org")
	assert.Error(t, err)
}

func TestListIDFromAddress(t *testing.T) {
	id, err := ListIDFromAddress("<Ann@Lists.Example.com>")
	require.NoError(t, err)
	assert.Equal(t, "ann.lists.example.com", id)
}

func TestActionSeverity(t *testing.T) {
	assert.Equal(t, ActionDefer.Severity(), ActionAccept.Severity())
	assert.Less(t, ActionAccept.Severity(), ActionHold.Severity())
	assert.Less(t, ActionHold.Severity(), ActionReject.Severity())
	assert.Less(t, ActionReject.Severity(), ActionDiscard.Severity())
	assert.False(t, ActionDefer.Moderates())
	assert.True(t, ActionHold.Moderates())
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    Action
		wantErr bool
	}{
		{"hold", ActionHold, false},
		{" Reject ", ActionReject, false},
		{"DISCARD", ActionDiscard, false},
		{"defer", ActionDefer, false},
		{"bounce", ActionDefer, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAction(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSubscriptionPolicy(t *testing.T) {
	p, err := ParseSubscriptionPolicy("confirm-then-moderate")
	require.NoError(t, err)
	assert.Equal(t, PolicyConfirmThenModerate, p)
	assert.True(t, p.NeedsConfirmation())
	assert.True(t, p.NeedsApproval())

	assert.False(t, PolicyOpen.NeedsConfirmation())
	assert.False(t, PolicyOpen.NeedsApproval())

	_, err = ParseSubscriptionPolicy("whenever")
	assert.Error(t, err)
}

func TestJSONEncodesEnumsByName(t *testing.T) {
	ml, err := New("dev@example.org")
	require.NoError(t, err)
	ml.RuleActions["max_size"] = ActionReject

	data, err := json.Marshal(ml)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"subscription_policy":"confirm"`)
	assert.Contains(t, string(data), `"default_nonmember_action":"hold"`)
	assert.Contains(t, string(data), `"max_size":"reject"`)

	var decoded MailingList
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ActionReject, decoded.RuleActions["max_size"])
	assert.Equal(t, ml.Rules, decoded.Rules)
}

func TestCloneIsDeep(t *testing.T) {
	ml, err := New("dev@example.org")
	require.NoError(t, err)
	ml.BannedAddresses = []string{"spam@example.com"}

	c := ml.Clone()
	c.Rules[0] = "changed"
	c.BannedAddresses[0] = "other@example.com"
	c.RuleActions["loop"] = ActionDiscard

	assert.Equal(t, "approved", ml.Rules[0])
	assert.Equal(t, "spam@example.com", ml.BannedAddresses[0])
	_, ok := ml.RuleActions["loop"]
	assert.False(t, ok)
}
