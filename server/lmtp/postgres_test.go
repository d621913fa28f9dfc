package lmtp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/subscriptions"
	"github.com/migadu/listd/testutils"
)

func TestIntakeOnPostgres(t *testing.T) {
	database := testutils.SetupTestDatabase(t)
	blobs, err := testutils.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	f := buildFixture(t, backingStores{
		lists: database, members: database, pending: database, users: database,
		held: database, blobs: blobs,
	})
	ctx := context.Background()

	got := f.deliver(t, "zoe@example.net", []string{"dev@example.org"}, post("zoe@example.net", "<pg1@example.net>", "Hi"))
	require.NoError(t, got["dev@example.org"])
	held, err := f.holds.List(ctx, f.list.ListID)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, 1, blobs.Count())

	join := "From: bart@example.com\r\nTo: dev-join@example.org\r\nSubject: join\r\n\r\n"
	got = f.deliver(t, "bart@example.com", []string{"dev-join@example.org"}, join)
	require.NoError(t, got["dev-join@example.org"])

	pending, err := f.registrar.Pending(ctx, f.list.ListID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	confirmAddr := f.list.ConfirmAddress(pending[0].Token)
	got = f.deliver(t, "bart@example.com", []string{confirmAddr}, "From: bart@example.com\r\nSubject: ok\r\n\r\n")
	require.NoError(t, got[confirmAddr])

	m, err := f.service.FindMember(ctx, subscriptions.MemberQuery{
		Subscriber: "bart@example.com", ListID: f.list.ListID, Role: subscriptions.RoleQuery(subscriptions.RoleMember),
	})
	require.NoError(t, err)
	assert.NotNil(t, m)
}
