package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store            *Store
	conv             string
	alice, bob, carl string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: New(),
		alice: uuid.NewString(),
		bob:   uuid.NewString(),
		carl:  uuid.NewString(),
	}
	f.conv = f.store.CreateConversation(model.ConversationGroup, "team", f.alice)
	f.store.AddParticipant(f.conv, f.alice, model.RoleAdmin)
	f.store.AddParticipant(f.conv, f.bob, model.RoleMember)
	f.store.AddParticipant(f.conv, f.carl, model.RoleMember)
	return f
}

func (f *fixture) send(t *testing.T, sender, content string) *model.Message {
	t.Helper()
	m, err := f.store.CreateMessage(context.Background(), model.NewMessage{
		ConversationID: f.conv,
		SenderID:       sender,
		Content:        content,
	})
	require.NoError(t, err)
	return m
}

func TestCreateMessage_SeedsSentForOthers(t *testing.T) {
	f := newFixture(t)
	m := f.send(t, f.alice, "hi")

	assert.Equal(t, model.MessageTypeText, m.Type)
	assert.False(t, m.CreatedAt.IsZero())

	st, ok := f.store.Status(m.ID, f.bob)
	require.True(t, ok)
	assert.Equal(t, model.StatusSent, st)
	_, ok = f.store.Status(m.ID, f.alice)
	assert.False(t, ok, "sender gets no status row")
	assert.Equal(t, 2, f.store.StatusRows())
}

func TestCreateMessage_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateMessage(ctx, model.NewMessage{ConversationID: f.conv, SenderID: uuid.NewString(), Content: "x"})
	assert.ErrorIs(t, err, repository.ErrNotParticipant)

	other := f.store.CreateConversation(model.ConversationPrivate, "", f.alice)
	f.store.AddParticipant(other, f.alice, model.RoleMember)
	foreign, err := f.store.CreateMessage(ctx, model.NewMessage{ConversationID: other, SenderID: f.alice, Content: "x"})
	require.NoError(t, err)

	_, err = f.store.CreateMessage(ctx, model.NewMessage{ConversationID: f.conv, SenderID: f.alice, Content: "re", ReplyToID: &foreign.ID})
	assert.ErrorIs(t, err, repository.ErrInvalidReply)

	missing := uuid.NewString()
	_, err = f.store.CreateMessage(ctx, model.NewMessage{ConversationID: f.conv, SenderID: f.alice, Content: "re", ReplyToID: &missing})
	assert.ErrorIs(t, err, repository.ErrInvalidReply)

	f.store.DeleteConversation(f.conv)
	_, err = f.store.CreateMessage(ctx, model.NewMessage{ConversationID: f.conv, SenderID: f.alice, Content: "x"})
	assert.ErrorIs(t, err, repository.ErrNotParticipant)
}

func TestQueryUndelivered_RecipientScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.send(t, f.alice, "one")
	m2 := f.send(t, f.carl, "two")
	f.send(t, f.bob, "own")

	got, err := f.store.QueryUndelivered(ctx, f.conv, f.bob)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, m1.ID, got[0].ID)
	assert.Equal(t, m2.ID, got[1].ID)

	changed, err := f.store.UpdateStatus(ctx, f.conv, []string{m1.ID}, f.bob, model.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, []string{m1.ID}, changed)

	got, err = f.store.QueryUndelivered(ctx, f.conv, f.bob)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m2.ID, got[0].ID)

	// Someone else's progress does not affect bob's backlog.
	got, err = f.store.QueryUndelivered(ctx, f.conv, f.carl)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestQueryUndelivered_SkipsBlockedAndDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Restrict(f.bob, f.alice, model.RelationBlock)
	f.store.Restrict(f.bob, f.carl, model.RelationMute)
	f.send(t, f.alice, "blocked")
	muted := f.send(t, f.carl, "muted still arrives")
	gone := f.send(t, f.carl, "deleted")
	f.store.SoftDeleteMessage(gone.ID)

	got, err := f.store.QueryUndelivered(ctx, f.conv, f.bob)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, muted.ID, got[0].ID)
}

func TestQueryUndelivered_NonParticipantEmpty(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.alice, "hi")

	got, err := f.store.QueryUndelivered(context.Background(), f.conv, uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestQueryUndelivered_OrderWithEqualTimestamps(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time { return fixed }
	var ids []string
	for _, c := range []string{"a", "b", "c", "d"} {
		ids = append(ids, f.send(t, f.alice, c).ID)
	}

	got, err := f.store.QueryUndelivered(context.Background(), f.conv, f.bob)
	require.NoError(t, err)
	var gotIDs []string
	for _, m := range got {
		gotIDs = append(gotIDs, m.ID)
	}
	assert.Equal(t, ids, gotIDs)
}

func TestUpdateStatus_Monotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, "hi")

	changed, err := f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, f.bob, model.StatusSeen)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, changed)

	changed, err = f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, f.bob, model.StatusDelivered)
	require.NoError(t, err)
	assert.Empty(t, changed)
	st, _ := f.store.Status(m.ID, f.bob)
	assert.Equal(t, model.StatusSeen, st)

	changed, err = f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, f.bob, model.StatusSeen)
	require.NoError(t, err)
	assert.Empty(t, changed, "idempotent")

	_, err = f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, f.bob, "read")
	assert.Error(t, err)
}

func TestUpdateStatus_ReturnsOnlyAdvanced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m1 := f.send(t, f.alice, "one")
	m2 := f.send(t, f.alice, "two")
	_, err := f.store.UpdateStatus(ctx, f.conv, []string{m1.ID}, f.bob, model.StatusSeen)
	require.NoError(t, err)

	changed, err := f.store.UpdateStatus(ctx, f.conv, []string{m1.ID, m2.ID, uuid.NewString()}, f.bob, model.StatusSeen)
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID}, changed)
}

func TestUpdateStatus_ScopedToConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dm := f.store.CreateConversation(model.ConversationPrivate, "", f.alice)
	f.store.AddParticipant(dm, f.alice, model.RoleMember)
	f.store.AddParticipant(dm, f.bob, model.RoleMember)
	private, err := f.store.CreateMessage(ctx, model.NewMessage{ConversationID: dm, SenderID: f.alice, Content: "psst"})
	require.NoError(t, err)

	changed, err := f.store.UpdateStatus(ctx, f.conv, []string{private.ID}, f.bob, model.StatusSeen)
	require.NoError(t, err)
	assert.Empty(t, changed)
	st, _ := f.store.Status(private.ID, f.bob)
	assert.Equal(t, model.StatusSent, st)
}

func TestUpdateStatus_RevivesWithoutDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, "hi")
	_, err := f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, f.bob, model.StatusSeen)
	require.NoError(t, err)
	f.store.SoftDeleteStatus(m.ID, f.bob)

	changed, err := f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, f.bob, model.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, changed)
	st, ok := f.store.Status(m.ID, f.bob)
	require.True(t, ok)
	assert.Equal(t, model.StatusSeen, st)
}

func TestUpdateStatus_IgnoresSenderAndOutsiders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, "hi")

	changed, err := f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, f.alice, model.StatusSeen)
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = f.store.UpdateStatus(ctx, f.conv, []string{m.ID, uuid.NewString()}, uuid.NewString(), model.StatusSeen)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 2, f.store.StatusRows())
}

func TestUpdateStatus_CreatesMissingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.alice, "before dave joined")
	dave := uuid.NewString()
	f.store.AddParticipant(f.conv, dave, model.RoleMember)

	// No seeded row: still counts as undelivered, and a mark creates it.
	got, err := f.store.QueryUndelivered(ctx, f.conv, dave)
	require.NoError(t, err)
	require.Len(t, got, 1)

	changed, err := f.store.UpdateStatus(ctx, f.conv, []string{m.ID}, dave, model.StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID}, changed)
	st, ok := f.store.Status(m.ID, dave)
	require.True(t, ok)
	assert.Equal(t, model.StatusDelivered, st)
}

func TestRestrictions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Restrict(f.bob, f.alice, model.RelationMute)
	f.store.Restrict(f.bob, f.alice, model.RelationBlock)
	f.store.Restrict(f.carl, f.alice, model.RelationMute)
	outsider := uuid.NewString()
	f.store.Restrict(outsider, f.alice, model.RelationBlock)

	rel, err := f.store.Restrictions(ctx, f.conv, f.alice)
	require.NoError(t, err)
	assert.Equal(t, map[string]model.Relation{
		f.bob:  model.RelationBlock,
		f.carl: model.RelationMute,
	}, rel)
}

func TestMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.store.IsParticipant(ctx, f.conv, f.bob)
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := f.store.GetParticipant(ctx, f.conv, f.alice)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, p.Role)

	f.store.RemoveParticipant(f.conv, f.bob)
	ok, err = f.store.IsParticipant(ctx, f.conv, f.bob)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.store.GetParticipant(ctx, f.conv, f.bob)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.store.CreateMessage(ctx, model.NewMessage{ConversationID: f.conv, SenderID: f.alice, Content: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
