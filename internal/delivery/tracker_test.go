package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/socialchat/internal/model"
	"github.com/socialchat/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore captures UpdateStatus batches.
type recordingStore struct {
	batches   [][]string
	backlog   []model.Message
	failAfter int
}

func (s *recordingStore) QueryUndelivered(ctx context.Context, conversationID, recipientID string) ([]model.Message, error) {
	return s.backlog, nil
}

func (s *recordingStore) UpdateStatus(ctx context.Context, conversationID string, ids []string, recipientID string, status model.DeliveryStatus) ([]string, error) {
	if s.failAfter > 0 && len(s.batches) >= s.failAfter {
		return nil, errors.New("connection reset")
	}
	s.batches = append(s.batches, append([]string(nil), ids...))
	return ids, nil
}

type allowAll struct{ err error }

func (o allowAll) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return o.err == nil, o.err
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = uuid.NewString()
	}
	return out
}

func TestAdvance_ChunksAndDedupes(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(store, allowAll{})
	in := ids(MaxBatch + 20)
	in = append(in, in[0], "", in[1])

	changed, err := tr.MarkDelivered(context.Background(), uuid.NewString(), in, uuid.NewString())
	require.NoError(t, err)
	assert.Len(t, changed, MaxBatch+20)
	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0], MaxBatch)
	assert.Len(t, store.batches[1], 20)
}

func TestAdvance_EmptyIsNoop(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(store, allowAll{})

	changed, err := tr.MarkSeen(context.Background(), uuid.NewString(), nil, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, changed)
	changed, err = tr.MarkSeen(context.Background(), uuid.NewString(), []string{"", ""}, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Empty(t, store.batches)
}

func TestAdvance_PartialFailure(t *testing.T) {
	store := &recordingStore{failAfter: 1}
	tr := NewTracker(store, allowAll{})

	changed, err := tr.MarkSeen(context.Background(), uuid.NewString(), ids(MaxBatch+1), uuid.NewString())
	require.Error(t, err)
	assert.Len(t, changed, MaxBatch)
}

func TestUndeliveredFor_SortsByCreationThenSeq(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &recordingStore{backlog: []model.Message{
		{ID: "c", Seq: 3, CreatedAt: base.Add(time.Second)},
		{ID: "b", Seq: 2, CreatedAt: base},
		{ID: "a", Seq: 1, CreatedAt: base},
	}}
	tr := NewTracker(store, allowAll{})

	got, err := tr.UndeliveredFor(context.Background(), uuid.NewString(), uuid.NewString())
	require.NoError(t, err)
	var order []string
	for _, m := range got {
		order = append(order, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestUndeliveredFor_MembershipError(t *testing.T) {
	tr := NewTracker(&recordingStore{}, allowAll{err: errors.New("db down")})
	_, err := tr.UndeliveredFor(context.Background(), uuid.NewString(), uuid.NewString())
	assert.Error(t, err)
}

func TestTracker_WithMemoryStore(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	alice, bob := uuid.NewString(), uuid.NewString()
	conv := mem.CreateConversation(model.ConversationPrivate, "", alice)
	mem.AddParticipant(conv, alice, model.RoleMember)
	mem.AddParticipant(conv, bob, model.RoleMember)
	tr := NewTracker(mem, mem)

	var sent []string
	for i := 0; i < 3; i++ {
		m, err := mem.CreateMessage(ctx, model.NewMessage{ConversationID: conv, SenderID: alice, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}

	backlog, err := tr.UndeliveredFor(ctx, conv, bob)
	require.NoError(t, err)
	require.Len(t, backlog, 3)

	changed, err := tr.MarkSeen(ctx, conv, sent[:1], bob)
	require.NoError(t, err)
	assert.Equal(t, sent[:1], changed)

	// seen is never pulled back to delivered
	changed, err = tr.MarkDelivered(ctx, conv, sent, bob)
	require.NoError(t, err)
	assert.Equal(t, sent[1:], changed)
	st, _ := mem.Status(sent[0], bob)
	assert.Equal(t, model.StatusSeen, st)

	backlog, err = tr.UndeliveredFor(ctx, conv, bob)
	require.NoError(t, err)
	assert.Empty(t, backlog)

	outsider, err := tr.UndeliveredFor(ctx, conv, uuid.NewString())
	require.NoError(t, err)
	assert.Empty(t, outsider)

	other := mem.CreateConversation(model.ConversationPrivate, "", alice)
	mem.AddParticipant(other, alice, model.RoleMember)
	mem.AddParticipant(other, bob, model.RoleMember)
	foreign, err := mem.CreateMessage(ctx, model.NewMessage{ConversationID: other, SenderID: alice, Content: "elsewhere"})
	require.NoError(t, err)
	changed, err = tr.MarkSeen(ctx, conv, []string{foreign.ID}, bob)
	require.NoError(t, err)
	assert.Empty(t, changed)
	st, _ = mem.Status(foreign.ID, bob)
	assert.Equal(t, model.StatusSent, st)
}
