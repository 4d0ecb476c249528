package inbox

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

var (
	alice = chat.Participant{ID: "alice", FirstName: "Alice"}
	bob   = chat.Participant{ID: "bob", FirstName: "Bob"}
	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestReconciler(active string) *Reconciler {
	r := NewReconciler(alice.ID)
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("%s%d", chat.SpeculativePrefix, n)
	}
	r.now = func() time.Time { return epoch }
	r.SetActive(active)
	return r
}

func echo(id, conv, content string, sender chat.Participant, at time.Time) chat.Message {
	s := sender
	return chat.Message{ID: id, ConversationID: conv, Sender: &s, Content: content, CreatedAt: at}
}

func ids(messages []chat.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestBeginSendAppendsSpeculativeEntry(t *testing.T) {
	r := newTestReconciler("c9")
	r.OnAuthoritativeMessage(echo("m1", "c9", "earlier", bob, epoch.Add(-time.Minute)))

	msg, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	assert.Equal(t, "temp-1", msg.ID)
	assert.True(t, msg.Speculative())
	assert.Equal(t, epoch, msg.CreatedAt)
	assert.Equal(t, []string{"m1", "temp-1"}, ids(r.Messages()))
}

func TestBeginSendRequiresActiveConversation(t *testing.T) {
	r := newTestReconciler("c9")

	_, err := r.BeginSend("c3", "hi", alice, nil)
	assert.ErrorIs(t, err, ErrInactiveConversation)
	assert.Nil(t, r.Messages())
}

func TestEchoReplacesSpeculativeInPlace(t *testing.T) {
	r := newTestReconciler("c9")
	r.OnAuthoritativeMessage(echo("m1", "c9", "earlier", bob, epoch.Add(-time.Minute)))
	_, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)
	r.OnAuthoritativeMessage(echo("m2", "c9", "later", bob, epoch.Add(time.Second)))

	outcome := r.OnAuthoritativeMessage(echo("m77", "c9", "hi", alice, epoch.Add(2*time.Second)))

	assert.Equal(t, OutcomeReplaced, outcome)
	assert.Equal(t, []string{"m1", "m77", "m2"}, ids(r.Messages()))
}

func TestUnmatchedEchoIsAppended(t *testing.T) {
	r := newTestReconciler("c9")
	r.OnAuthoritativeMessage(echo("m77", "c9", "hi", alice, epoch))

	outcome := r.OnAuthoritativeMessage(echo("m78", "c9", "yo", bob, epoch.Add(time.Second)))

	assert.Equal(t, OutcomeAppended, outcome)
	assert.Equal(t, []string{"m77", "m78"}, ids(r.Messages()))
}

func TestDuplicateEchoIsIgnored(t *testing.T) {
	r := newTestReconciler("c9")
	m := echo("m78", "c9", "yo", bob, epoch)

	assert.Equal(t, OutcomeAppended, r.OnAuthoritativeMessage(m))
	once := r.Messages()
	assert.Equal(t, OutcomeDuplicate, r.OnAuthoritativeMessage(m))

	assert.Equal(t, once, r.Messages())
}

func TestEchoForOtherConversationIsRouted(t *testing.T) {
	r := newTestReconciler("c9")
	_, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	outcome := r.OnAuthoritativeMessage(echo("m5", "c1", "hi", alice, epoch))

	assert.Equal(t, OutcomeRouted, outcome)
	assert.Equal(t, []string{"temp-1"}, ids(r.Messages()))
}

func TestEchoWithDifferentSenderDoesNotClaim(t *testing.T) {
	r := newTestReconciler("c9")
	_, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	r.OnAuthoritativeMessage(echo("m9", "c9", "hi", bob, epoch))

	assert.Equal(t, []string{"temp-1", "m9"}, ids(r.Messages()))
}

func TestEchoMatchedThroughReceiverFallback(t *testing.T) {
	r := newTestReconciler("c9")
	_, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	// no sender object or id; the counterpart as receiver makes the viewer the sender
	outcome := r.OnAuthoritativeMessage(chat.Message{ID: "m10", ConversationID: "c9", ReceiverID: "bob", Content: "hi", CreatedAt: epoch})

	assert.Equal(t, OutcomeReplaced, outcome)
	assert.Equal(t, []string{"m10"}, ids(r.Messages()))
}

func TestEchoWithoutResolvableSenderIsAppended(t *testing.T) {
	r := newTestReconciler("c9")
	_, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	outcome := r.OnAuthoritativeMessage(chat.Message{ID: "m11", ConversationID: "c9", Content: "hi", CreatedAt: epoch})

	assert.Equal(t, OutcomeAppended, outcome)
	assert.Equal(t, []string{"temp-1", "m11"}, ids(r.Messages()))
}

func TestRollbackRestoresPreviousList(t *testing.T) {
	for _, seed := range [][]chat.Message{
		nil,
		{echo("m1", "c9", "a", bob, epoch), echo("m2", "c9", "b", alice, epoch)},
	} {
		r := newTestReconciler("c9")
		for _, m := range seed {
			r.OnAuthoritativeMessage(m)
		}
		before := r.Messages()

		msg, err := r.BeginSend("c9", "hello", alice, nil)
		require.NoError(t, err)
		err = r.OnSendResolved(msg.ID, errors.New("503 from gateway"))

		assert.ErrorIs(t, err, ErrSendFailed)
		assert.Contains(t, err.Error(), "503 from gateway")
		assert.Equal(t, before, r.Messages())
	}
}

func TestSendSuccessLeavesListAlone(t *testing.T) {
	r := newTestReconciler("c9")
	msg, err := r.BeginSend("c9", "hello", alice, nil)
	require.NoError(t, err)

	assert.NoError(t, r.OnSendResolved(msg.ID, nil))
	assert.Equal(t, []string{"temp-1"}, ids(r.Messages()))
}

func TestSendConvergesInEitherOrder(t *testing.T) {
	confirmed := echo("m77", "c9", "hello", alice, epoch.Add(time.Second))

	t.Run("resolved then echoed", func(t *testing.T) {
		r := newTestReconciler("c9")
		msg, err := r.BeginSend("c9", "hello", alice, nil)
		require.NoError(t, err)
		require.NoError(t, r.OnSendResolved(msg.ID, nil))
		assert.Equal(t, OutcomeReplaced, r.Confirm(msg.ID, confirmed))
		assert.Equal(t, OutcomeDuplicate, r.OnAuthoritativeMessage(confirmed))

		assert.Equal(t, []chat.Message{confirmed}, r.Messages())
	})

	t.Run("echoed then resolved", func(t *testing.T) {
		r := newTestReconciler("c9")
		msg, err := r.BeginSend("c9", "hello", alice, nil)
		require.NoError(t, err)
		r.OnAuthoritativeMessage(confirmed)
		require.NoError(t, r.OnSendResolved(msg.ID, nil))
		assert.Equal(t, OutcomeDuplicate, r.Confirm(msg.ID, confirmed))

		assert.Equal(t, []chat.Message{confirmed}, r.Messages())
	})

	t.Run("echo after failure", func(t *testing.T) {
		r := newTestReconciler("c9")
		msg, err := r.BeginSend("c9", "hello", alice, nil)
		require.NoError(t, err)
		require.Error(t, r.OnSendResolved(msg.ID, errors.New("timeout")))
		r.OnAuthoritativeMessage(confirmed)

		assert.Equal(t, []chat.Message{confirmed}, r.Messages())
	})
}

func TestIdenticalSendsClaimOldestFirst(t *testing.T) {
	r := newTestReconciler("c9")
	_, err := r.BeginSend("c9", "ok", alice, nil)
	require.NoError(t, err)
	_, err = r.BeginSend("c9", "ok", alice, nil)
	require.NoError(t, err)

	r.OnAuthoritativeMessage(echo("m1", "c9", "ok", alice, epoch))
	assert.Equal(t, []string{"m1", "temp-2"}, ids(r.Messages()))

	r.OnAuthoritativeMessage(echo("m2", "c9", "ok", alice, epoch))
	assert.Equal(t, []string{"m1", "m2"}, ids(r.Messages()))
}

func TestSetActiveDropsList(t *testing.T) {
	r := newTestReconciler("c9")
	r.OnAuthoritativeMessage(echo("m1", "c9", "a", bob, epoch))

	r.SetActive("c9")
	assert.Len(t, r.Messages(), 1)

	r.SetActive("c1")
	assert.Nil(t, r.Messages())
	assert.Equal(t, "c1", r.Active())
}

func TestHydrateOrdersHistoryAndKeepsLiveEntries(t *testing.T) {
	r := newTestReconciler("c9")
	r.OnAuthoritativeMessage(echo("m3", "c9", "live", bob, epoch.Add(time.Minute)))
	_, err := r.BeginSend("c9", "pending", alice, nil)
	require.NoError(t, err)

	r.Hydrate("c9", []chat.Message{
		echo("m2", "c9", "second", alice, epoch.Add(-time.Minute)),
		echo("m1", "c9", "first", bob, epoch.Add(-2*time.Minute)),
		echo("m2", "c9", "second", alice, epoch.Add(-time.Minute)),
		echo("x1", "c4", "elsewhere", bob, epoch),
	})

	assert.Equal(t, []string{"m1", "m2", "m3", "temp-1"}, ids(r.Messages()))
}

func TestHydrateClaimsConfirmedSpeculative(t *testing.T) {
	r := newTestReconciler("c9")
	_, err := r.BeginSend("c9", "hello", alice, nil)
	require.NoError(t, err)

	r.Hydrate("c9", []chat.Message{
		echo("m1", "c9", "hi", bob, epoch.Add(-time.Minute)),
		echo("m2", "c9", "hello", alice, epoch.Add(time.Second)),
	})
	assert.Equal(t, []string{"m1", "m2"}, ids(r.Messages()))

	// the echo that follows is a duplicate
	assert.Equal(t, OutcomeDuplicate, r.OnAuthoritativeMessage(echo("m2", "c9", "hello", alice, epoch.Add(time.Second))))
	assert.Len(t, r.Messages(), 2)
}

func TestHydrateIgnoresOldIdenticalMessage(t *testing.T) {
	r := newTestReconciler("c9")
	_, err := r.BeginSend("c9", "ok", alice, nil)
	require.NoError(t, err)

	r.Hydrate("c9", []chat.Message{
		echo("m1", "c9", "ok", alice, epoch.Add(-time.Hour)),
	})

	assert.Equal(t, []string{"m1", "temp-1"}, ids(r.Messages()))
}

func TestHydrateDoesNotReclaimListedMessage(t *testing.T) {
	r := newTestReconciler("c9")
	r.OnAuthoritativeMessage(echo("m1", "c9", "ok", alice, epoch))
	_, err := r.BeginSend("c9", "ok", alice, nil)
	require.NoError(t, err)

	r.Hydrate("c9", []chat.Message{echo("m1", "c9", "ok", alice, epoch)})

	assert.Equal(t, []string{"m1", "temp-1"}, ids(r.Messages()))
}

func TestHydrateForInactiveConversationIsIgnored(t *testing.T) {
	r := newTestReconciler("c9")
	r.Hydrate("c1", []chat.Message{echo("m1", "c1", "a", bob, epoch)})
	assert.Nil(t, r.Messages())
}

func TestConfirmReplacesOwnEntry(t *testing.T) {
	r := newTestReconciler("c9")
	first, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)
	second, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeReplaced, r.Confirm(second.ID, echo("m2", "c9", "hi", alice, epoch)))
	assert.Equal(t, []string{first.ID, "m2"}, ids(r.Messages()))
}

func TestConfirmForOtherConversationIsRouted(t *testing.T) {
	r := newTestReconciler("c9")
	msg, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRouted, r.Confirm(msg.ID, echo("m1", "c2", "hi", alice, epoch)))
	assert.Equal(t, []string{msg.ID}, ids(r.Messages()))
}

func TestIdenticalSendsSettleOutOfOrder(t *testing.T) {
	second := echo("m2", "c9", "hi", alice, epoch.Add(time.Second))

	t.Run("later send confirmed before earlier fails", func(t *testing.T) {
		r := newTestReconciler("c9")
		first, err := r.BeginSend("c9", "hi", alice, nil)
		require.NoError(t, err)
		next, err := r.BeginSend("c9", "hi", alice, nil)
		require.NoError(t, err)

		r.Confirm(next.ID, second)
		require.Error(t, r.OnSendResolved(first.ID, errors.New("rejected")))
		r.OnAuthoritativeMessage(second)

		assert.Equal(t, []chat.Message{second}, r.Messages())
	})

	t.Run("echo claims earlier entry then earlier fails", func(t *testing.T) {
		r := newTestReconciler("c9")
		first, err := r.BeginSend("c9", "hi", alice, nil)
		require.NoError(t, err)
		next, err := r.BeginSend("c9", "hi", alice, nil)
		require.NoError(t, err)

		r.OnAuthoritativeMessage(second)
		require.Error(t, r.OnSendResolved(first.ID, errors.New("rejected")))
		assert.Equal(t, []chat.Message{second}, r.Messages())

		r.Confirm(next.ID, second)
		assert.Equal(t, []chat.Message{second}, r.Messages())
	})

	t.Run("echo claims earlier entry then both confirm", func(t *testing.T) {
		firstStored := echo("m1", "c9", "hi", alice, epoch)
		r := newTestReconciler("c9")
		first, err := r.BeginSend("c9", "hi", alice, nil)
		require.NoError(t, err)
		next, err := r.BeginSend("c9", "hi", alice, nil)
		require.NoError(t, err)

		r.OnAuthoritativeMessage(second)
		r.Confirm(next.ID, second)
		r.Confirm(first.ID, firstStored)
		r.OnAuthoritativeMessage(firstStored)

		assert.ElementsMatch(t, []string{"m1", "m2"}, ids(r.Messages()))
		for _, m := range r.Messages() {
			assert.False(t, m.Speculative(), m.ID)
		}
	})
}

func TestFailureAfterHydrateClaimRemovesStandIn(t *testing.T) {
	r := newTestReconciler("c9")
	first, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)
	next, err := r.BeginSend("c9", "hi", alice, nil)
	require.NoError(t, err)

	stored := echo("m2", "c9", "hi", alice, epoch.Add(time.Second))
	r.Hydrate("c9", []chat.Message{stored})
	require.Equal(t, []string{"m2", next.ID}, ids(r.Messages()))

	require.Error(t, r.OnSendResolved(first.ID, errors.New("rejected")))
	assert.Equal(t, []chat.Message{stored}, r.Messages())
}
