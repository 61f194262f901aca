package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay-backend/internal/models"
)

// memMessageRepo keeps messages in insertion order and sorts by timestamp on read.
type memMessageRepo struct {
	mu        sync.Mutex
	rows      []models.ChatMessage
	createErr func(msg *models.ChatMessage) error
	listErr   error
}

func (r *memMessageRepo) Create(ctx context.Context, msg *models.ChatMessage) error {
	if r.createErr != nil {
		if err := r.createErr(msg); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, *msg)
	return nil
}

func (r *memMessageRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ChatMessage, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChatMessage, 0)
	for _, m := range r.rows {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (r *memMessageRepo) count(userID uuid.UUID, sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.rows {
		if m.UserID == userID && m.Sender == sender {
			n++
		}
	}
	return n
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]CompletionMessage
	reply string
	err   error
	block bool
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []CompletionMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]CompletionMessage(nil), messages...))
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) lastCall() []CompletionMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.ChatMessage
}

func (p *recordingPublisher) PublishMessage(ctx context.Context, userID uuid.UUID, msg models.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

// steppingClock advances one second per call so timestamps are strictly increasing.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func newTestChatService(repo *memMessageRepo, completer Completer, locker TurnLocker) *ChatService {
	svc := NewChatService(repo, completer, locker, nil, time.Second, newTestLogger())
	svc.now = steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return svc
}

func seedHistory(repo *memMessageRepo, userID uuid.UUID, username string) {
	base := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	repo.rows = append(repo.rows,
		models.ChatMessage{ID: uuid.New(), Sender: username, Content: "hi", Timestamp: base, UserID: userID},
		models.ChatMessage{ID: uuid.New(), Sender: models.ModelSender, Content: "hello", Timestamp: base.Add(time.Second), UserID: userID},
	)
}

func TestSend_AppendsTurnAndReply(t *testing.T) {
	repo := &memMessageRepo{}
	completer := &fakeCompleter{reply: "I'm fine"}
	svc := newTestChatService(repo, completer, nil)
	id := models.Identity{UserID: uuid.New(), Username: "alice"}
	seedHistory(repo, id.UserID, "alice")

	reply, err := svc.Send(context.Background(), id, models.ChatRequest{Role: "user", Content: "how are you"})
	require.NoError(t, err)
	assert.Equal(t, "I'm fine", reply)

	// The model saw the prior history plus the new turn exactly once, last.
	assert.Equal(t, []CompletionMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleUser, Content: "how are you"},
	}, completer.lastCall())

	assert.Equal(t, 2, repo.count(id.UserID, "alice"))
	assert.Equal(t, 2, repo.count(id.UserID, models.ModelSender))

	history, err := svc.History(context.Background(), id.UserID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	roles := make([]string, 0, 4)
	contents := make([]string, 0, 4)
	for i, h := range history {
		roles = append(roles, h.Role)
		contents = append(contents, h.Content)
		if i > 0 {
			assert.False(t, h.Timestamp.Before(history[i-1].Timestamp), "history must be oldest first")
		}
	}
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, roles)
	assert.Equal(t, []string{"hi", "hello", "how are you", "I'm fine"}, contents)
}

func TestSend_NewTurnAppearsOnceEvenIfStoreOrdersItEarlier(t *testing.T) {
	repo := &memMessageRepo{}
	completer := &fakeCompleter{reply: "ok"}
	svc := newTestChatService(repo, completer, nil)
	// A clock behind the seeded history sorts the new row first on read.
	svc.now = steppingClock(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	id := models.Identity{UserID: uuid.New(), Username: "alice"}
	seedHistory(repo, id.UserID, "alice")

	_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: "new"})
	require.NoError(t, err)

	call := completer.lastCall()
	require.Len(t, call, 3)
	assert.Equal(t, "new", call[2].Content)
	for _, m := range call[:2] {
		assert.NotEqual(t, "new", m.Content)
	}
}

func TestSend_SenderFallsBackToRoleWithoutUsername(t *testing.T) {
	repo := &memMessageRepo{}
	svc := newTestChatService(repo, &fakeCompleter{reply: "ok"}, nil)
	id := models.Identity{UserID: uuid.New()}

	_, err := svc.Send(context.Background(), id, models.ChatRequest{Role: "guest", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.count(id.UserID, "guest"))
}

func TestSend_UpstreamFailureKeepsUserTurn(t *testing.T) {
	repo := &memMessageRepo{}
	svc := newTestChatService(repo, &fakeCompleter{err: errors.New("503 from provider")}, nil)
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: "hello?"})

	var uErr *UpstreamError
	require.ErrorAs(t, err, &uErr)
	assert.False(t, uErr.Timeout)
	assert.Equal(t, 1, repo.count(id.UserID, "alice"))
	assert.Equal(t, 0, repo.count(id.UserID, models.ModelSender))

	// An unanswered turn is a valid state: the next turn still replays it.
	completer := &fakeCompleter{reply: "sorry, here now"}
	svc.completer = completer
	_, err = svc.Send(context.Background(), id, models.ChatRequest{Content: "still there?"})
	require.NoError(t, err)
	assert.Equal(t, []CompletionMessage{
		{Role: models.RoleUser, Content: "hello?"},
		{Role: models.RoleUser, Content: "still there?"},
	}, completer.lastCall())
}

func TestSend_UpstreamTimeout(t *testing.T) {
	repo := &memMessageRepo{}
	svc := newTestChatService(repo, &fakeCompleter{block: true}, nil)
	svc.timeout = 20 * time.Millisecond
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: "hi"})

	var uErr *UpstreamError
	require.ErrorAs(t, err, &uErr)
	assert.True(t, uErr.Timeout)
	assert.Equal(t, 1, repo.count(id.UserID, "alice"))
	assert.Equal(t, 0, repo.count(id.UserID, models.ModelSender))
}

func TestSend_EmptyReplyIsUpstreamError(t *testing.T) {
	repo := &memMessageRepo{}
	svc := newTestChatService(repo, &fakeCompleter{reply: "   "}, nil)
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: "hi"})

	var uErr *UpstreamError
	require.ErrorAs(t, err, &uErr)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
	assert.Equal(t, 0, repo.count(id.UserID, models.ModelSender))
}

func TestSend_StoreFailureOnUserTurnSkipsModel(t *testing.T) {
	repo := &memMessageRepo{createErr: func(*models.ChatMessage) error { return errors.New("disk full") }}
	completer := &fakeCompleter{reply: "ok"}
	svc := newTestChatService(repo, completer, nil)

	_, err := svc.Send(context.Background(), models.Identity{UserID: uuid.New(), Username: "alice"}, models.ChatRequest{Content: "hi"})

	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "save user message", sErr.Op)
	assert.Empty(t, completer.calls, "model must not be called for an unpersisted turn")
}

func TestSend_StoreFailureOnReply(t *testing.T) {
	repo := &memMessageRepo{createErr: func(m *models.ChatMessage) error {
		if m.Sender == models.ModelSender {
			return errors.New("disk full")
		}
		return nil
	}}
	svc := newTestChatService(repo, &fakeCompleter{reply: "ok"}, nil)
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: "hi"})

	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "save model reply", sErr.Op)
	assert.Equal(t, 1, repo.count(id.UserID, "alice"))
}

func TestSend_HistoryLoadFailure(t *testing.T) {
	repo := &memMessageRepo{listErr: errors.New("timeout")}
	completer := &fakeCompleter{reply: "ok"}
	svc := newTestChatService(repo, completer, nil)

	_, err := svc.Send(context.Background(), models.Identity{UserID: uuid.New(), Username: "alice"}, models.ChatRequest{Content: "hi"})

	var sErr *StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Empty(t, completer.calls)
}

func TestSend_RejectsEmptyContentAndMissingIdentity(t *testing.T) {
	repo := &memMessageRepo{}
	svc := newTestChatService(repo, &fakeCompleter{reply: "ok"}, nil)

	_, err := svc.Send(context.Background(), models.Identity{UserID: uuid.New(), Username: "alice"}, models.ChatRequest{Content: "  "})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = svc.Send(context.Background(), models.Identity{}, models.ChatRequest{Content: "hi"})
	var uErr *UnauthorizedError
	assert.ErrorAs(t, err, &uErr)

	assert.Empty(t, repo.rows)
}

func TestSend_ClientCancellationDoesNotAbortPipeline(t *testing.T) {
	repo := &memMessageRepo{}
	svc := newTestChatService(repo, &fakeCompleter{reply: "ok"}, nil)
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel as soon as the user turn is stored, mimicking a client disconnect mid-request.
	repo.createErr = func(m *models.ChatMessage) error {
		if m.Sender == "alice" {
			cancel()
		}
		return nil
	}

	reply, err := svc.Send(ctx, id, models.ChatRequest{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, 1, repo.count(id.UserID, models.ModelSender))
}

func TestSend_PublishesPersistedMessages(t *testing.T) {
	repo := &memMessageRepo{}
	pub := &recordingPublisher{}
	svc := NewChatService(repo, &fakeCompleter{reply: "ok"}, nil, pub, time.Second, newTestLogger())
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: "hi"})
	require.NoError(t, err)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "alice", pub.msgs[0].Sender)
	assert.Equal(t, models.ModelSender, pub.msgs[1].Sender)
}

func TestSend_ConcurrentTurnsNeverLoseUserRows(t *testing.T) {
	for _, tc := range []struct {
		name   string
		locker TurnLocker
	}{
		{"interleaved", nil},
		{"serialized", NewMemoryTurnLocker()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			repo := &memMessageRepo{}
			svc := newTestChatService(repo, &fakeCompleter{reply: "ok"}, tc.locker)
			id := models.Identity{UserID: uuid.New(), Username: "alice"}

			const n = 10
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: fmt.Sprintf("turn %d", i)})
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			assert.Equal(t, n, repo.count(id.UserID, "alice"))
			assert.Equal(t, n, repo.count(id.UserID, models.ModelSender))
		})
	}
}

func TestSend_SerializedTurnsSeeEachOthersReplies(t *testing.T) {
	repo := &memMessageRepo{}
	completer := &fakeCompleter{reply: "ok"}
	svc := newTestChatService(repo, completer, NewMemoryTurnLocker())
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Send(context.Background(), id, models.ChatRequest{Content: "q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// With serialization every call strictly alternates user/assistant before the final user turn.
	completer.mu.Lock()
	defer completer.mu.Unlock()
	for _, call := range completer.calls {
		for i, m := range call {
			want := models.RoleUser
			if i%2 == 1 {
				want = models.RoleAssistant
			}
			assert.Equal(t, want, m.Role)
		}
	}
}

func TestHistory_StoreFailure(t *testing.T) {
	svc := newTestChatService(&memMessageRepo{listErr: errors.New("boom")}, &fakeCompleter{}, nil)

	_, err := svc.History(context.Background(), uuid.New())

	var sErr *StorageError
	assert.ErrorAs(t, err, &sErr)
}

func TestHistory_OnlyCallersMessages(t *testing.T) {
	repo := &memMessageRepo{}
	svc := newTestChatService(repo, &fakeCompleter{reply: "ok"}, nil)
	alice := models.Identity{UserID: uuid.New(), Username: "alice"}
	bob := models.Identity{UserID: uuid.New(), Username: "bob"}

	for i := 0; i < 3; i++ {
		_, err := svc.Send(context.Background(), alice, models.ChatRequest{Content: "from alice"})
		require.NoError(t, err)
		_, err = svc.Send(context.Background(), bob, models.ChatRequest{Content: "from bob"})
		require.NoError(t, err)
	}

	history, err := svc.History(context.Background(), alice.UserID)
	require.NoError(t, err)
	require.Len(t, history, 6)
	for _, h := range history {
		assert.NotEqual(t, "from bob", h.Content)
	}
}

func TestSend_GivesUpWaitingForAStuckTurn(t *testing.T) {
	repo := &memMessageRepo{}
	completer := &fakeCompleter{reply: "ok"}
	locker := NewMemoryTurnLocker()
	svc := newTestChatService(repo, completer, locker)
	svc.timeout = 20 * time.Millisecond
	id := models.Identity{UserID: uuid.New(), Username: "alice"}

	// An earlier turn owns the lock and does not finish in time.
	unlock, err := locker.Lock(context.Background(), id.UserID)
	require.NoError(t, err)
	defer unlock()

	start := time.Now()
	_, err = svc.Send(context.Background(), id, models.ChatRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrTurnBusy)
	assert.Less(t, time.Since(start), time.Second, "lock wait must be bounded")
	assert.Empty(t, repo.rows, "nothing is persisted for a turn that never started")
	assert.Empty(t, completer.calls)
}
