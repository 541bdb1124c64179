package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/chat"
	"github.com/spec-kit/support-relay/internal/domain"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

const testSupportChatID int64 = -1001

type channelKey struct {
	channelID int64
	userID    int64
}

type fakeChannelRepo struct {
	mu       sync.Mutex
	channels map[channelKey]*domain.ConversationChannel
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{channels: make(map[channelKey]*domain.ConversationChannel)}
}

func (f *fakeChannelRepo) CreateOrGet(ctx context.Context, channel *domain.ConversationChannel) (*domain.ConversationChannel, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channelKey{channel.ChannelID, channel.UserID}
	if existing, ok := f.channels[key]; ok {
		return existing, false, nil
	}
	stored := *channel
	stored.CreatedAt = time.Now()
	f.channels[key] = &stored
	return &stored, true, nil
}

func (f *fakeChannelRepo) GetByUser(ctx context.Context, channelID, userID int64) (*domain.ConversationChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if channel, ok := f.channels[channelKey{channelID, userID}]; ok {
		return channel, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeChannelRepo) GetByThread(ctx context.Context, channelID, threadHandle int64) (*domain.ConversationChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, channel := range f.channels {
		if channel.ChannelID == channelID && channel.ThreadHandle == threadHandle {
			return channel, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type threadKey struct {
	channelID    int64
	threadHandle int64
}

type fakeThreadRepo struct {
	mu     sync.Mutex
	states map[threadKey]*domain.ThreadState
}

func newFakeThreadRepo() *fakeThreadRepo {
	return &fakeThreadRepo{states: make(map[threadKey]*domain.ThreadState)}
}

func (f *fakeThreadRepo) Upsert(ctx context.Context, state *domain.ThreadState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *state
	stored.LastActivity = time.Now()
	f.states[threadKey{state.ChannelID, state.ThreadHandle}] = &stored
	return nil
}

func (f *fakeThreadRepo) Get(ctx context.Context, channelID, threadHandle int64) (*domain.ThreadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[threadKey{channelID, threadHandle}]
	if !ok {
		return nil, nil
	}
	copied := *state
	return &copied, nil
}

func (f *fakeThreadRepo) Touch(ctx context.Context, channelID, threadHandle int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[threadKey{channelID, threadHandle}]; ok {
		state.LastActivity = time.Now()
	}
	return nil
}

func (f *fakeThreadRepo) CloseIfActive(ctx context.Context, channelID, threadHandle int64, staleBefore *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[threadKey{channelID, threadHandle}]
	if !ok || state.Status != domain.ThreadStatusActive {
		return false, nil
	}
	if staleBefore != nil && state.LastActivity.After(*staleBefore) {
		return false, nil
	}
	state.Status = domain.ThreadStatusClosed
	state.Archived = true
	return true, nil
}

func (f *fakeThreadRepo) Reopen(ctx context.Context, channelID, threadHandle int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[threadKey{channelID, threadHandle}]
	if !ok {
		return false, nil
	}
	if state.Status == domain.ThreadStatusActive && !state.Archived {
		return false, nil
	}
	state.Status = domain.ThreadStatusActive
	state.Archived = false
	state.LastActivity = time.Now()
	return true, nil
}

func (f *fakeThreadRepo) ListStaleActive(ctx context.Context, channelID int64, before time.Time) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var handles []int64
	for key, state := range f.states {
		if key.channelID == channelID && state.Status == domain.ThreadStatusActive &&
			!state.Archived && !state.LastActivity.After(before) {
			handles = append(handles, key.threadHandle)
		}
	}
	return handles, nil
}

func (f *fakeThreadRepo) setLastActivity(channelID, threadHandle int64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[threadKey{channelID, threadHandle}]; ok {
		state.LastActivity = at
	}
}

type fakeOriginIndex struct {
	mu       sync.Mutex
	mappings map[channelKey]domain.Origin
	deleted  int64
}

func newFakeOriginIndex() *fakeOriginIndex {
	return &fakeOriginIndex{mappings: make(map[channelKey]domain.Origin)}
}

func (f *fakeOriginIndex) Put(ctx context.Context, mapping *domain.OriginMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := channelKey{mapping.ChannelID, mapping.RelayedMessageID}
	if _, ok := f.mappings[key]; !ok {
		f.mappings[key] = mapping.Origin
	}
	return nil
}

func (f *fakeOriginIndex) Get(ctx context.Context, channelID, relayedMessageID int64) (*domain.Origin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if origin, ok := f.mappings[channelKey{channelID, relayedMessageID}]; ok {
		copied := origin
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeOriginIndex) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return 0, nil
}

type fakeRatingRepo struct {
	mu      sync.Mutex
	ratings []domain.Rating
}

func (f *fakeRatingRepo) Create(ctx context.Context, rating *domain.Rating) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rating.ID = int64(len(f.ratings) + 1)
	rating.CreatedAt = time.Now()
	f.ratings = append(f.ratings, *rating)
	return nil
}

func (f *fakeRatingRepo) Stats(ctx context.Context) (*domain.RatingStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &domain.RatingStats{Distribution: make(map[int]int64)}
	var sum int
	for _, rating := range f.ratings {
		stats.Total++
		stats.Distribution[rating.Score]++
		sum += rating.Score
	}
	if stats.Total > 0 {
		stats.Average = float64(sum) / float64(stats.Total)
	}
	return stats, nil
}

func (f *fakeRatingRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]domain.Rating, error) {
	return nil, nil
}

type stateChange struct {
	handle int64
	open   bool
}

type fakeRelay struct {
	mu           sync.Mutex
	nextHandle   int64
	nextMsgID    int64
	createCalls  int
	createErr    error
	posts        []chat.Post
	relays       []chat.RelaySpec
	replies      []chat.ReplySpec
	stateChanges []stateChange
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{nextHandle: 100, nextMsgID: 1000}
}

func (f *fakeRelay) CreateChannel(ctx context.Context, ownerScope int64, displayName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextHandle++
	return f.nextHandle, nil
}

func (f *fakeRelay) Post(ctx context.Context, post chat.Post) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post)
	f.nextMsgID++
	return f.nextMsgID, nil
}

func (f *fakeRelay) RelayExistingMessage(ctx context.Context, spec chat.RelaySpec) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relays = append(f.relays, spec)
	f.nextMsgID++
	return f.nextMsgID, nil
}

func (f *fakeRelay) Reply(ctx context.Context, spec chat.ReplySpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, spec)
	return nil
}

func (f *fakeRelay) SetChannelState(ctx context.Context, ownerScope, handle int64, open bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateChanges = append(f.stateChanges, stateChange{handle: handle, open: open})
	return nil
}

func (f *fakeRelay) EditMarkup(ctx context.Context, chatID, messageID int64, markup chat.Keyboard) error {
	return nil
}

func (f *fakeRelay) postsTo(chatID int64) []chat.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.Post
	for _, post := range f.posts {
		if post.ChatID == chatID {
			out = append(out, post)
		}
	}
	return out
}

type sessionFixture struct {
	service  *SessionService
	channels *fakeChannelRepo
	threads  *fakeThreadRepo
	origins  *fakeOriginIndex
	ratings  *fakeRatingRepo
	relay    *fakeRelay
}

func newSessionFixture() *sessionFixture {
	fixture := &sessionFixture{
		channels: newFakeChannelRepo(),
		threads:  newFakeThreadRepo(),
		origins:  newFakeOriginIndex(),
		ratings:  &fakeRatingRepo{},
		relay:    newFakeRelay(),
	}
	fixture.service = NewSessionService(SessionDependencies{
		ChannelRepo:   fixture.channels,
		ThreadRepo:    fixture.threads,
		OriginIndex:   fixture.origins,
		RatingRepo:    fixture.ratings,
		Relay:         fixture.relay,
		Logger:        zap.NewNop(),
		SupportChatID: testSupportChatID,
	})
	return fixture
}

func testIdentity(userID int64) domain.DisplayIdentity {
	return domain.DisplayIdentity{UserID: userID, FullName: fmt.Sprintf("User %d", userID)}
}

func TestResolveOrCreateConcurrentSingleCreation(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()
	identity := testIdentity(42)

	const workers = 16
	handles := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			channel, _, err := fixture.service.ResolveOrCreate(ctx, identity)
			if err != nil {
				errs[i] = err
				return
			}
			handles[i] = channel.ThreadHandle
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, fixture.relay.createCalls, "exactly one platform topic")
	for _, handle := range handles {
		assert.Equal(t, handles[0], handle, "all callers see one thread")
	}
}

func TestResolveOrCreateReturnsExisting(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()
	identity := testIdentity(7)

	first, created, err := fixture.service.ResolveOrCreate(ctx, identity)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := fixture.service.ResolveOrCreate(ctx, identity)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ThreadHandle, second.ThreadHandle)
	assert.Equal(t, 1, fixture.relay.createCalls)
}

func TestResolveOrCreateChannelFailure(t *testing.T) {
	fixture := newSessionFixture()
	fixture.relay.createErr = errors.New("platform down")

	_, _, err := fixture.service.ResolveOrCreate(context.Background(), testIdentity(9))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelCreationFailed)
	assert.Equal(t, "TRANSIENT", apperrors.ToDomainError(err).Code)

	_, lookupErr := fixture.channels.GetByUser(context.Background(), testSupportChatID, 9)
	assert.ErrorIs(t, lookupErr, pgx.ErrNoRows, "no mapping persisted on failure")
}

func TestRouteUserMessageRelaysAndIndexesOrigin(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()

	err := fixture.service.RouteUserMessage(ctx, UserMessage{
		Identity:  testIdentity(42),
		ChatID:    42,
		MessageID: 555,
		Text:      "hello",
	})
	require.NoError(t, err)

	require.Len(t, fixture.relay.relays, 1)
	relayed := fixture.relay.relays[0]
	assert.Equal(t, testSupportChatID, relayed.ToChatID)
	assert.Equal(t, int64(555), relayed.MessageID)

	channel, err := fixture.channels.GetByUser(ctx, testSupportChatID, 42)
	require.NoError(t, err)
	assert.Equal(t, relayed.ThreadHandle, channel.ThreadHandle)

	// Both the header and the relayed copy must route replies back.
	found := 0
	fixture.origins.mu.Lock()
	for _, origin := range fixture.origins.mappings {
		if origin.ChatID == 42 {
			found++
		}
	}
	fixture.origins.mu.Unlock()
	assert.GreaterOrEqual(t, found, 2)
}

func TestRouteUserMessageRevivesClosedThread(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()
	identity := testIdentity(42)

	channel, _, err := fixture.service.ResolveOrCreate(ctx, identity)
	require.NoError(t, err)
	closed, err := fixture.service.CloseThread(ctx, channel.ThreadHandle)
	require.NoError(t, err)
	require.True(t, closed)

	err = fixture.service.RouteUserMessage(ctx, UserMessage{
		Identity:  identity,
		ChatID:    42,
		MessageID: 556,
		Text:      "are you there?",
	})
	require.NoError(t, err)

	state, err := fixture.threads.Get(ctx, testSupportChatID, channel.ThreadHandle)
	require.NoError(t, err)
	assert.True(t, state.IsActive())

	last := fixture.relay.stateChanges[len(fixture.relay.stateChanges)-1]
	assert.True(t, last.open, "platform topic reopened")
	assert.Equal(t, 1, fixture.relay.createCalls, "no second topic for a revived thread")
}

func TestRouteOperatorReplyDeliversToOrigin(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()

	require.NoError(t, fixture.origins.Put(ctx, &domain.OriginMapping{
		ChannelID:        testSupportChatID,
		RelayedMessageID: 900,
		Origin:           domain.Origin{ChatID: 42, MessageID: 555},
	}))

	err := fixture.service.RouteOperatorReply(ctx, OperatorReply{
		ChatID:           testSupportChatID,
		ThreadHandle:     101,
		MessageID:        901,
		ReplyToMessageID: 900,
	})
	require.NoError(t, err)

	require.Len(t, fixture.relay.replies, 1)
	assert.Equal(t, int64(42), fixture.relay.replies[0].ToChatID)
	assert.Equal(t, int64(555), fixture.relay.replies[0].ReplyToMessageID)
}

func TestRouteOperatorReplyDropsUnmapped(t *testing.T) {
	fixture := newSessionFixture()

	err := fixture.service.RouteOperatorReply(context.Background(), OperatorReply{
		ChatID:           testSupportChatID,
		MessageID:        901,
		ReplyToMessageID: 12345,
	})
	require.NoError(t, err)
	assert.Empty(t, fixture.relay.replies)
}

func TestCloseThreadIsIdempotentAndPrompts(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()

	channel, _, err := fixture.service.ResolveOrCreate(ctx, testIdentity(42))
	require.NoError(t, err)

	closed, err := fixture.service.CloseThread(ctx, channel.ThreadHandle)
	require.NoError(t, err)
	assert.True(t, closed)

	again, err := fixture.service.CloseThread(ctx, channel.ThreadHandle)
	require.NoError(t, err)
	assert.False(t, again, "second close is a no-op")

	prompts := fixture.relay.postsTo(42)
	require.Len(t, prompts, 1, "exactly one rating prompt")
	assert.NotEmpty(t, prompts[0].Markup)
}

func TestReopenThread(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()

	channel, _, err := fixture.service.ResolveOrCreate(ctx, testIdentity(42))
	require.NoError(t, err)
	_, err = fixture.service.CloseThread(ctx, channel.ThreadHandle)
	require.NoError(t, err)

	reopened, err := fixture.service.ReopenThread(ctx, channel.ThreadHandle)
	require.NoError(t, err)
	assert.True(t, reopened)

	again, err := fixture.service.ReopenThread(ctx, channel.ThreadHandle)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestSubmitRatingValidatesScore(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()

	require.Error(t, fixture.service.SubmitRating(ctx, testIdentity(42), 0))
	require.Error(t, fixture.service.SubmitRating(ctx, testIdentity(42), 6))
	require.NoError(t, fixture.service.SubmitRating(ctx, testIdentity(42), 5))

	stats, err := fixture.service.RatingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, float64(5), stats.Average)
}

func TestArchiveStaleClosesOnlyIdleThreads(t *testing.T) {
	fixture := newSessionFixture()
	ctx := context.Background()

	stale, _, err := fixture.service.ResolveOrCreate(ctx, testIdentity(1))
	require.NoError(t, err)
	fresh, _, err := fixture.service.ResolveOrCreate(ctx, testIdentity(2))
	require.NoError(t, err)

	fixture.threads.setLastActivity(testSupportChatID, stale.ThreadHandle, time.Now().Add(-100*time.Hour))

	archived, err := fixture.service.ArchiveStale(ctx, time.Now().Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	staleState, err := fixture.threads.Get(ctx, testSupportChatID, stale.ThreadHandle)
	require.NoError(t, err)
	assert.False(t, staleState.IsActive())
	assert.True(t, staleState.Archived)

	freshState, err := fixture.threads.Get(ctx, testSupportChatID, fresh.ThreadHandle)
	require.NoError(t, err)
	assert.True(t, freshState.IsActive())

	prompts := fixture.relay.postsTo(1)
	assert.Len(t, prompts, 1, "archived user is prompted for a rating")
	assert.Empty(t, fixture.relay.postsTo(2))
}
