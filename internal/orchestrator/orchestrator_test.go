package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fitforge/fitforge-backend/internal/ai"
	"github.com/fitforge/fitforge-backend/internal/artifact"
	"github.com/fitforge/fitforge-backend/internal/cache"
	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/plans"
	"github.com/fitforge/fitforge-backend/internal/prompt"
	"github.com/fitforge/fitforge-backend/internal/quota"
	"github.com/fitforge/fitforge-backend/internal/store/redisstore"
)

const validWorkoutJSON = `{"title": "Plan", "duration_minutes": 30, "days": [{"day_of_week": "monday", "focus": "upper", "exercises": [{"name": "Push Up", "sets": 3, "reps": "12", "rest_seconds": 60}]}]}`

// fakeProvider replays scripted completions and streams while counting
// calls.
type fakeProvider struct {
	mu            sync.Mutex
	name          string
	completeCalls int
	streamCalls   int

	replies []string // reply per Complete call, in order
	errs    []error  // non-nil error overrides the reply at that index

	deltas    []string
	streamErr error
	hang      bool // after emitting deltas, block until ctx cancellation
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(_ context.Context, _ []ai.Message, _ ai.Params) (string, error) {
	p.mu.Lock()
	i := p.completeCalls
	p.completeCalls++
	p.mu.Unlock()
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return "", errors.New("fake: no scripted reply")
}

func (p *fakeProvider) Stream(ctx context.Context, _ []ai.Message, _ ai.Params) (<-chan string, <-chan error) {
	p.mu.Lock()
	p.streamCalls++
	p.mu.Unlock()
	out := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		for _, d := range p.deltas {
			select {
			case out <- d:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.hang {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if p.streamErr != nil {
			errs <- p.streamErr
		}
	}()
	return out, errs
}

func (p *fakeProvider) calls() (complete, stream int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completeCalls, p.streamCalls
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redisstore.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type memCounter struct {
	mu   sync.Mutex
	vals map[string]int64
}

func (m *memCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key]++
	return m.vals[key], nil
}

func (m *memCounter) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key]--
	return m.vals[key], nil
}

func (m *memCounter) total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, v := range m.vals {
		n += v
	}
	return n
}

type env struct {
	orch    *Orchestrator
	kv      *memKV
	counter *memCounter
	chats   *chat.Repo
	plans   *plans.Repo
}

func newEnv(t *testing.T, primary, fallback *fakeProvider, freeLimit int64) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&chat.Session{}, &chat.Message{}, &plans.Record{}, &plans.Job{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	kv := &memKV{data: make(map[string]string)}
	counter := &memCounter{vals: make(map[string]int64)}
	chats := chat.NewRepo(db)
	planRepo := plans.NewRepo(db)

	orch := New(Deps{
		Primary:           primary,
		Fallback:          fallback,
		Cache:             cache.New(kv, cache.TTLs{Plan: 24 * time.Hour, Analysis: 6 * time.Hour, Chat: 15 * time.Minute}),
		Quota:             quota.NewTracker(counter, freeLimit),
		Chats:             chats,
		Plans:             planRepo,
		ContextWindowSize: 10,
		MaxStreamsPerUser: 2,
	})
	return &env{orch: orch, kv: kv, counter: counter, chats: chats, plans: planRepo}
}

func testProfile() prompt.Profile {
	return prompt.Profile{Age: 30, Sex: "male", HeightCm: 180, WeightKg: 80, Goal: "strength", ActivityLevel: "moderate"}
}

func newSession(t *testing.T, e *env, userID uint64) string {
	t.Helper()
	sid, err := chat.NewSessionID()
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	s := &chat.Session{SessionID: sid, UserID: userID, LastMessageAt: time.Now()}
	if err := e.chats.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sid
}

func TestGenerate_SuccessPersistsAndCaches(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []string{validWorkoutJSON}}
	fallback := &fakeProvider{name: "fallback"}
	e := newEnv(t, primary, fallback, 5)
	ctx := context.Background()

	plan, err := e.orch.GenerateWorkoutPlan(ctx, 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{DaysPerWeek: 3})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if plan.Title != "Plan" {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	recs, err := e.plans.ListRecords(ctx, 1, artifact.KindWorkoutPlan, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("records: n=%d err=%v", len(recs), err)
	}
	if recs[0].Provider != "primary" {
		t.Fatalf("record provider = %q", recs[0].Provider)
	}

	// identical request again: served from cache, no adapter call, no
	// quota slot, no second record
	again, err := e.orch.GenerateWorkoutPlan(ctx, 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{DaysPerWeek: 3})
	if err != nil {
		t.Fatalf("cached generate: %v", err)
	}
	if again.Title != plan.Title {
		t.Fatalf("cached plan mismatch: %+v", again)
	}
	if c, _ := primary.calls(); c != 1 {
		t.Fatalf("provider called %d times, want 1", c)
	}
	if e.counter.total() != 1 {
		t.Fatalf("quota consumed %d slots, want 1", e.counter.total())
	}
	recs, _ = e.plans.ListRecords(ctx, 1, artifact.KindWorkoutPlan, 10)
	if len(recs) != 1 {
		t.Fatalf("cache hit created a record: n=%d", len(recs))
	}
}

func TestGenerate_QuotaExceededBeforeProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []string{validWorkoutJSON}}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 1)
	ctx := context.Background()

	if _, err := e.orch.GenerateWorkoutPlan(ctx, 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{DaysPerWeek: 3}); err != nil {
		t.Fatalf("first generate: %v", err)
	}

	_, err := e.orch.GenerateWorkoutPlan(ctx, 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{DaysPerWeek: 5})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if c, _ := primary.calls(); c != 1 {
		t.Fatalf("rejected request reached the provider: %d calls", c)
	}
	if e.kv.size() != 1 {
		t.Fatalf("rejected request wrote the cache: %d entries", e.kv.size())
	}
}

func TestGenerate_TimeoutFallsBackThenCaches(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{&ai.Error{Provider: "primary", Kind: ai.KindTimeout, Msg: "deadline"}}}
	fallback := &fakeProvider{name: "fallback", replies: []string{validWorkoutJSON}}
	e := newEnv(t, primary, fallback, 5)
	ctx := context.Background()

	ov := prompt.WorkoutOverrides{DurationMinutes: 30, Equipment: []string{"dumbbells"}}
	plan, err := e.orch.GenerateWorkoutPlan(ctx, 1, quota.TierFree, testProfile(), ov)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if plan.Title != "Plan" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	recs, _ := e.plans.ListRecords(ctx, 1, artifact.KindWorkoutPlan, 10)
	if len(recs) != 1 || recs[0].Provider != "fallback" {
		t.Fatalf("expected fallback record, got %+v", recs)
	}

	// result was cached: the replay touches no provider
	if _, err := e.orch.GenerateWorkoutPlan(ctx, 1, quota.TierFree, testProfile(), ov); err != nil {
		t.Fatalf("cached generate: %v", err)
	}
	pc, _ := primary.calls()
	fc, _ := fallback.calls()
	if pc != 1 || fc != 1 {
		t.Fatalf("provider calls primary=%d fallback=%d, want 1/1", pc, fc)
	}
}

func TestGenerate_RateLimitSkipsFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{&ai.Error{Provider: "primary", Kind: ai.KindRateLimited, Status: 429, Msg: "slow down"}}}
	fallback := &fakeProvider{name: "fallback", replies: []string{validWorkoutJSON}}
	e := newEnv(t, primary, fallback, 5)

	_, err := e.orch.GenerateWorkoutPlan(context.Background(), 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{})
	if !errors.Is(err, ErrProviderRateLimited) {
		t.Fatalf("expected ErrProviderRateLimited, got %v", err)
	}
	if fc, _ := fallback.calls(); fc != 0 {
		t.Fatalf("rate limit triggered fallback: %d calls", fc)
	}
}

func TestGenerate_ClientErrorSkipsFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{&ai.Error{Provider: "primary", Kind: ai.KindProvider, Status: 400, Msg: "bad request"}}}
	fallback := &fakeProvider{name: "fallback", replies: []string{validWorkoutJSON}}
	e := newEnv(t, primary, fallback, 5)

	_, err := e.orch.GenerateWorkoutPlan(context.Background(), 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if fc, _ := fallback.calls(); fc != 0 {
		t.Fatalf("4xx triggered fallback: %d calls", fc)
	}
}

func TestGenerate_OneCorrectiveRepromptSucceeds(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []string{`{"title": "Plan"}`, validWorkoutJSON}}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)

	plan, err := e.orch.GenerateWorkoutPlan(context.Background(), 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if plan.Title != "Plan" {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if c, _ := primary.calls(); c != 2 {
		t.Fatalf("provider calls = %d, want original + one correction", c)
	}
}

func TestGenerate_InvalidAfterCorrection(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []string{`not json`, `still not json`}}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)
	ctx := context.Background()

	_, err := e.orch.GenerateMealPlan(ctx, 1, quota.TierFree, testProfile(), prompt.MealOverrides{TargetCalories: 2000})
	if !errors.Is(err, ErrInvalidGeneration) {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
	if c, _ := primary.calls(); c != 2 {
		t.Fatalf("provider calls = %d, want exactly 2", c)
	}
	// nothing durable left behind
	if e.kv.size() != 0 {
		t.Fatalf("invalid generation was cached")
	}
	recs, _ := e.plans.ListRecords(ctx, 1, artifact.KindMealPlan, 10)
	if len(recs) != 0 {
		t.Fatalf("invalid generation was persisted: %+v", recs)
	}
}

func TestChat_PersistsUserThenAssistant(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []string{"Rest days matter."}}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)
	ctx := context.Background()
	sid := newSession(t, e, 1)

	m, err := e.orch.Chat(ctx, 1, quota.TierFree, testProfile(), sid, "how often should I rest?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if m.Role != chat.RoleAssistant || m.Content != "Rest days matter." || m.Provider != "primary" {
		t.Fatalf("unexpected assistant message: %+v", m)
	}

	msgs, err := e.chats.ListRecent(ctx, 1, sid, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant rows, got %d", len(msgs))
	}
	if msgs[0].Role != chat.RoleUser || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("rows out of causal order: %s then %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].ID <= msgs[0].ID {
		t.Fatalf("assistant row not after user row")
	}
}

func TestChat_CacheHitStillPersistsAssistant(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []string{"Drink water."}}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)
	ctx := context.Background()

	// identical first turns in two sessions share a fingerprint
	first := newSession(t, e, 1)
	if _, err := e.orch.Chat(ctx, 1, quota.TierFree, testProfile(), first, "hydration tips?"); err != nil {
		t.Fatalf("first chat: %v", err)
	}

	second := newSession(t, e, 1)
	m, err := e.orch.Chat(ctx, 1, quota.TierFree, testProfile(), second, "hydration tips?")
	if err != nil {
		t.Fatalf("second chat: %v", err)
	}
	if m.Provider != cachedProvider || m.Content != "Drink water." {
		t.Fatalf("expected cached reply, got %+v", m)
	}
	if c, _ := primary.calls(); c != 1 {
		t.Fatalf("cache hit reached the provider: %d calls", c)
	}
	if e.counter.total() != 1 {
		t.Fatalf("cache hit consumed quota: %d", e.counter.total())
	}
	msgs, _ := e.chats.ListRecent(ctx, 1, second, 10)
	if len(msgs) != 2 {
		t.Fatalf("cache hit did not persist both rows: %d", len(msgs))
	}
}

func TestChat_SessionOwnershipHidden(t *testing.T) {
	e := newEnv(t, &fakeProvider{name: "primary"}, &fakeProvider{name: "fallback"}, 5)
	sid := newSession(t, e, 2)

	_, err := e.orch.Chat(context.Background(), 1, quota.TierFree, testProfile(), sid, "hello")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected record-not-found for foreign session, got %v", err)
	}
}

func TestOpenChatStream_DeliversDeltasThenPersists(t *testing.T) {
	primary := &fakeProvider{name: "primary", deltas: []string{"Take ", "a ", "rest."}}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)
	ctx := context.Background()
	sid := newSession(t, e, 1)

	st, err := e.orch.OpenChatStream(ctx, 1, quota.TierFree, testProfile(), sid, "should I train today?")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	var got []string
	for d := range st.Deltas {
		got = append(got, d)
	}
	if len(got) != 3 || got[0] != "Take " || got[2] != "rest." {
		t.Fatalf("unexpected deltas: %v", got)
	}

	select {
	case err := <-st.Errs:
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
	default:
	}
	m, ok := <-st.Done
	if !ok || m == nil {
		t.Fatalf("no done message")
	}
	if m.Content != "Take a rest." || m.Provider != "primary" {
		t.Fatalf("unexpected done message: %+v", m)
	}

	msgs, _ := e.chats.ListRecent(ctx, 1, sid, 10)
	if len(msgs) != 2 || msgs[1].Role != chat.RoleAssistant {
		t.Fatalf("assistant row missing after stream: %+v", msgs)
	}
}

func TestOpenChatStream_CancelDiscardsPartial(t *testing.T) {
	primary := &fakeProvider{name: "primary", deltas: []string{"partial "}, hang: true}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)
	sid := newSession(t, e, 1)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := e.orch.OpenChatStream(ctx, 1, quota.TierFree, testProfile(), sid, "hello")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	if d := <-st.Deltas; d != "partial " {
		t.Fatalf("unexpected first delta: %q", d)
	}
	cancel()

	for range st.Deltas {
	}
	if m, ok := <-st.Done; ok {
		t.Fatalf("done message after cancellation: %+v", m)
	}

	msgs, _ := e.chats.ListRecent(context.Background(), 1, sid, 10)
	if len(msgs) != 1 || msgs[0].Role != chat.RoleUser {
		t.Fatalf("expected only the user row after cancel, got %+v", msgs)
	}

	// stream slot must be released
	if !e.orch.acquireStream(1) {
		t.Fatalf("stream slot leaked after cancellation")
	}
	e.orch.releaseStream(1)
}

func TestOpenChatStream_FallsBackBeforeFirstDelta(t *testing.T) {
	primary := &fakeProvider{name: "primary", streamErr: &ai.Error{Provider: "primary", Kind: ai.KindProvider, Status: 503, Msg: "down"}}
	fallback := &fakeProvider{name: "fallback", deltas: []string{"ok"}}
	e := newEnv(t, primary, fallback, 5)
	sid := newSession(t, e, 1)

	st, err := e.orch.OpenChatStream(context.Background(), 1, quota.TierFree, testProfile(), sid, "hello")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	var full string
	for d := range st.Deltas {
		full += d
	}
	m, ok := <-st.Done
	if !ok {
		t.Fatalf("stream did not complete: %v", <-st.Errs)
	}
	if full != "ok" || m.Provider != "fallback" {
		t.Fatalf("fallback stream wrong: full=%q provider=%q", full, m.Provider)
	}
}

func TestOpenChatStream_NoFallbackAfterPartialOutput(t *testing.T) {
	primary := &fakeProvider{name: "primary", deltas: []string{"half"}, streamErr: &ai.Error{Provider: "primary", Kind: ai.KindProvider, Status: 500, Msg: "broke"}}
	fallback := &fakeProvider{name: "fallback", deltas: []string{"whole"}}
	e := newEnv(t, primary, fallback, 5)
	sid := newSession(t, e, 1)

	st, err := e.orch.OpenChatStream(context.Background(), 1, quota.TierFree, testProfile(), sid, "hello")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	for range st.Deltas {
	}
	if err := <-st.Errs; !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if _, sc := fallback.calls(); sc != 0 {
		t.Fatalf("fallback streamed after partial output: %d calls", sc)
	}
	msgs, _ := e.chats.ListRecent(context.Background(), 1, sid, 10)
	if len(msgs) != 1 {
		t.Fatalf("partial output was persisted: %+v", msgs)
	}
}

func TestOpenChatStream_ConcurrencyBound(t *testing.T) {
	primary := &fakeProvider{name: "primary", hang: true}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)
	e.orch.maxStreams = 1
	sid := newSession(t, e, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := e.orch.OpenChatStream(ctx, 1, quota.TierFree, testProfile(), sid, "first")
	if err != nil {
		t.Fatalf("open first stream: %v", err)
	}

	if _, err := e.orch.OpenChatStream(ctx, 1, quota.TierFree, testProfile(), sid, "second"); !errors.Is(err, ErrTooManyStreams) {
		t.Fatalf("expected ErrTooManyStreams, got %v", err)
	}

	cancel()
	for range st.Deltas {
	}
}

func TestGenerateFromParams_CacheHitStillCreatesRecord(t *testing.T) {
	primary := &fakeProvider{name: "primary", replies: []string{validWorkoutJSON}}
	e := newEnv(t, primary, &fakeProvider{name: "fallback"}, 5)
	ctx := context.Background()

	if _, err := e.orch.GenerateWorkoutPlan(ctx, 1, quota.TierFree, testProfile(), prompt.WorkoutOverrides{DaysPerWeek: 3}); err != nil {
		t.Fatalf("prime: %v", err)
	}

	rec, err := e.orch.GenerateFromParams(ctx, 1, quota.TierFree, testProfile(), artifact.KindWorkoutPlan, `{"days_per_week": 3}`)
	if err != nil {
		t.Fatalf("generate from params: %v", err)
	}
	if rec.Provider != cachedProvider {
		t.Fatalf("record provider = %q, want %q", rec.Provider, cachedProvider)
	}
	if c, _ := primary.calls(); c != 1 {
		t.Fatalf("cache hit reached the provider: %d calls", c)
	}
	recs, _ := e.plans.ListRecords(ctx, 1, artifact.KindWorkoutPlan, 10)
	if len(recs) != 2 {
		t.Fatalf("expected a record per job, got %d", len(recs))
	}
}
