// Package orchestrator coordinates the generation pipeline:
// cache -> quota -> prompt -> provider (with fallback) -> validator ->
// persistence. It owns the decision of when to read or write the cache
// and quota counter; all collaborators are injected at construction.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fitforge/fitforge-backend/internal/ai"
	"github.com/fitforge/fitforge-backend/internal/artifact"
	"github.com/fitforge/fitforge-backend/internal/cache"
	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/common"
	"github.com/fitforge/fitforge-backend/internal/plans"
	"github.com/fitforge/fitforge-backend/internal/prompt"
	"github.com/fitforge/fitforge-backend/internal/quota"
)

type Deps struct {
	Primary  ai.Provider
	Fallback ai.Provider
	Cache    *cache.Cache
	Quota    *quota.Tracker
	Chats    *chat.Repo
	Plans    *plans.Repo

	Params            ai.Params
	ContextWindowSize int
	MaxStreamsPerUser int
}

type Orchestrator struct {
	primary  ai.Provider
	fallback ai.Provider
	cache    *cache.Cache
	quota    *quota.Tracker
	chats    *chat.Repo
	plans    *plans.Repo

	params     ai.Params
	window     int
	maxStreams int

	// collapses concurrent identical cache misses to one provider call
	group singleflight.Group

	mu      sync.Mutex
	streams map[uint64]int
}

func New(d Deps) *Orchestrator {
	if d.ContextWindowSize <= 0 || d.ContextWindowSize > 100 {
		d.ContextWindowSize = 10
	}
	if d.MaxStreamsPerUser <= 0 {
		d.MaxStreamsPerUser = 2
	}
	return &Orchestrator{
		primary:    d.Primary,
		fallback:   d.Fallback,
		cache:      d.Cache,
		quota:      d.Quota,
		chats:      d.Chats,
		plans:      d.Plans,
		params:     d.Params,
		window:     d.ContextWindowSize,
		maxStreams: d.MaxStreamsPerUser,
		streams:    make(map[uint64]int),
	}
}

func (o *Orchestrator) GenerateWorkoutPlan(ctx context.Context, userID uint64, tier quota.Tier, profile prompt.Profile, ov prompt.WorkoutOverrides) (*artifact.WorkoutPlan, error) {
	v, _, err := o.generate(ctx, userID, tier, artifact.KindWorkoutPlan, prompt.Workout(profile, ov))
	if err != nil {
		return nil, err
	}
	return v.(*artifact.WorkoutPlan), nil
}

func (o *Orchestrator) GenerateMealPlan(ctx context.Context, userID uint64, tier quota.Tier, profile prompt.Profile, ov prompt.MealOverrides) (*artifact.MealPlan, error) {
	v, _, err := o.generate(ctx, userID, tier, artifact.KindMealPlan, prompt.Meal(profile, ov))
	if err != nil {
		return nil, err
	}
	return v.(*artifact.MealPlan), nil
}

func (o *Orchestrator) AnalyzeProgress(ctx context.Context, userID uint64, tier quota.Tier, profile prompt.Profile, entries []prompt.ProgressEntry, goals []string) (*artifact.ProgressAnalysis, error) {
	v, _, err := o.generate(ctx, userID, tier, artifact.KindAnalysis, prompt.Analysis(profile, entries, goals))
	if err != nil {
		return nil, err
	}
	return v.(*artifact.ProgressAnalysis), nil
}

// GenerateFromParams runs a queued generation job: kind plus raw
// override JSON, as stored on the job row. It always yields a durable
// record, creating one from the cached payload on a cache hit.
func (o *Orchestrator) GenerateFromParams(ctx context.Context, userID uint64, tier quota.Tier, profile prompt.Profile, kind artifact.Kind, paramsJSON string) (*plans.Record, error) {
	var msgs []ai.Message
	switch kind {
	case artifact.KindWorkoutPlan:
		var ov prompt.WorkoutOverrides
		if err := json.Unmarshal([]byte(paramsJSON), &ov); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
		msgs = prompt.Workout(profile, ov)
	case artifact.KindMealPlan:
		var ov prompt.MealOverrides
		if err := json.Unmarshal([]byte(paramsJSON), &ov); err != nil {
			return nil, fmt.Errorf("decode overrides: %w", err)
		}
		msgs = prompt.Meal(profile, ov)
	default:
		return nil, fmt.Errorf("kind %q cannot be generated asynchronously", kind)
	}

	v, rec, err := o.generate(ctx, userID, tier, kind, msgs)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	// cache hit: still record the result so the job has a durable
	// artifact to point at
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	recID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	rec = &plans.Record{
		ID:          recID,
		UserID:      userID,
		Kind:        kind,
		Fingerprint: prompt.Fingerprint(kind, userID, msgs),
		Provider:    cachedProvider,
		Artifact:    string(payload),
	}
	if err := o.plans.CreateRecord(ctx, rec); err != nil {
		return nil, &PersistenceError{Op: "store artifact", Err: err}
	}
	return rec, nil
}

type generated struct {
	art any
	rec *plans.Record
}

// generate runs the shared non-chat pipeline. Cache hits return before
// the quota tracker or any provider is consulted (rec is nil then);
// concurrent identical misses are collapsed so only the executing call
// reserves quota.
func (o *Orchestrator) generate(ctx context.Context, userID uint64, tier quota.Tier, kind artifact.Kind, msgs []ai.Message) (any, *plans.Record, error) {
	fp := prompt.Fingerprint(kind, userID, msgs)

	if e, hit, err := o.cache.Get(ctx, fp); err != nil {
		log.Printf("cache_get_failed fingerprint=%s err=%v", fp, err)
	} else if hit {
		log.Printf("cache_hit kind=%s fingerprint=%s", kind, fp)
		art, err := artifact.ParseJSON(kind, e.Payload)
		return art, nil, err
	}

	v, err, _ := o.group.Do(fp, func() (any, error) {
		if err := o.quota.CheckAndReserve(ctx, userID, tier); err != nil {
			return nil, err
		}

		art, providerName, err := o.generateValidated(ctx, kind, msgs, fp)
		if err != nil {
			return nil, err
		}

		if err := o.cache.Put(ctx, fp, kind, art); err != nil {
			// cache write failure is a performance loss, not a
			// correctness problem
			log.Printf("cache_put_failed fingerprint=%s err=%v", fp, err)
		}

		payload, err := json.Marshal(art)
		if err != nil {
			return nil, err
		}
		recID, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		rec := &plans.Record{
			ID:          recID,
			UserID:      userID,
			Kind:        kind,
			Fingerprint: fp,
			Provider:    providerName,
			Artifact:    string(payload),
		}
		if err := o.plans.CreateRecord(ctx, rec); err != nil {
			return nil, &PersistenceError{Op: "store artifact", Err: err}
		}
		return generated{art: art, rec: rec}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	g := v.(generated)
	return g.art, g.rec, nil
}

// generateValidated calls the provider chain and parses the result,
// issuing at most one corrective re-prompt on schema failure.
func (o *Orchestrator) generateValidated(ctx context.Context, kind artifact.Kind, msgs []ai.Message, fp string) (any, string, error) {
	start := time.Now()
	text, prov, err := o.completeWithFallback(ctx, msgs)
	if err != nil {
		return nil, "", err
	}

	art, perr := artifact.Parse(kind, text)
	if perr == nil {
		return art, prov.Name(), nil
	}

	var verr *artifact.ValidationError
	if !errors.As(perr, &verr) {
		return nil, "", perr
	}
	log.Printf("validation_failed kind=%s fingerprint=%s provider=%s latency=%s err=%v",
		kind, fp, prov.Name(), time.Since(start), verr)

	// one corrective re-prompt against the provider that answered
	corrected, cerr := prov.Complete(ctx, prompt.Correction(msgs, text, verr), o.params)
	if cerr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrProviderUnavailable, cerr)
	}
	art, perr = artifact.Parse(kind, corrected)
	if perr != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidGeneration, perr)
	}
	return art, prov.Name(), nil
}

// completeWithFallback tries the primary provider, then the fallback
// on timeout or 5xx-class failure. Rate limits surface immediately;
// no error is retried more than once total.
func (o *Orchestrator) completeWithFallback(ctx context.Context, msgs []ai.Message) (string, ai.Provider, error) {
	start := time.Now()
	text, err := o.primary.Complete(ctx, msgs, o.params)
	if err == nil {
		return text, o.primary, nil
	}
	if ctx.Err() != nil {
		return "", nil, ctx.Err()
	}
	log.Printf("provider_failed provider=%s latency=%s err=%v", o.primary.Name(), time.Since(start), err)

	if ai.IsRateLimited(err) {
		return "", nil, fmt.Errorf("%w: %v", ErrProviderRateLimited, err)
	}
	if !ai.Retryable(err) {
		return "", nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	start = time.Now()
	text, err = o.fallback.Complete(ctx, msgs, o.params)
	if err != nil {
		log.Printf("provider_failed provider=%s latency=%s err=%v", o.fallback.Name(), time.Since(start), err)
		return "", nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return text, o.fallback, nil
}

// estimateTokens is a rough chars/4 heuristic for bookkeeping only.
func estimateTokens(s string) int {
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
