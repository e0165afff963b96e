package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/fitforge/fitforge-backend/internal/ai"
	"github.com/fitforge/fitforge-backend/internal/artifact"
	"github.com/fitforge/fitforge-backend/internal/chat"
	"github.com/fitforge/fitforge-backend/internal/prompt"
	"github.com/fitforge/fitforge-backend/internal/quota"
)

// cachedProvider marks assistant messages served from the response
// cache rather than a live provider call.
const cachedProvider = "cache"

// Chat runs one blocking conversational turn: the user message is
// persisted before any provider call so a crash mid-generation never
// loses the user's turn; the assistant message is persisted only after
// a complete, validated reply.
func (o *Orchestrator) Chat(ctx context.Context, userID uint64, tier quota.Tier, profile prompt.Profile, sessionID, content string) (*chat.Message, error) {
	msgs, fp, err := o.beginTurn(ctx, userID, profile, sessionID, content)
	if err != nil {
		return nil, err
	}

	if e, hit, cerr := o.cache.Get(ctx, fp); cerr != nil {
		log.Printf("cache_get_failed fingerprint=%s err=%v", fp, cerr)
	} else if hit {
		v, perr := artifact.ParseJSON(artifact.KindChatReply, e.Payload)
		if perr == nil {
			log.Printf("cache_hit kind=%s fingerprint=%s", artifact.KindChatReply, fp)
			return o.persistAssistant(ctx, userID, sessionID, v.(*artifact.ChatReply).Text, cachedProvider)
		}
	}

	if err := o.quota.CheckAndReserve(ctx, userID, tier); err != nil {
		return nil, err
	}

	text, prov, err := o.completeWithFallback(ctx, msgs)
	if err != nil {
		return nil, err
	}
	reply, perr := artifact.Parse(artifact.KindChatReply, text)
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeneration, perr)
	}

	if err := o.cache.Put(ctx, fp, artifact.KindChatReply, reply); err != nil {
		log.Printf("cache_put_failed fingerprint=%s err=%v", fp, err)
	}
	return o.persistAssistant(ctx, userID, sessionID, reply.(*artifact.ChatReply).Text, prov.Name())
}

// ChatStream is the streaming variant. The synchronous part performs
// the checks that map to HTTP status codes (stream bound, session
// ownership, user-message persistence, quota); token forwarding then
// runs in a goroutine feeding the returned stream.
type ChatStream struct {
	// Deltas receives tokens in provider order.
	Deltas <-chan string
	// Done receives the persisted assistant message once the full
	// response is durably committed, then closes.
	Done <-chan *chat.Message
	// Errs receives at most one terminal error.
	Errs <-chan error
}

func (o *Orchestrator) OpenChatStream(ctx context.Context, userID uint64, tier quota.Tier, profile prompt.Profile, sessionID, content string) (*ChatStream, error) {
	if !o.acquireStream(userID) {
		return nil, ErrTooManyStreams
	}
	release := func() { o.releaseStream(userID) }

	msgs, fp, err := o.beginTurn(ctx, userID, profile, sessionID, content)
	if err != nil {
		release()
		return nil, err
	}

	deltas := make(chan string, 16)
	done := make(chan *chat.Message, 1)
	errs := make(chan error, 1)
	stream := &ChatStream{Deltas: deltas, Done: done, Errs: errs}

	if e, hit, cerr := o.cache.Get(ctx, fp); cerr != nil {
		log.Printf("cache_get_failed fingerprint=%s err=%v", fp, cerr)
	} else if hit {
		if v, perr := artifact.ParseJSON(artifact.KindChatReply, e.Payload); perr == nil {
			log.Printf("cache_hit kind=%s fingerprint=%s", artifact.KindChatReply, fp)
			text := v.(*artifact.ChatReply).Text
			go func() {
				defer release()
				defer close(deltas)
				defer close(done)
				defer close(errs)
				select {
				case deltas <- text:
				case <-ctx.Done():
					return
				}
				m, err := o.persistAssistant(ctx, userID, sessionID, text, cachedProvider)
				if err != nil {
					errs <- err
					return
				}
				done <- m
			}()
			return stream, nil
		}
	}

	if err := o.quota.CheckAndReserve(ctx, userID, tier); err != nil {
		release()
		return nil, err
	}

	go func() {
		defer release()
		defer close(deltas)
		defer close(done)
		defer close(errs)
		o.runStream(ctx, userID, sessionID, fp, msgs, deltas, done, errs)
	}()
	return stream, nil
}

// runStream forwards provider deltas and commits the durable assistant
// row only after the full response is assembled. A dropped connection
// discards the partial text; no partial assistant message is ever
// persisted.
func (o *Orchestrator) runStream(ctx context.Context, userID uint64, sessionID, fp string, msgs []ai.Message, deltas chan<- string, done chan<- *chat.Message, errs chan<- error) {
	start := time.Now()
	full, prov, err := o.forward(ctx, o.primary, msgs, deltas)

	// fall back only when nothing was emitted yet, so the caller never
	// sees a mixed stream
	if err != nil && full == "" {
		if ctx.Err() != nil {
			log.Printf("stream_cancelled provider=%s fingerprint=%s latency=%s", o.primary.Name(), fp, time.Since(start))
			return
		}
		if ai.IsRateLimited(err) {
			errs <- fmt.Errorf("%w: %v", ErrProviderRateLimited, err)
			return
		}
		if !ai.Retryable(err) {
			errs <- fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			return
		}
		log.Printf("provider_failed provider=%s fingerprint=%s latency=%s err=%v", o.primary.Name(), fp, time.Since(start), err)
		full, prov, err = o.forward(ctx, o.fallback, msgs, deltas)
		if err != nil && full == "" && ctx.Err() == nil {
			log.Printf("provider_failed provider=%s fingerprint=%s latency=%s err=%v", o.fallback.Name(), fp, time.Since(start), err)
			errs <- fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
			return
		}
	}
	if ctx.Err() != nil {
		// client disconnected: provider call already aborted via ctx,
		// partial text is discarded
		log.Printf("stream_cancelled provider=%s fingerprint=%s latency=%s", prov, fp, time.Since(start))
		return
	}
	if err != nil {
		// mid-stream failure after partial output: surface, discard
		errs <- fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		return
	}

	reply, perr := artifact.Parse(artifact.KindChatReply, full)
	if perr != nil {
		errs <- fmt.Errorf("%w: %v", ErrInvalidGeneration, perr)
		return
	}

	if cerr := o.cache.Put(ctx, fp, artifact.KindChatReply, reply); cerr != nil {
		log.Printf("cache_put_failed fingerprint=%s err=%v", fp, cerr)
	}

	m, err := o.persistAssistant(ctx, userID, sessionID, full, prov)
	if err != nil {
		// tokens were streamed, but the caller must still be told the
		// turn did not complete
		errs <- err
		return
	}
	done <- m
}

// forward pumps one provider's stream into deltas, returning the
// assembled text.
func (o *Orchestrator) forward(ctx context.Context, p ai.Provider, msgs []ai.Message, deltas chan<- string) (string, string, error) {
	chunks, perrs := p.Stream(ctx, msgs, o.params)
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
		select {
		case deltas <- c:
		case <-ctx.Done():
			return b.String(), p.Name(), ctx.Err()
		}
	}
	// adapters send their error before closing chunks
	if err := <-perrs; err != nil {
		return b.String(), p.Name(), err
	}
	return b.String(), p.Name(), nil
}

// beginTurn validates session ownership, persists the user's message,
// and builds the prompt window plus fingerprint for this turn.
func (o *Orchestrator) beginTurn(ctx context.Context, userID uint64, profile prompt.Profile, sessionID, content string) ([]ai.Message, string, error) {
	sess, err := o.chats.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if sess.UserID != userID {
		// hide existence
		return nil, "", gorm.ErrRecordNotFound
	}

	userMsg := &chat.Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      chat.RoleUser,
		Content:   content,
		TokensIn:  estimateTokens(content),
	}
	if _, err := o.chats.AppendMessage(ctx, userMsg); err != nil {
		return nil, "", &PersistenceError{Op: "store user message", Err: err}
	}
	if err := o.chats.TouchSession(ctx, sessionID, time.Now()); err != nil {
		log.Printf("touch_session_failed session=%s err=%v", sessionID, err)
	}

	window, err := o.chats.ListRecent(ctx, userID, sessionID, o.window)
	if err != nil {
		return nil, "", err
	}
	turns := make([]prompt.ChatTurn, 0, len(window))
	for _, m := range window {
		turns = append(turns, prompt.ChatTurn{Role: m.Role, Content: m.Content})
	}

	msgs := prompt.Chat(profile, turns, o.window)
	fp := prompt.Fingerprint(artifact.KindChatReply, userID, msgs)
	return msgs, fp, nil
}

func (o *Orchestrator) persistAssistant(ctx context.Context, userID uint64, sessionID, text, provider string) (*chat.Message, error) {
	m := &chat.Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      chat.RoleAssistant,
		Content:   text,
		TokensOut: estimateTokens(text),
		Provider:  provider,
	}
	if _, err := o.chats.AppendMessage(ctx, m); err != nil {
		return nil, &PersistenceError{Op: "store assistant message", Err: err}
	}
	if err := o.chats.TouchSession(ctx, sessionID, time.Now()); err != nil {
		log.Printf("touch_session_failed session=%s err=%v", sessionID, err)
	}
	return m, nil
}

func (o *Orchestrator) acquireStream(userID uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.streams[userID] >= o.maxStreams {
		return false
	}
	o.streams[userID]++
	return true
}

func (o *Orchestrator) releaseStream(userID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.streams[userID] > 0 {
		o.streams[userID]--
	}
	if o.streams[userID] == 0 {
		delete(o.streams, userID)
	}
}
