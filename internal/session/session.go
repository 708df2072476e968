// Package session assembles per-turn context and drives the completion
// round-trip. A turn moves through three phases: collect context from the
// memory layers, dispatch a single completion request, then write the
// exchange back into the layers. Collection failures degrade, dispatch
// failures abort the turn before any state is touched, and update failures
// are surfaced on the result without discarding the answer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/convoctx/internal/conversation"
	"github.com/stellarlinkco/convoctx/internal/entity"
	"github.com/stellarlinkco/convoctx/internal/memory"
	"github.com/stellarlinkco/convoctx/internal/provider"
	"github.com/stellarlinkco/convoctx/internal/vectorstore"
)

const (
	defaultTopK        = 3
	defaultTurnTimeout = 60 * time.Second

	// metadataSessionKey tags store records with their originating session so
	// several sessions can share one store.
	metadataSessionKey = "session"
)

// Config carries the per-session knobs. Zero values fall back to defaults.
type Config struct {
	ID          string
	Model       string
	Temperature float64
	MaxTokens   int
	TopK        int
	TurnTimeout time.Duration

	// ScopeRecall restricts retrieval to records written by this session.
	// Off by default: cross-session recall is the point of a shared store.
	ScopeRecall bool
}

// Session owns the context layers for one conversation. Ask serializes
// turns: a second caller blocks until the in-flight turn finishes.
type Session struct {
	cfg     Config
	client  provider.CompletionClient
	buffer  *memory.Buffer
	store   *vectorstore.Store // optional
	tracker *entity.Tracker

	mu sync.Mutex
}

// New wires a session. The store is optional; buffer, tracker, and client
// are not.
func New(cfg Config, client provider.CompletionClient, buffer *memory.Buffer, store *vectorstore.Store, tracker *entity.Tracker) (*Session, error) {
	if client == nil {
		return nil, errors.New("session: nil completion client")
	}
	if buffer == nil {
		return nil, errors.New("session: nil memory buffer")
	}
	if tracker == nil {
		return nil, errors.New("session: nil entity tracker")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("session: model not set")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	return &Session{
		cfg:     cfg,
		client:  client,
		buffer:  buffer,
		store:   store,
		tracker: tracker,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// Ask runs one full turn for the given user query and returns the
// completion plus any memory-update diagnostics. If the completion call
// itself fails, no layer is mutated and the turn can simply be retried.
func (s *Session) Ask(ctx context.Context, query string) (*conversation.TurnResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("session: empty query")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect.
	messages := s.collect(ctx, query)

	// Dispatch.
	dctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()
	resp, err := s.client.Complete(dctx, provider.ChatRequest{
		Model:       s.cfg.Model,
		Messages:    messages,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("complete turn: %w", err)
	}

	// Update.
	result := &conversation.TurnResult{
		Response:  resp.Content,
		Citations: resp.Citations,
	}
	s.update(ctx, query, resp.Content, result)
	return result, nil
}

// collect builds the outgoing message list: a system preamble carrying
// entity state and retrieved history, the buffered window, then the query.
func (s *Session) collect(ctx context.Context, query string) []provider.Message {
	var retrieved []vectorstore.Record
	if s.store != nil {
		filter := &vectorstore.Filter{Role: string(conversation.RoleUser)}
		if s.cfg.ScopeRecall {
			filter.Metadata = map[string]string{metadataSessionKey: s.cfg.ID}
		}
		var err error
		retrieved, err = s.store.Retrieve(ctx, query, s.cfg.TopK, filter)
		if err != nil {
			log.Printf("[session] retrieve warning: %v", err)
			retrieved = nil
		}
	}

	window := s.buffer.Get()
	messages := make([]provider.Message, 0, len(window)+2)
	messages = append(messages, provider.Message{
		Role:    string(conversation.RoleSystem),
		Content: buildPreamble(s.tracker.Render(), retrieved),
	})
	for _, turn := range window {
		messages = append(messages, provider.Message{
			Role:    string(turn.Role),
			Content: turn.Text,
		})
	}
	messages = append(messages, provider.Message{
		Role:    string(conversation.RoleUser),
		Content: query,
	})
	return messages
}

func buildPreamble(entityContext string, retrieved []vectorstore.Record) string {
	var sb strings.Builder
	sb.WriteString("Current conversation context:\n")
	sb.WriteString(entityContext)
	if len(retrieved) > 0 {
		sb.WriteString("\n\nConversation History:\n")
		for _, rec := range retrieved {
			sb.WriteString("- ")
			sb.WriteString(rec.Text)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// update writes the exchange into every layer. Each layer fails
// independently; failures are appended to result.UpdateErrs and the rest
// of the layers still run.
func (s *Session) update(ctx context.Context, query, response string, result *conversation.TurnResult) {
	now := time.Now()

	for _, turn := range []conversation.Turn{
		conversation.NewTurn(conversation.RoleUser, query),
		conversation.NewTurn(conversation.RoleAssistant, response),
	} {
		report, err := s.buffer.Put(ctx, turn)
		if err != nil {
			log.Printf("[session] buffer update warning (%s turn): %v", turn.Role, err)
			result.UpdateErrs = append(result.UpdateErrs, fmt.Errorf("buffer put %s turn: %w", turn.Role, err))
		}
		if report != nil && report.Lossy {
			log.Printf("[session] lossy compaction: dropped %d turns", report.Dropped)
			result.LossyCompaction = true
		}
	}

	if s.store != nil {
		meta := map[string]string{metadataSessionKey: s.cfg.ID}
		records := []struct {
			role string
			text string
		}{
			{string(conversation.RoleUser), query},
			{string(conversation.RoleAssistant), response},
		}
		for _, rec := range records {
			if _, err := s.store.Insert(ctx, rec.text, rec.role, now, meta); err != nil {
				log.Printf("[session] store update warning (%s record): %v", rec.role, err)
				result.UpdateErrs = append(result.UpdateErrs, fmt.Errorf("store insert %s record: %w", rec.role, err))
			}
		}
	}

	s.tracker.Update(query, response)
}

// History returns the most recent records from the backing store, newest
// first. Sessions without a store get nil.
func (s *Session) History(ctx context.Context, n int) ([]vectorstore.Record, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Recent(ctx, n)
}
