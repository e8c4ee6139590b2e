// Package rag answers clinical questions from treatment records: embed the
// query, search session and client vectors, hydrate and decrypt the matched
// entities, synthesize an answer with the chat model, redact, cache, audit.
// The pipeline never leaks provider errors to the HTTP layer; anything that
// fails after the cache probe becomes a localized apology with no citations.
package rag

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/ai"
	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/store"
	"github.com/pazpaz/backend/internal/vector"
)

const (
	// DefaultMaxResults is used when the request leaves max_results unset.
	DefaultMaxResults = 5

	// temporalLambda decays session relevance by age:
	// weight = exp(-λ · days). 0.02 halves a score in about 35 days.
	temporalLambda = 0.02

	// synthesisTemperature keeps the model close to the retrieved text.
	synthesisTemperature = 0.3
)

// Config carries the retrieval tuning knobs.
type Config struct {
	// MinSimilarity is the default cosine floor for vector matches.
	MinSimilarity float64

	// AdaptiveFloor is how far the floor may drop for short queries.
	AdaptiveFloor float64

	// MaxOutputTokens bounds the synthesized answer.
	MaxOutputTokens int

	// Expansion replaces the built-in term table when its Terms are set.
	Expansion Expansion
}

// Query is one retrieval-and-synthesis request, already authenticated and
// workspace-resolved.
type Query struct {
	WorkspaceID uuid.UUID
	UserID      uuid.UUID
	ClientID    *uuid.UUID
	Text        string

	// MaxResults caps retrieved contexts per kind, 1 to 10. Zero means
	// DefaultMaxResults.
	MaxResults int

	// MinSimilarity overrides the configured floor when positive.
	MinSimilarity float64

	IPAddress string
}

// Citation points at one retrieved context backing the answer.
type Citation struct {
	SessionID    *uuid.UUID `json:"session_id,omitempty"`
	ClientID     uuid.UUID  `json:"client_id"`
	ClientName   string     `json:"client_name"`
	SessionDate  *time.Time `json:"session_date,omitempty"`
	Similarity   float64    `json:"similarity"`
	MatchedField string     `json:"matched_field"`
}

// Response is the synthesized answer returned to the client.
type Response struct {
	Answer         string     `json:"answer"`
	Citations      []Citation `json:"citations"`
	Language       string     `json:"language"`
	TotalRetrieved int        `json:"total_retrieved"`
	ProcessingMS   int64      `json:"processing_time_ms"`
	Cached         bool       `json:"cached"`
}

// Service runs the pipeline. It is stateless per request; every dependency
// is shared and safe for concurrent use.
type Service struct {
	embedder       ai.Embedder
	chat           ai.ChatModel
	sessionVectors *vector.Store
	clientVectors  *vector.Store
	sessions       *store.Sessions
	clients        *store.Clients
	cache          queryCache
	auditor        *audit.Emitter
	metrics        *metrics.Metrics
	expansion      Expansion
	cfg            Config
	logger         *log.Logger
	now            func() time.Time
}

// NewService wires the pipeline. The kv store may be nil, which disables
// caching but changes nothing else.
func NewService(
	embedder ai.Embedder,
	chat ai.ChatModel,
	sessionVectors, clientVectors *vector.Store,
	sessions *store.Sessions,
	clients *store.Clients,
	cache *kv.Store,
	auditor *audit.Emitter,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.4
	}
	if cfg.AdaptiveFloor <= 0 {
		cfg.AdaptiveFloor = 0.25
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 500
	}
	if cfg.Expansion.Terms == nil {
		cfg.Expansion = DefaultExpansion()
	}
	return &Service{
		embedder:       embedder,
		chat:           chat,
		sessionVectors: sessionVectors,
		clientVectors:  clientVectors,
		sessions:       sessions,
		clients:        clients,
		cache:          queryCache{kv: cache},
		auditor:        auditor,
		metrics:        m,
		expansion:      cfg.Expansion,
		cfg:            cfg,
		logger:         log.New(log.Writer(), "[RAG] ", log.LstdFlags),
		now:            time.Now,
	}
}

// Answer runs the full pipeline for one query. Validation failures return an
// error for the HTTP layer; every later failure is absorbed into a localized
// error answer so the endpoint always produces a usable response.
func (s *Service) Answer(ctx context.Context, q Query) (*Response, error) {
	start := s.now()

	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, fmt.Errorf("%w: query text is required", core.ErrUnprocessable)
	}
	if q.MaxResults == 0 {
		q.MaxResults = DefaultMaxResults
	}
	if q.MaxResults < 1 || q.MaxResults > 10 {
		return nil, fmt.Errorf("%w: max_results must be between 1 and 10", core.ErrUnprocessable)
	}

	queryHash := audit.HashQuery(q.Text)
	lang := DetectLanguage(q.Text)
	key := cacheKey(q.WorkspaceID, queryHash, q.ClientID)

	if env, ok, err := s.cache.get(ctx, key); err != nil {
		s.logger.Printf("⚠️ cache probe failed (hash=%s): %v", queryHash, err)
	} else if ok {
		resp := &Response{
			Answer:         env.Answer,
			Citations:      env.Citations,
			Language:       env.Language,
			TotalRetrieved: env.TotalRetrieved,
			ProcessingMS:   s.now().Sub(start).Milliseconds(),
			Cached:         true,
		}
		s.metrics.RecordRAGQuery(env.Language, "cache_hit")
		s.emitAudit(ctx, q, queryHash, env.Language, len(env.Citations), resp.ProcessingMS, true)
		return resp, nil
	}

	resp, outcome, err := s.run(ctx, q, lang, start)
	if err != nil {
		s.logger.Printf("❌ pipeline failed (ws=%s hash=%s): %v", q.WorkspaceID, queryHash, err)
		s.metrics.RecordRAGQuery(lang, "error")
		resp = &Response{
			Answer:       PipelineErrorMessage(lang),
			Citations:    []Citation{},
			Language:     lang,
			ProcessingMS: s.now().Sub(start).Milliseconds(),
		}
		s.emitAudit(ctx, q, queryHash, lang, 0, resp.ProcessingMS, false)
		return resp, nil
	}

	s.metrics.RecordRAGQuery(lang, outcome)
	if outcome == "success" {
		if err := s.cache.put(ctx, key, &cacheEnvelope{
			Answer:         resp.Answer,
			Citations:      resp.Citations,
			Language:       resp.Language,
			TotalRetrieved: resp.TotalRetrieved,
		}); err != nil {
			s.logger.Printf("⚠️ cache store failed (hash=%s): %v", queryHash, err)
		}
	}
	s.emitAudit(ctx, q, queryHash, lang, resp.TotalRetrieved, resp.ProcessingMS, false)
	return resp, nil
}

// run is everything between the cache probe and the cache store.
func (s *Service) run(ctx context.Context, q Query, lang string, start time.Time) (*Response, string, error) {
	base := q.MinSimilarity
	if base <= 0 {
		base = s.cfg.MinSimilarity
	}
	threshold := AdaptiveThreshold(q.Text, base, s.cfg.AdaptiveFloor)
	expanded, didExpand := s.expansion.Expand(q.Text)
	if didExpand {
		s.logger.Printf("query expanded (%d → %d words, threshold %.2f)",
			len(strings.Fields(q.Text)), len(strings.Fields(expanded)), threshold)
	}

	embedStart := s.now()
	queryVec, err := s.embedder.Embed(ctx, expanded, ai.InputSearchQuery)
	if err != nil {
		return nil, "", fmt.Errorf("embed query: %w", err)
	}
	s.metrics.RecordRAGStage("embed", s.now().Sub(embedStart).Seconds())

	searchStart := s.now()
	sessionMatches, clientMatches, err := s.search(ctx, q, queryVec, threshold)
	if err != nil {
		return nil, "", err
	}
	s.metrics.RecordRAGStage("search", s.now().Sub(searchStart).Seconds())

	loadStart := s.now()
	sessCtxs, cliCtxs, err := s.hydrate(ctx, q, sessionMatches, clientMatches)
	if err != nil {
		return nil, "", err
	}
	s.metrics.RecordRAGStage("load", s.now().Sub(loadStart).Seconds())

	if len(sessCtxs) == 0 && len(cliCtxs) == 0 {
		resp := &Response{
			Answer:       NoResultsMessage(lang),
			Citations:    []Citation{},
			Language:     lang,
			ProcessingMS: s.now().Sub(start).Milliseconds(),
		}
		return resp, "no_results", nil
	}

	contextText := formatContext(lang, cliCtxs, sessCtxs)

	synthStart := s.now()
	out, err := s.chat.Chat(ctx, ai.ChatRequest{
		System:      systemPrompt(lang),
		User:        userPrompt(lang, q.Text, contextText),
		Temperature: synthesisTemperature,
		MaxTokens:   s.cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, "", fmt.Errorf("synthesize answer: %w", err)
	}
	s.metrics.RecordRAGStage("synthesize", s.now().Sub(synthStart).Seconds())
	if out.Usage != nil {
		s.logger.Printf("✅ answer synthesized (lang=%s contexts=%d tokens=%d/%d)",
			lang, len(sessCtxs)+len(cliCtxs), out.Usage.InputTokens, out.Usage.OutputTokens)
	}

	resp := &Response{
		Answer:         FilterOutput(out.Text, s.cfg.MaxOutputTokens),
		Citations:      buildCitations(cliCtxs, sessCtxs),
		Language:       lang,
		TotalRetrieved: len(sessCtxs) + len(cliCtxs),
		ProcessingMS:   s.now().Sub(start).Milliseconds(),
	}
	return resp, "success", nil
}

// search runs both vector lookups. With a client scope, session vectors are
// restricted to that client's sessions and profile vectors to the client
// itself; otherwise both searches span the workspace. Limits over-fetch one
// row per field so per-entity dedup still yields max_results entities.
func (s *Service) search(ctx context.Context, q Query, queryVec []float32, threshold float64) (sessions, clients []vector.Match, err error) {
	sessionLimit := q.MaxResults * len(core.SOAPFields)
	clientLimit := q.MaxResults * 2

	if q.ClientID != nil {
		ids, err := s.sessions.ListIDsByClient(ctx, q.WorkspaceID, *q.ClientID)
		if err != nil {
			return nil, nil, fmt.Errorf("list client sessions: %w", err)
		}
		sessions, err = s.sessionVectors.SearchSimilarWithin(ctx, q.WorkspaceID, queryVec, sessionLimit, ids, threshold)
		if err != nil {
			return nil, nil, fmt.Errorf("search session vectors: %w", err)
		}
		clients, err = s.clientVectors.SearchSimilarWithin(ctx, q.WorkspaceID, queryVec, clientLimit, []uuid.UUID{*q.ClientID}, threshold)
		if err != nil {
			return nil, nil, fmt.Errorf("search client vectors: %w", err)
		}
		return sessions, clients, nil
	}

	sessions, err = s.sessionVectors.SearchSimilar(ctx, q.WorkspaceID, queryVec, sessionLimit, "", threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("search session vectors: %w", err)
	}
	clients, err = s.clientVectors.SearchSimilar(ctx, q.WorkspaceID, queryVec, clientLimit, "", threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("search client vectors: %w", err)
	}
	return sessions, clients, nil
}

// hydrate batch-loads the matched entities, keeps the best field per entity,
// applies temporal weighting to sessions and ranks both lists. Vector rows
// whose entity no longer exists (deleted since embedding) drop out silently.
func (s *Service) hydrate(ctx context.Context, q Query, sessionMatches, clientMatches []vector.Match) ([]sessionContext, []clientContext, error) {
	bestSession := bestPerEntity(sessionMatches)
	bestClient := bestPerEntity(clientMatches)

	sessionIDs := make([]uuid.UUID, 0, len(bestSession))
	for id := range bestSession {
		sessionIDs = append(sessionIDs, id)
	}
	sessionsByID, err := s.sessions.GetBatch(ctx, q.WorkspaceID, sessionIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("load sessions: %w", err)
	}

	clientIDSet := make(map[uuid.UUID]bool, len(bestClient))
	for id := range bestClient {
		clientIDSet[id] = true
	}
	for _, sess := range sessionsByID {
		clientIDSet[sess.ClientID] = true
	}
	clientIDs := make([]uuid.UUID, 0, len(clientIDSet))
	for id := range clientIDSet {
		clientIDs = append(clientIDs, id)
	}
	clientsByID, err := s.clients.GetBatch(ctx, q.WorkspaceID, clientIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("load clients: %w", err)
	}

	now := s.now()
	sessCtxs := make([]sessionContext, 0, len(bestSession))
	for id, m := range bestSession {
		sess, ok := sessionsByID[id]
		if !ok {
			continue
		}
		name := ""
		if c, ok := clientsByID[sess.ClientID]; ok {
			name = c.FullName()
		}
		sessCtxs = append(sessCtxs, sessionContext{
			Session:      sess,
			ClientName:   name,
			MatchedField: m.Row.FieldName,
			Similarity:   m.Similarity,
			Weighted:     m.Similarity * math.Exp(-temporalLambda*daysSince(now, sess.SessionDate)),
		})
	}
	sort.Slice(sessCtxs, func(i, j int) bool { return sessCtxs[i].Weighted > sessCtxs[j].Weighted })
	if len(sessCtxs) > q.MaxResults {
		sessCtxs = sessCtxs[:q.MaxResults]
	}

	cliCtxs := make([]clientContext, 0, len(bestClient))
	for id, m := range bestClient {
		c, ok := clientsByID[id]
		if !ok {
			continue
		}
		cliCtxs = append(cliCtxs, clientContext{
			Client:       c,
			MatchedField: m.Row.FieldName,
			Similarity:   m.Similarity,
		})
	}
	sort.Slice(cliCtxs, func(i, j int) bool { return cliCtxs[i].Similarity > cliCtxs[j].Similarity })
	if len(cliCtxs) > q.MaxResults {
		cliCtxs = cliCtxs[:q.MaxResults]
	}

	return sessCtxs, cliCtxs, nil
}

// bestPerEntity keeps, for each entity, the field vector with the highest
// similarity.
func bestPerEntity(matches []vector.Match) map[uuid.UUID]vector.Match {
	best := make(map[uuid.UUID]vector.Match, len(matches))
	for _, m := range matches {
		if cur, ok := best[m.Row.EntityID]; !ok || m.Similarity > cur.Similarity {
			best[m.Row.EntityID] = m
		}
	}
	return best
}

// buildCitations mirrors the context layout: client profiles first, then
// sessions in the chronological order their blocks are numbered in, so a
// "Session 2" mention in the answer lines up with the citation list.
func buildCitations(clients []clientContext, sessions []sessionContext) []Citation {
	out := make([]Citation, 0, len(clients)+len(sessions))
	for _, c := range clients {
		out = append(out, Citation{
			ClientID:     c.Client.ID,
			ClientName:   c.Client.FullName(),
			Similarity:   c.Similarity,
			MatchedField: c.MatchedField,
		})
	}

	ordered := make([]sessionContext, len(sessions))
	copy(ordered, sessions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Session.SessionDate.Before(ordered[j].Session.SessionDate)
	})
	for _, sc := range ordered {
		id := sc.Session.ID
		date := sc.Session.SessionDate
		out = append(out, Citation{
			SessionID:    &id,
			ClientID:     sc.Session.ClientID,
			ClientName:   sc.ClientName,
			SessionDate:  &date,
			Similarity:   sc.Similarity,
			MatchedField: sc.MatchedField,
		})
	}
	return out
}

// emitAudit records the query as a READ of the ai_agent resource. Only the
// hash and shape of the query are stored, never its text.
func (s *Service) emitAudit(ctx context.Context, q Query, queryHash, lang string, resultCount int, ms int64, cached bool) {
	var userID *uuid.UUID
	if q.UserID != uuid.Nil {
		userID = &q.UserID
	}
	s.auditor.Emit(ctx, audit.Entry{
		UserID:       userID,
		WorkspaceID:  q.WorkspaceID,
		Action:       core.AuditRead,
		ResourceType: audit.ResourceAIAgent,
		Metadata: map[string]interface{}{
			"query_hash":         queryHash,
			"query_length":       utf8.RuneCountInString(q.Text),
			"language":           lang,
			"result_count":       resultCount,
			"processing_time_ms": ms,
			"cached":             cached,
		},
		IPAddress: q.IPAddress,
	})
}
