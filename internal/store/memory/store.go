// Package memory is an in-memory store.Store. It is NOT persistent and is only
// suitable for development, local mode and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// Store keeps every record behind one mutex. Records are copied on the way in
// and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	sessions    map[uuid.UUID]*models.Session
	analyses    map[uuid.UUID]*models.Analysis
	bySession   map[uuid.UUID]uuid.UUID
	rules       map[uuid.UUID]*models.Rule
	evaluations map[uuid.UUID][]*models.EvaluationRecord
	transitions map[uuid.UUID][]*models.RuleTransition
	clusters    map[uuid.UUID]*models.KnowledgeCluster
	members     map[uuid.UUID][]uuid.UUID
	metrics     map[time.Time]*models.DailyMetric

	now func() time.Time
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		sessions:    make(map[uuid.UUID]*models.Session),
		analyses:    make(map[uuid.UUID]*models.Analysis),
		bySession:   make(map[uuid.UUID]uuid.UUID),
		rules:       make(map[uuid.UUID]*models.Rule),
		evaluations: make(map[uuid.UUID][]*models.EvaluationRecord),
		transitions: make(map[uuid.UUID][]*models.RuleTransition),
		clusters:    make(map[uuid.UUID]*models.KnowledgeCluster),
		members:     make(map[uuid.UUID][]uuid.UUID),
		metrics:     make(map[time.Time]*models.DailyMetric),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- Sessions ---

func (s *Store) CreateSession(_ context.Context, ses *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[ses.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := cloneSession(ses)
	if c.Messages == nil {
		c.Messages = []models.Message{}
	}
	if c.Fields == nil {
		c.Fields = map[string]models.CollectedField{}
	}
	if c.Outcome == "" {
		c.Outcome = models.OutcomeUnknown
	}
	s.sessions[ses.ID] = c
	return nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ses, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSession(ses), nil
}

func (s *Store) SetSessionOutcome(_ context.Context, id uuid.UUID, outcome string) error {
	if !models.ValidOutcome(outcome) {
		return fmt.Errorf("set session outcome: invalid outcome %q", outcome)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ses, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	ses.Outcome = outcome
	ses.UpdatedAt = s.now()
	return nil
}

func (s *Store) ClaimSessions(_ context.Context, token uuid.UUID, limit int, staleAfter time.Duration) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*models.Session
	for _, ses := range s.sessions {
		if ses.AnalyzedAt != nil || ses.Unanalyzable {
			continue
		}
		if ses.ClaimedAt != nil && !ses.ClaimedAt.Before(now.Add(-staleAfter)) {
			continue
		}
		candidates = append(candidates, ses)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
	})
	if limit < len(candidates) {
		candidates = candidates[:max(limit, 0)]
	}

	out := make([]*models.Session, 0, len(candidates))
	for _, ses := range candidates {
		tok := token
		at := now
		ses.ClaimToken = &tok
		ses.ClaimedAt = &at
		ses.UpdatedAt = now
		out = append(out, cloneSession(ses))
	}
	return out, nil
}

// held returns the session if token still holds its claim.
func (s *Store) held(id, token uuid.UUID) (*models.Session, bool) {
	ses, ok := s.sessions[id]
	if !ok || ses.AnalyzedAt != nil || ses.ClaimToken == nil || *ses.ClaimToken != token {
		return nil, false
	}
	return ses, true
}

func (s *Store) CompleteAnalysis(_ context.Context, token uuid.UUID, a *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ses, ok := s.held(a.SessionID, token)
	if !ok {
		return store.ErrClaimLost
	}
	if _, dup := s.bySession[a.SessionID]; dup {
		return store.ErrClaimLost
	}
	if _, dup := s.analyses[a.ID]; dup {
		return store.ErrDuplicateKey
	}

	analyzedAt := a.CreatedAt
	ses.AnalyzedAt = &analyzedAt
	ses.ClaimToken = nil
	ses.ClaimedAt = nil
	ses.LastError = ""
	ses.UpdatedAt = s.now()

	c := cloneAnalysis(a)
	c.Outcome = ""
	s.analyses[a.ID] = c
	s.bySession[a.SessionID] = a.ID
	return nil
}

func (s *Store) ReleaseClaim(_ context.Context, id, token uuid.UUID, opts store.ReleaseOptions) (*store.ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ses, ok := s.held(id, token)
	if !ok {
		return nil, store.ErrClaimLost
	}
	ses.ClaimToken = nil
	ses.ClaimedAt = nil
	if opts.CountAttempt {
		ses.AnalysisAttempts++
	}
	if opts.Error != "" {
		ses.LastError = opts.Error
	}
	if opts.Permanent || (opts.MaxAttempts > 0 && ses.AnalysisAttempts >= opts.MaxAttempts) {
		ses.Unanalyzable = true
	}
	ses.UpdatedAt = s.now()
	return &store.ReleaseResult{Attempts: ses.AnalysisAttempts, Unanalyzable: ses.Unanalyzable}, nil
}

// --- Analyses ---

func (s *Store) ListAnalyses(_ context.Context, filter store.AnalysisFilter) ([]*models.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Analysis{}
	for _, a := range s.analyses {
		if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !a.CreatedAt.Before(filter.Until) {
			continue
		}
		if filter.Tag != "" && !a.HasTag(filter.Tag) {
			continue
		}
		outcome := s.sessions[a.SessionID].Outcome
		if filter.KnownOutcome && outcome != models.OutcomeSuccess && outcome != models.OutcomeFail {
			continue
		}
		c := cloneAnalysis(a)
		c.Outcome = outcome
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if filter.NewestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) CountSessions(_ context.Context, filter store.SessionCountFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ses := range s.sessions {
		if !filter.CreatedSince.IsZero() && ses.CreatedAt.Before(filter.CreatedSince) {
			continue
		}
		if !filter.CreatedUntil.IsZero() && !ses.CreatedAt.Before(filter.CreatedUntil) {
			continue
		}
		if filter.OnlyUnanalyzable && !ses.Unanalyzable {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) AnalysisStats(_ context.Context) (*models.AnalysisStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &models.AnalysisStats{Total: len(s.analyses)}
	for _, a := range s.analyses {
		st.AvgCompletion += a.Completion
		st.AvgProfessionalism += a.Professionalism
		st.AvgAppealSuccess += a.AppealSuccess
	}
	if st.Total > 0 {
		n := float64(st.Total)
		st.AvgCompletion /= n
		st.AvgProfessionalism /= n
		st.AvgAppealSuccess /= n
	}
	for _, ses := range s.sessions {
		switch {
		case ses.Unanalyzable:
			st.Unanalyzable++
		case ses.AnalyzedAt != nil:
		case ses.ClaimedAt != nil:
			st.Claimed++
		default:
			st.Pending++
		}
	}
	return st, nil
}

// --- Rules ---

func (s *Store) CreateRule(_ context.Context, r *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, existing := range s.rules {
		if existing.Key == r.Key {
			return store.ErrDuplicateKey
		}
		if r.SourceClusterID != nil && existing.SourceClusterID != nil && *existing.SourceClusterID == *r.SourceClusterID {
			return store.ErrDuplicateKey
		}
	}
	c := cloneRule(r)
	if c.Status == "" {
		c.Status = models.RuleStatusPending
	}
	if c.Source == "" {
		c.Source = models.RuleSourceManual
	}
	s.rules[r.ID] = c
	return nil
}

func (s *Store) GetRule(_ context.Context, id uuid.UUID) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRule(r), nil
}

func (s *Store) GetRuleBySourceCluster(_ context.Context, clusterID uuid.UUID) (*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		if r.SourceClusterID != nil && *r.SourceClusterID == clusterID {
			return cloneRule(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListRules(_ context.Context, filter store.RuleFilter) ([]*models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.Rule{}
	for _, r := range s.rules {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, r.Status) {
			continue
		}
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Score == nil) != (b.Score == nil) {
			return a.Score != nil
		}
		if a.Score != nil && *a.Score != *b.Score {
			return *a.Score > *b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
	return out, nil
}

func (s *Store) UpdateRuleScore(_ context.Context, id uuid.UUID, upd store.ScoreUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Score = cloneFloat(upd.Score)
	r.SampleCount = upd.SampleCount
	r.ConsecutiveLow = upd.ConsecutiveLow
	at := upd.EvaluatedAt
	r.LastEvaluatedAt = &at
	r.UpdatedAt = at
	return nil
}

func (s *Store) TransitionRule(_ context.Context, t *models.RuleTransition, review *store.ReviewStamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[t.RuleID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != t.From {
		return store.ErrStaleStatus
	}
	r.Status = t.To
	r.UpdatedAt = t.At
	if review != nil {
		at, actor := review.At, review.Actor
		r.LastReviewedAt = &at
		r.LastReviewActor = &actor
	}
	c := *t
	c.Score = cloneFloat(t.Score)
	s.transitions[t.RuleID] = append(s.transitions[t.RuleID], &c)
	return nil
}

func (s *Store) RecordReview(_ context.Context, id uuid.UUID, stamp store.ReviewStamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return store.ErrNotFound
	}
	at, actor := stamp.At, stamp.Actor
	r.LastReviewedAt = &at
	r.LastReviewActor = &actor
	r.UpdatedAt = at
	return nil
}

func (s *Store) AppendEvaluation(_ context.Context, rec *models.EvaluationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[rec.RuleID]; !ok {
		return store.ErrNotFound
	}
	c := *rec
	c.Score = cloneFloat(rec.Score)
	s.evaluations[rec.RuleID] = append(s.evaluations[rec.RuleID], &c)
	return nil
}

func (s *Store) ListEvaluations(_ context.Context, ruleID uuid.UUID, limit int) ([]*models.EvaluationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	recs := s.evaluations[ruleID]
	out := make([]*models.EvaluationRecord, 0, min(limit, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		c := *recs[i]
		c.Score = cloneFloat(recs[i].Score)
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EvaluatedAt.After(out[j].EvaluatedAt) })
	return out, nil
}

func (s *Store) ListTransitions(_ context.Context, ruleID uuid.UUID) ([]*models.RuleTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.RuleTransition, 0, len(s.transitions[ruleID]))
	for _, t := range s.transitions[ruleID] {
		c := *t
		c.Score = cloneFloat(t.Score)
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) RuleStats(_ context.Context) (*models.RuleStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &models.RuleStats{ByStatus: map[string]int{}}
	var sum float64
	var scored int
	for _, r := range s.rules {
		st.Total++
		st.ByStatus[r.Status]++
		if r.Score != nil {
			sum += *r.Score
			scored++
		}
	}
	if scored > 0 {
		avg := sum / float64(scored)
		st.AvgScore = &avg
	}
	return st, nil
}

// --- Knowledge Clusters ---

func (s *Store) ListClusters(_ context.Context, filter store.ClusterFilter) ([]*models.KnowledgeCluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*models.KnowledgeCluster{}
	for _, c := range s.clusters {
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.ActiveOnly && !c.Active {
			continue
		}
		out = append(out, cloneCluster(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}

func (s *Store) ClusterMembers(_ context.Context, clusterID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Clone(s.members[clusterID])
	if ids == nil {
		ids = []uuid.UUID{}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids, nil
}

func (s *Store) SaveClusterRefresh(_ context.Context, clusterType string, clusters []*models.KnowledgeCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before mutating so the refresh stays all-or-nothing.
	for _, c := range clusters {
		if c.Type != clusterType {
			return fmt.Errorf("save cluster refresh: cluster %s has type %q, want %q", c.ID, c.Type, clusterType)
		}
		for _, existing := range s.clusters {
			if existing.ID != c.ID && existing.Type == c.Type && existing.Fingerprint == c.Fingerprint {
				return store.ErrDuplicateKey
			}
		}
		for _, m := range c.Members {
			if _, ok := s.analyses[m]; !ok {
				return fmt.Errorf("save cluster refresh: unknown analysis %s", m)
			}
		}
	}

	for id, c := range s.clusters {
		if c.Type == clusterType {
			delete(s.members, id)
		}
	}
	for _, c := range clusters {
		if existing, ok := s.clusters[c.ID]; ok {
			existing.Summary = c.Summary
			existing.DominantTag = c.DominantTag
			existing.MemberCount = c.MemberCount
			existing.Active = c.Active
			existing.RefreshedAt = c.RefreshedAt
		} else {
			s.clusters[c.ID] = cloneCluster(c)
		}
		if len(c.Members) > 0 {
			s.members[c.ID] = slices.Clone(c.Members)
		}
	}
	return nil
}

func (s *Store) ClusterStats(_ context.Context) (*models.ClusterStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &models.ClusterStats{ByType: map[string]int{}}
	for _, c := range s.clusters {
		st.Total++
		st.ByType[c.Type]++
		if c.Active {
			st.Active++
		}
	}
	return st, nil
}

// --- Daily Metrics ---

func (s *Store) UpsertDailyMetric(_ context.Context, m *models.DailyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *m
	c.Day = models.DayStart(m.Day)
	s.metrics[c.Day] = &c
	return nil
}

func (s *Store) GetDailyMetric(_ context.Context, day time.Time) (*models.DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[models.DayStart(day)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *Store) ListDailyMetrics(_ context.Context, from, to time.Time) ([]*models.DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to = models.DayStart(from), models.DayStart(to)
	out := []*models.DailyMetric{}
	for day, m := range s.metrics {
		if day.Before(from) || day.After(to) {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// --- copies ---

func cloneSession(s *models.Session) *models.Session {
	c := *s
	c.Messages = slices.Clone(s.Messages)
	if s.Fields != nil {
		c.Fields = make(map[string]models.CollectedField, len(s.Fields))
		for k, f := range s.Fields {
			f.History = slices.Clone(f.History)
			c.Fields[k] = f
		}
	}
	if s.AnalyzedAt != nil {
		t := *s.AnalyzedAt
		c.AnalyzedAt = &t
	}
	if s.ClaimToken != nil {
		tok := *s.ClaimToken
		c.ClaimToken = &tok
	}
	if s.ClaimedAt != nil {
		t := *s.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

func cloneAnalysis(a *models.Analysis) *models.Analysis {
	c := *a
	c.ViolationTags = slices.Clone(a.ViolationTags)
	c.DerivedTags = slices.Clone(a.DerivedTags)
	if c.ViolationTags == nil {
		c.ViolationTags = []string{}
	}
	if c.DerivedTags == nil {
		c.DerivedTags = []string{}
	}
	return &c
}

func cloneRule(r *models.Rule) *models.Rule {
	c := *r
	c.Score = cloneFloat(r.Score)
	if r.SourceClusterID != nil {
		id := *r.SourceClusterID
		c.SourceClusterID = &id
	}
	if r.LastEvaluatedAt != nil {
		t := *r.LastEvaluatedAt
		c.LastEvaluatedAt = &t
	}
	if r.LastReviewedAt != nil {
		t := *r.LastReviewedAt
		c.LastReviewedAt = &t
	}
	if r.LastReviewActor != nil {
		a := *r.LastReviewActor
		c.LastReviewActor = &a
	}
	return &c
}

func cloneCluster(k *models.KnowledgeCluster) *models.KnowledgeCluster {
	c := *k
	c.Signature = slices.Clone(k.Signature)
	c.Members = nil
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

var _ store.Store = (*Store)(nil)

