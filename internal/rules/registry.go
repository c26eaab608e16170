// Package rules is the rule registry. It owns the rule lifecycle and enforces
// which component may write which rule fields.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

var (
	ErrForbiddenWriter   = errors.New("writer may not modify this rule field")
	ErrInvalidTransition = errors.New("invalid rule status transition")
	ErrInvalidRule       = errors.New("invalid rule")
)

// Writer identifies the component performing a registry write.
type Writer int

const (
	WriterAPI Writer = iota
	WriterEvaluator
	WriterPromoter
	WriterReviewer
)

func (w Writer) String() string {
	switch w {
	case WriterAPI:
		return "api"
	case WriterEvaluator:
		return "evaluator"
	case WriterPromoter:
		return "promoter"
	case WriterReviewer:
		return "reviewer"
	default:
		return fmt.Sprintf("writer(%d)", int(w))
	}
}

// validTransitions defines allowed rule status transitions.
// rejected and retired are terminal.
var validTransitions = map[string][]string{
	models.RuleStatusPending: {models.RuleStatusActive, models.RuleStatusRejected},
	models.RuleStatusActive:  {models.RuleStatusRetired},
}

// ValidTransition reports whether a rule may move from one status to another.
func ValidTransition(from, to string) bool {
	return slices.Contains(validTransitions[from], to)
}

// NewRule is the input to Create.
type NewRule struct {
	Key             string     `json:"key"`
	Name            string     `json:"name"`
	Category        string     `json:"category"`
	Definition      string     `json:"definition"`
	Source          string     `json:"-"`
	SourceClusterID *uuid.UUID `json:"-"`
}

// Evidence is recorded with a status transition.
type Evidence struct {
	Score       *float64
	SampleCount int
	Reason      string
	// ReviewActor, when set, also stamps last_reviewed_at/last_review_actor.
	ReviewActor string
}

// Registry is the only path through which rules are written.
type Registry struct {
	store store.RuleStore
	now   func() time.Time
}

// NewRegistry creates a Registry backed by rs.
func NewRegistry(rs store.RuleStore) *Registry {
	return &Registry{
		store: rs,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new pending rule. Returns store.ErrDuplicateKey if the key
// (or the source cluster) already has a rule.
func (r *Registry) Create(ctx context.Context, in NewRule) (*models.Rule, error) {
	in.Key = strings.TrimSpace(in.Key)
	in.Category = strings.TrimSpace(in.Category)
	if in.Key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidRule)
	}
	if in.Category == "" {
		return nil, fmt.Errorf("%w: category is required", ErrInvalidRule)
	}
	if in.Name == "" {
		in.Name = in.Key
	}
	if in.Source == "" {
		in.Source = models.RuleSourceManual
	}
	if in.Source != models.RuleSourceManual && in.Source != models.RuleSourceCluster {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidRule, in.Source)
	}

	now := r.now()
	rule := &models.Rule{
		ID:              uuid.New(),
		Key:             in.Key,
		Name:            in.Name,
		Category:        in.Category,
		Definition:      in.Definition,
		Status:          models.RuleStatusPending,
		Source:          in.Source,
		SourceClusterID: in.SourceClusterID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule %q: %w", in.Key, err)
	}
	slog.Info("rule created", "rule_id", rule.ID, "key", rule.Key, "category", rule.Category, "source", rule.Source)
	return rule, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	return r.store.GetRule(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter store.RuleFilter) ([]*models.Rule, error) {
	return r.store.ListRules(ctx, filter)
}

// ListActive returns active rules, highest score first, unscored last.
func (r *Registry) ListActive(ctx context.Context) ([]*models.Rule, error) {
	return r.store.ListRules(ctx, store.RuleFilter{Statuses: []string{models.RuleStatusActive}})
}

// UpdateScore writes score, sample count and the consecutive-low counter.
// Only the evaluator may call it.
func (r *Registry) UpdateScore(ctx context.Context, w Writer, id uuid.UUID, upd store.ScoreUpdate) error {
	if w != WriterEvaluator {
		return fmt.Errorf("%w: %s cannot write score", ErrForbiddenWriter, w)
	}
	if upd.EvaluatedAt.IsZero() {
		upd.EvaluatedAt = r.now()
	}
	if err := r.store.UpdateRuleScore(ctx, id, upd); err != nil {
		return fmt.Errorf("update score for rule %s: %w", id, err)
	}
	return nil
}

// AppendEvaluation appends an evaluation record. Only the evaluator may call it.
func (r *Registry) AppendEvaluation(ctx context.Context, w Writer, rec *models.EvaluationRecord) error {
	if w != WriterEvaluator {
		return fmt.Errorf("%w: %s cannot append evaluations", ErrForbiddenWriter, w)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := r.store.AppendEvaluation(ctx, rec); err != nil {
		return fmt.Errorf("append evaluation for rule %s: %w", rec.RuleID, err)
	}
	return nil
}

// RecentEvaluations returns up to limit evaluation records, newest first.
func (r *Registry) RecentEvaluations(ctx context.Context, id uuid.UUID, limit int) ([]*models.EvaluationRecord, error) {
	return r.store.ListEvaluations(ctx, id, limit)
}

// Transitions returns the audit trail of a rule's status changes, oldest first.
func (r *Registry) Transitions(ctx context.Context, id uuid.UUID) ([]*models.RuleTransition, error) {
	return r.store.ListTransitions(ctx, id)
}

// lowHistory bounds how many evaluation records TrailingLows inspects.
const lowHistory = 100

// TrailingLows counts the newest evaluation records scoring below threshold,
// stopping at the first record at or above it. Only records made since the
// rule entered its current status count, and records without a score are
// skipped.
func (r *Registry) TrailingLows(ctx context.Context, rule *models.Rule, threshold float64) (int, error) {
	history, err := r.store.ListTransitions(ctx, rule.ID)
	if err != nil {
		return 0, fmt.Errorf("list transitions for rule %s: %w", rule.ID, err)
	}
	var since time.Time
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == rule.Status {
			since = history[i].At
			break
		}
	}

	recs, err := r.store.ListEvaluations(ctx, rule.ID, lowHistory)
	if err != nil {
		return 0, fmt.Errorf("list evaluations for rule %s: %w", rule.ID, err)
	}
	n := 0
	for _, rec := range recs {
		if rec.EvaluatedAt.Before(since) {
			break
		}
		if rec.Score == nil {
			continue
		}
		if *rec.Score >= threshold {
			break
		}
		n++
	}
	return n, nil
}

// Transition moves rule to status to. Only the promoter and the reviewer may
// change status, only along the lifecycle, and only if the rule still has the
// status the caller read. The returned rule reflects the new status.
func (r *Registry) Transition(ctx context.Context, w Writer, rule *models.Rule, to string, ev Evidence) (*models.Rule, error) {
	if w != WriterPromoter && w != WriterReviewer {
		return nil, fmt.Errorf("%w: %s cannot change status", ErrForbiddenWriter, w)
	}
	if ev.ReviewActor != "" && w != WriterReviewer {
		return nil, fmt.Errorf("%w: %s cannot record reviews", ErrForbiddenWriter, w)
	}
	if !ValidTransition(rule.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rule.Status, to)
	}

	now := r.now()
	t := &models.RuleTransition{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		From:        rule.Status,
		To:          to,
		Actor:       w.String(),
		Score:       ev.Score,
		SampleCount: ev.SampleCount,
		Reason:      ev.Reason,
		At:          now,
	}
	var stamp *store.ReviewStamp
	if ev.ReviewActor != "" {
		if err := validActor(ev.ReviewActor); err != nil {
			return nil, err
		}
		stamp = &store.ReviewStamp{Actor: ev.ReviewActor, At: now}
	}

	if err := r.store.TransitionRule(ctx, t, stamp); err != nil {
		return nil, fmt.Errorf("transition rule %s %s -> %s: %w", rule.ID, t.From, t.To, err)
	}

	attrs := []any{
		"rule_id", rule.ID,
		"key", rule.Key,
		"from", t.From,
		"to", t.To,
		"sample_count", t.SampleCount,
		"actor", t.Actor,
		"reason", t.Reason,
	}
	if t.Score != nil {
		attrs = append(attrs, "score", *t.Score)
	}
	slog.Info("rule transitioned", attrs...)
	metrics.RuleTransitions.WithLabelValues(t.From, t.To, t.Actor).Inc()

	updated := *rule
	updated.Status = to
	updated.UpdatedAt = now
	if stamp != nil {
		at, actor := stamp.At, stamp.Actor
		updated.LastReviewedAt = &at
		updated.LastReviewActor = &actor
	}
	return &updated, nil
}

// RecordReview stamps a review that did not change the rule's status.
func (r *Registry) RecordReview(ctx context.Context, w Writer, id uuid.UUID, actor string) error {
	if w != WriterReviewer {
		return fmt.Errorf("%w: %s cannot record reviews", ErrForbiddenWriter, w)
	}
	if err := validActor(actor); err != nil {
		return err
	}
	if err := r.store.RecordReview(ctx, id, store.ReviewStamp{Actor: actor, At: r.now()}); err != nil {
		return fmt.Errorf("record review for rule %s: %w", id, err)
	}
	return nil
}

func validActor(actor string) error {
	if actor != models.ReviewActorHuman && actor != models.ReviewActorAutomated {
		return fmt.Errorf("%w: unknown review actor %q", ErrInvalidRule, actor)
	}
	return nil
}
