package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sessions ---

const sessionColumns = `id, messages, fields, outcome, analyzed_at, claim_token, claimed_at,
	analysis_attempts, last_error, unanalyzable, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var ses models.Session
	err := row.Scan(&ses.ID, &ses.Messages, &ses.Fields, &ses.Outcome, &ses.AnalyzedAt,
		&ses.ClaimToken, &ses.ClaimedAt, &ses.AnalysisAttempts, &ses.LastError,
		&ses.Unanalyzable, &ses.CreatedAt, &ses.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ses, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, ses *models.Session) error {
	if ses.Messages == nil {
		ses.Messages = []models.Message{}
	}
	if ses.Fields == nil {
		ses.Fields = map[string]models.CollectedField{}
	}
	if ses.Outcome == "" {
		ses.Outcome = models.OutcomeUnknown
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, messages, fields, outcome, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ses.ID, ses.Messages, ses.Fields, ses.Outcome, ses.CreatedAt, ses.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	ses, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ses, nil
}

func (s *PostgresStore) SetSessionOutcome(ctx context.Context, id uuid.UUID, outcome string) error {
	if !models.ValidOutcome(outcome) {
		return fmt.Errorf("set session outcome: invalid outcome %q", outcome)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET outcome = $2, updated_at = NOW() WHERE id = $1`, id, outcome)
	if err != nil {
		return fmt.Errorf("set session outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSessions uses FOR UPDATE SKIP LOCKED so concurrent claimers partition
// the backlog instead of blocking on each other; the WHERE clause is re-checked
// on the locked row, which makes the claim a compare-and-set on claimed_at.
func (s *PostgresStore) ClaimSessions(ctx context.Context, token uuid.UUID, limit int, staleAfter time.Duration) ([]*models.Session, error) {
	if limit <= 0 {
		return []*models.Session{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE sessions s
		 SET claim_token = $1, claimed_at = NOW(), updated_at = NOW()
		 FROM (
		     SELECT id FROM sessions
		     WHERE analyzed_at IS NULL AND NOT unanalyzable
		       AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $3))
		     ORDER BY created_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 ) c
		 WHERE s.id = c.id
		 RETURNING s.id, s.messages, s.fields, s.outcome, s.analyzed_at, s.claim_token, s.claimed_at,
		     s.analysis_attempts, s.last_error, s.unanalyzable, s.created_at, s.updated_at`,
		token, limit, staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, ses)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) CompleteAnalysis(ctx context.Context, token uuid.UUID, a *models.Analysis) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete analysis: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sessions
		 SET analyzed_at = $3, claim_token = NULL, claimed_at = NULL, last_error = '', updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND analyzed_at IS NULL`,
		a.SessionID, token, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("stamp analyzed_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO analyses (id, session_id, completion, professionalism, violation_tags, appeal_success,
		     rationale, derived_tags, provider, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.SessionID, a.Completion, a.Professionalism, a.ViolationTags, a.AppealSuccess,
		a.Rationale, a.DerivedTags, a.Provider, a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrClaimLost
		}
		return fmt.Errorf("insert analysis: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, id, token uuid.UUID, opts ReleaseOptions) (*ReleaseResult, error) {
	inc := 0
	if opts.CountAttempt {
		inc = 1
	}
	var res ReleaseResult
	err := s.pool.QueryRow(ctx,
		`UPDATE sessions SET
		     claim_token = NULL,
		     claimed_at = NULL,
		     analysis_attempts = analysis_attempts + $3,
		     last_error = CASE WHEN $4 <> '' THEN $4 ELSE last_error END,
		     unanalyzable = unanalyzable OR $5 OR ($6 > 0 AND analysis_attempts + $3 >= $6),
		     updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND analyzed_at IS NULL
		 RETURNING analysis_attempts, unanalyzable`,
		id, token, inc, opts.Error, opts.Permanent, opts.MaxAttempts,
	).Scan(&res.Attempts, &res.Unanalyzable)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("release claim: %w", err)
	}
	return &res, nil
}

// --- Analyses ---

func (s *PostgresStore) ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]*models.Analysis, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("a.created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, fmt.Sprintf("a.created_at < $%d", argIdx))
		args = append(args, filter.Until)
		argIdx++
	}
	if filter.Tag != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(a.derived_tags)", argIdx))
		args = append(args, filter.Tag)
		argIdx++
	}
	if filter.KnownOutcome {
		conditions = append(conditions, "s.outcome IN ('success', 'fail')")
	}

	order := "ASC"
	if filter.NewestFirst {
		order = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT a.id, a.session_id, a.completion, a.professionalism, a.violation_tags, a.appeal_success,
		     a.rationale, a.derived_tags, a.provider, a.created_at, s.outcome
		 FROM analyses a JOIN sessions s ON s.id = a.session_id
		 WHERE %s ORDER BY a.created_at %s, a.id %s`,
		strings.Join(conditions, " AND "), order, order)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	analyses := []*models.Analysis{}
	for rows.Next() {
		var a models.Analysis
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Completion, &a.Professionalism, &a.ViolationTags,
			&a.AppealSuccess, &a.Rationale, &a.DerivedTags, &a.Provider, &a.CreatedAt, &a.Outcome); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		analyses = append(analyses, &a)
	}
	return analyses, rows.Err()
}

func (s *PostgresStore) CountSessions(ctx context.Context, filter SessionCountFilter) (int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if !filter.CreatedSince.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.CreatedSince)
		argIdx++
	}
	if !filter.CreatedUntil.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, filter.CreatedUntil)
		argIdx++
	}
	if filter.OnlyUnanalyzable {
		conditions = append(conditions, "unanalyzable")
	}

	var n int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM sessions WHERE "+strings.Join(conditions, " AND "), args...,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AnalysisStats(ctx context.Context) (*models.AnalysisStats, error) {
	var st models.AnalysisStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(completion), 0), COALESCE(AVG(professionalism), 0),
		     COALESCE(AVG(appeal_success), 0)
		 FROM analyses`,
	).Scan(&st.Total, &st.AvgCompletion, &st.AvgProfessionalism, &st.AvgAppealSuccess)
	if err != nil {
		return nil, fmt.Errorf("analysis stats: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT
		     COUNT(*) FILTER (WHERE analyzed_at IS NULL AND NOT unanalyzable AND claimed_at IS NULL),
		     COUNT(*) FILTER (WHERE analyzed_at IS NULL AND NOT unanalyzable AND claimed_at IS NOT NULL),
		     COUNT(*) FILTER (WHERE unanalyzable)
		 FROM sessions`,
	).Scan(&st.Pending, &st.Claimed, &st.Unanalyzable)
	if err != nil {
		return nil, fmt.Errorf("session backlog stats: %w", err)
	}
	return &st, nil
}

// --- Rules ---

const ruleColumns = `id, key, name, category, definition, status, score, sample_count, consecutive_low,
	source, source_cluster_id, last_evaluated_at, last_reviewed_at, last_review_actor, created_at, updated_at`

func scanRule(row pgx.Row) (*models.Rule, error) {
	var r models.Rule
	err := row.Scan(&r.ID, &r.Key, &r.Name, &r.Category, &r.Definition, &r.Status, &r.Score,
		&r.SampleCount, &r.ConsecutiveLow, &r.Source, &r.SourceClusterID, &r.LastEvaluatedAt,
		&r.LastReviewedAt, &r.LastReviewActor, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateRule(ctx context.Context, r *models.Rule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rules (id, key, name, category, definition, status, source, source_cluster_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Key, r.Name, r.Category, r.Definition, r.Status, r.Source, r.SourceClusterID,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id uuid.UUID) (*models.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetRuleBySourceCluster(ctx context.Context, clusterID uuid.UUID) (*models.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE source_cluster_id = $1`, clusterID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule by source cluster: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRules(ctx context.Context, filter RuleFilter) ([]*models.Rule, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, filter.Statuses)
		argIdx++
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argIdx))
		args = append(args, filter.Category)
		argIdx++
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE `+strings.Join(conditions, " AND ")+
			` ORDER BY score DESC NULLS LAST, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := []*models.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) UpdateRuleScore(ctx context.Context, id uuid.UUID, upd ScoreUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rules SET score = $2, sample_count = $3, consecutive_low = $4,
		     last_evaluated_at = $5, updated_at = $5
		 WHERE id = $1`,
		id, upd.Score, upd.SampleCount, upd.ConsecutiveLow, upd.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("update rule score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TransitionRule(ctx context.Context, t *models.RuleTransition, review *ReviewStamp) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rule transition: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE rules SET status = $2, updated_at = $3`
	args := []any{t.RuleID, t.To, t.At, t.From}
	argIdx := 5
	if review != nil {
		query += fmt.Sprintf(", last_reviewed_at = $%d, last_review_actor = $%d", argIdx, argIdx+1)
		args = append(args, review.At, review.Actor)
	}
	query += " WHERE id = $1 AND status = $4"

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update rule status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rules WHERE id = $1)`, t.RuleID).Scan(&exists); err != nil {
			return fmt.Errorf("check rule exists: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStaleStatus
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO rule_transitions (id, rule_id, from_status, to_status, actor, score, sample_count, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.RuleID, t.From, t.To, t.Actor, t.Score, t.SampleCount, t.Reason, t.At)
	if err != nil {
		return fmt.Errorf("insert rule transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rule transition: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordReview(ctx context.Context, id uuid.UUID, stamp ReviewStamp) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE rules SET last_reviewed_at = $2, last_review_actor = $3, updated_at = $2 WHERE id = $1`,
		id, stamp.At, stamp.Actor)
	if err != nil {
		return fmt.Errorf("record review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendEvaluation(ctx context.Context, rec *models.EvaluationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rule_evaluations (id, rule_id, score, sample_count, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.RuleID, rec.Score, rec.SampleCount, rec.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("append evaluation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvaluations(ctx context.Context, ruleID uuid.UUID, limit int) ([]*models.EvaluationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, score, sample_count, evaluated_at FROM rule_evaluations
		 WHERE rule_id = $1 ORDER BY evaluated_at DESC, id DESC LIMIT $2`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	recs := []*models.EvaluationRecord{}
	for rows.Next() {
		var r models.EvaluationRecord
		if err := rows.Scan(&r.ID, &r.RuleID, &r.Score, &r.SampleCount, &r.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) ListTransitions(ctx context.Context, ruleID uuid.UUID) ([]*models.RuleTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, from_status, to_status, actor, score, sample_count, reason, at
		 FROM rule_transitions WHERE rule_id = $1 ORDER BY at ASC, id ASC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	out := []*models.RuleTransition{}
	for rows.Next() {
		var t models.RuleTransition
		if err := rows.Scan(&t.ID, &t.RuleID, &t.From, &t.To, &t.Actor, &t.Score, &t.SampleCount,
			&t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RuleStats(ctx context.Context) (*models.RuleStats, error) {
	st := &models.RuleStats{ByStatus: map[string]int{}}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM rules GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("rule stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan rule stats: %w", err)
		}
		st.ByStatus[status] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule stats: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT AVG(score) FROM rules WHERE score IS NOT NULL`).Scan(&st.AvgScore); err != nil {
		return nil, fmt.Errorf("rule avg score: %w", err)
	}
	return st, nil
}

// --- Knowledge Clusters ---

const clusterColumns = `id, type, fingerprint, signature, summary, dominant_tag, member_count, active, refreshed_at, created_at`

func (s *PostgresStore) ListClusters(ctx context.Context, filter ClusterFilter) ([]*models.KnowledgeCluster, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	if filter.Type != "" {
		conditions = append(conditions, "type = $1")
		args = append(args, filter.Type)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "active")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+clusterColumns+` FROM knowledge_clusters WHERE `+strings.Join(conditions, " AND ")+
			` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	clusters := []*models.KnowledgeCluster{}
	for rows.Next() {
		var c models.KnowledgeCluster
		if err := rows.Scan(&c.ID, &c.Type, &c.Fingerprint, &c.Signature, &c.Summary, &c.DominantTag,
			&c.MemberCount, &c.Active, &c.RefreshedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, &c)
	}
	return clusters, rows.Err()
}

func (s *PostgresStore) ClusterMembers(ctx context.Context, clusterID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT analysis_id FROM cluster_members WHERE cluster_id = $1 ORDER BY analysis_id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("cluster members: %w", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SaveClusterRefresh(ctx context.Context, clusterType string, clusters []*models.KnowledgeCluster) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cluster refresh: %w", err)
	}
	defer tx.Rollback(ctx)

	var memberRows [][]any
	for _, c := range clusters {
		if c.Type != clusterType {
			return fmt.Errorf("save cluster refresh: cluster %s has type %q, want %q", c.ID, c.Type, clusterType)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO knowledge_clusters (`+clusterColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
			   summary = EXCLUDED.summary,
			   dominant_tag = EXCLUDED.dominant_tag,
			   member_count = EXCLUDED.member_count,
			   active = EXCLUDED.active,
			   refreshed_at = EXCLUDED.refreshed_at`,
			c.ID, c.Type, c.Fingerprint, c.Signature, c.Summary, c.DominantTag, c.MemberCount,
			c.Active, c.RefreshedAt, c.CreatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("upsert cluster: %w", err)
		}
		for _, m := range c.Members {
			memberRows = append(memberRows, []any{c.ID, m})
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM cluster_members WHERE cluster_id IN (SELECT id FROM knowledge_clusters WHERE type = $1)`,
		clusterType); err != nil {
		return fmt.Errorf("clear cluster members: %w", err)
	}

	if len(memberRows) > 0 {
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"cluster_members"},
			[]string{"cluster_id", "analysis_id"}, pgx.CopyFromRows(memberRows)); err != nil {
			return fmt.Errorf("copy cluster members: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cluster refresh: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClusterStats(ctx context.Context) (*models.ClusterStats, error) {
	st := &models.ClusterStats{ByType: map[string]int{}}
	rows, err := s.pool.Query(ctx,
		`SELECT type, COUNT(*), COUNT(*) FILTER (WHERE active) FROM knowledge_clusters GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("cluster stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var total, active int
		if err := rows.Scan(&typ, &total, &active); err != nil {
			return nil, fmt.Errorf("scan cluster stats: %w", err)
		}
		st.ByType[typ] = total
		st.Total += total
		st.Active += active
	}
	return st, rows.Err()
}

// --- Daily Metrics ---

const metricColumns = `day, request_count, analysis_count, failed_count, avg_completion, avg_professionalism,
	avg_appeal_success, updated_at`

func (s *PostgresStore) UpsertDailyMetric(ctx context.Context, m *models.DailyMetric) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_metrics (`+metricColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (day) DO UPDATE SET
		   request_count = EXCLUDED.request_count,
		   analysis_count = EXCLUDED.analysis_count,
		   failed_count = EXCLUDED.failed_count,
		   avg_completion = EXCLUDED.avg_completion,
		   avg_professionalism = EXCLUDED.avg_professionalism,
		   avg_appeal_success = EXCLUDED.avg_appeal_success,
		   updated_at = EXCLUDED.updated_at`,
		models.DayStart(m.Day), m.RequestCount, m.AnalysisCount, m.FailedCount, m.AvgCompletion,
		m.AvgProfessionalism, m.AvgAppealSuccess, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert daily metric: %w", err)
	}
	return nil
}

func scanMetric(row pgx.Row) (*models.DailyMetric, error) {
	var m models.DailyMetric
	if err := row.Scan(&m.Day, &m.RequestCount, &m.AnalysisCount, &m.FailedCount, &m.AvgCompletion,
		&m.AvgProfessionalism, &m.AvgAppealSuccess, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Day = models.DayStart(m.Day)
	return &m, nil
}

func (s *PostgresStore) GetDailyMetric(ctx context.Context, day time.Time) (*models.DailyMetric, error) {
	m, err := scanMetric(s.pool.QueryRow(ctx,
		`SELECT `+metricColumns+` FROM daily_metrics WHERE day = $1`, models.DayStart(day)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily metric: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListDailyMetrics(ctx context.Context, from, to time.Time) ([]*models.DailyMetric, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+metricColumns+` FROM daily_metrics WHERE day >= $1 AND day <= $2 ORDER BY day ASC`,
		models.DayStart(from), models.DayStart(to))
	if err != nil {
		return nil, fmt.Errorf("list daily metrics: %w", err)
	}
	defer rows.Close()

	out := []*models.DailyMetric{}
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
