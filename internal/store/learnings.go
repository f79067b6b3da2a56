package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LearningKind classifies what a learning records.
type LearningKind string

const (
	// KindHotspot marks a file that sessions keep writing to.
	KindHotspot LearningKind = "hotspot"
	// KindRisk marks a high-risk file a session touched.
	KindRisk LearningKind = "risk"
)

// Learning is one fact derived from finished sessions.
type Learning struct {
	ID            string       `json:"id"`
	Workspace     string       `json:"workspace"`
	Kind          LearningKind `json:"kind"`
	Key           string       `json:"key"`
	Value         string       `json:"value,omitempty"`
	Confidence    float64      `json:"confidence"`
	Hits          int          `json:"hits"`
	SourceSession string       `json:"sourceSession,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// SessionRecord is the part of a session summary worth keeping.
type SessionRecord struct {
	ID            string
	Workspace     string
	Name          string
	StartedAt     time.Time
	EndedAt       time.Time
	FilesTouched  int
	Reads         int
	Writes        int
	WrittenFiles  []string
	HighRiskFiles []string
}

// confidence grows with hits and approaches 1.
func confidence(hits int) float64 {
	return 1 - 1/float64(hits+1)
}

// RecordSession stores a finished session and folds it into the workspace's
// learnings. It returns how many learnings were created or reinforced.
func (s *Store) RecordSession(ctx context.Context, rec *SessionRecord) (int, error) {
	highRisk, err := json.Marshal(nonNil(rec.HighRiskFiles))
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace, name, started_at, ended_at, files_touched, reads, writes, high_risk)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Workspace, rec.Name, rec.StartedAt.UTC(), rec.EndedAt.UTC(),
		rec.FilesTouched, rec.Reads, rec.Writes, string(highRisk),
	)
	if err != nil {
		return 0, err
	}

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO learnings (id, workspace, kind, key, value, confidence, hits, source_session, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (workspace, kind, key) DO UPDATE SET
			hits = hits + 1,
			confidence = 1.0 - 1.0 / (hits + 2),
			source_session = excluded.source_session,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, err
	}
	defer upsert.Close()

	now := time.Now().UTC()
	n := 0
	add := func(kind LearningKind, key, value string) error {
		_, err := upsert.ExecContext(ctx, uuid.NewString(), rec.Workspace, kind, key, value,
			confidence(1), rec.ID, now, now)
		if err == nil {
			n++
		}
		return err
	}
	for _, f := range rec.WrittenFiles {
		if err := add(KindHotspot, f, ""); err != nil {
			return 0, err
		}
	}
	for _, f := range rec.HighRiskFiles {
		if err := add(KindRisk, f, "high"); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit()
}

// CountSessions returns how many finished sessions are stored for workspace.
func (s *Store) CountSessions(ctx context.Context, workspace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE workspace = ?`, workspace).Scan(&n)
	return n, err
}

// ListLearnings retrieves a workspace's learnings at or above minConfidence,
// most confident first.
func (s *Store) ListLearnings(ctx context.Context, workspace string, minConfidence float64) ([]*Learning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace, kind, key, value, confidence, hits, source_session, created_at, updated_at
		FROM learnings WHERE workspace = ? AND confidence >= ?
		ORDER BY confidence DESC, kind, key`, workspace, minConfidence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	learnings := []*Learning{}
	for rows.Next() {
		var l Learning
		if err := rows.Scan(&l.ID, &l.Workspace, &l.Kind, &l.Key, &l.Value, &l.Confidence, &l.Hits,
			&l.SourceSession, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		learnings = append(learnings, &l)
	}
	return learnings, rows.Err()
}

// PruneOptions selects learnings to drop. A learning matches when it was
// last reinforced before OlderThan ago or its confidence is below
// MinConfidence. Empty Workspace means every workspace.
type PruneOptions struct {
	Workspace     string
	OlderThan     time.Duration
	MinConfidence float64
	DryRun        bool
}

// PruneResult reports a prune.
type PruneResult struct {
	Matched int64 `json:"matched"`
	Pruned  int64 `json:"pruned"`
	DryRun  bool  `json:"dryRun,omitempty"`
}

// PruneLearnings deletes stale or weak learnings.
func (s *Store) PruneLearnings(ctx context.Context, opts PruneOptions) (*PruneResult, error) {
	var (
		conds []string
		args  []any
	)
	if opts.OlderThan > 0 {
		conds = append(conds, "updated_at < ?")
		args = append(args, time.Now().UTC().Add(-opts.OlderThan))
	}
	if opts.MinConfidence > 0 {
		conds = append(conds, "confidence < ?")
		args = append(args, opts.MinConfidence)
	}
	res := &PruneResult{DryRun: opts.DryRun}
	if len(conds) == 0 {
		return res, nil
	}

	where := "(" + strings.Join(conds, " OR ") + ")"
	if opts.Workspace != "" {
		where += " AND workspace = ?"
		args = append(args, opts.Workspace)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learnings WHERE `+where, args...).Scan(&res.Matched); err != nil {
		return nil, err
	}
	if opts.DryRun || res.Matched == 0 {
		return res, nil
	}

	r, err := s.db.ExecContext(ctx, `DELETE FROM learnings WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	res.Pruned, _ = r.RowsAffected()
	return res, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
