package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/gorevise/pkg/model"
)

const pointColumns = `id, fingerprint, key_point, original_phrase, correction, category, subtype,
	explanation, mastery_level, mistake_count, correct_count, created_at, last_seen, next_review,
	is_deleted, deleted_at, deleted_reason, notes, history`

// childChunk keeps IN lists well below SQLite's bound-parameter limit.
const childChunk = 500

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (*model.KnowledgePoint, error) {
	var (
		p          model.KnowledgePoint
		category   string
		createdAt  int64
		lastSeen   int64
		nextReview sql.NullInt64
		isDeleted  int
		deletedAt  sql.NullInt64
		history    string
	)
	err := row.Scan(&p.ID, &p.Fingerprint, &p.KeyPoint, &p.OriginalPhrase, &p.Correction, &category,
		&p.Subtype, &p.Explanation, &p.MasteryLevel, &p.MistakeCount, &p.CorrectCount, &createdAt,
		&lastSeen, &nextReview, &isDeleted, &deletedAt, &p.DeletedReason, &p.Notes, &history)
	if err != nil {
		return nil, err
	}

	c, err := model.ParseCategory(category)
	if err != nil {
		return nil, fmt.Errorf("%w: point %d stored category %q", model.ErrConsistency, p.ID, category)
	}
	p.Category = c
	p.CreatedAt = fromNanos(createdAt)
	p.LastSeen = fromNanos(lastSeen)
	p.NextReview = fromNullNanos(nextReview)
	p.IsDeleted = isDeleted != 0
	p.DeletedAt = fromNullNanos(deletedAt)
	if history != "" && history != "[]" {
		if err := json.Unmarshal([]byte(history), &p.History); err != nil {
			return nil, fmt.Errorf("%w: point %d history: %v", model.ErrConsistency, p.ID, err)
		}
	}
	return &p, nil
}

func (s *SQLiteRepository) queryPoints(ctx context.Context, q querier, where string, args ...any) ([]*model.KnowledgePoint, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+pointColumns+" FROM knowledge_points "+where, args...)
	if err != nil {
		return nil, backendErr("query", 0, err)
	}
	defer rows.Close()

	var points []*model.KnowledgePoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, backendErr("scan", 0, err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, backendErr("query", 0, err)
	}
	// Release the connection before the child queries; the pool holds one.
	rows.Close()
	if err := s.loadChildren(ctx, q, points); err != nil {
		return nil, err
	}
	return points, nil
}

// loadChildren fills tags, original errors and review examples in bulk.
func (s *SQLiteRepository) loadChildren(ctx context.Context, q querier, points []*model.KnowledgePoint) error {
	byID := make(map[int64]*model.KnowledgePoint, len(points))
	ids := make([]any, 0, len(points))
	for _, p := range points {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	for start := 0; start < len(ids); start += childChunk {
		end := start + childChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		in := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		if err := scanRows(ctx, q, "SELECT point_id, tag FROM tags WHERE point_id IN ("+in+") ORDER BY point_id, tag", chunk,
			func(rows *sql.Rows) error {
				var id int64
				var tag string
				if err := rows.Scan(&id, &tag); err != nil {
					return err
				}
				byID[id].Tags = append(byID[id].Tags, tag)
				return nil
			}); err != nil {
			return err
		}

		if err := scanRows(ctx, q, "SELECT point_id, phrase, correction, severity, created_at FROM original_errors WHERE point_id IN ("+in+") ORDER BY id", chunk,
			func(rows *sql.Rows) error {
				var id, at int64
				var e model.OriginalError
				if err := rows.Scan(&id, &e.Phrase, &e.Correction, &e.Severity, &at); err != nil {
					return err
				}
				e.At = fromNanos(at)
				byID[id].OriginalErrors = append(byID[id].OriginalErrors, e)
				return nil
			}); err != nil {
			return err
		}

		if err := scanRows(ctx, q, "SELECT point_id, answer, correct, created_at FROM review_examples WHERE point_id IN ("+in+") ORDER BY id", chunk,
			func(rows *sql.Rows) error {
				var id, at int64
				var correct int
				var e model.ReviewExample
				if err := rows.Scan(&id, &e.Answer, &correct, &at); err != nil {
					return err
				}
				e.Correct = correct != 0
				e.At = fromNanos(at)
				byID[id].ReviewExamples = append(byID[id].ReviewExamples, e)
				return nil
			}); err != nil {
			return err
		}
	}
	return nil
}

func scanRows(ctx context.Context, q querier, query string, args []any, fn func(rows *sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return backendErr("query", 0, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return backendErr("scan", 0, err)
		}
	}
	if err := rows.Err(); err != nil {
		return backendErr("query", 0, err)
	}
	return nil
}

func (s *SQLiteRepository) getPoint(ctx context.Context, q querier, id int64) (*model.KnowledgePoint, error) {
	points, err := s.queryPoints(ctx, q, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: id %d", model.ErrNotFound, id)
	}
	return points[0], nil
}

// Get implements Repository.
func (s *SQLiteRepository) Get(ctx context.Context, id int64) (*model.KnowledgePoint, error) {
	p, err := s.getPoint(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByFingerprint implements Repository.
func (s *SQLiteRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*model.KnowledgePoint, error) {
	points, err := s.queryPoints(ctx, s.db, "WHERE fingerprint = ? AND is_deleted = 0", fingerprint)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	if err := points[0].Validate(); err != nil {
		return nil, err
	}
	return points[0], nil
}

// ListLive implements Repository.
func (s *SQLiteRepository) ListLive(ctx context.Context) ([]*model.KnowledgePoint, error) {
	points, err := s.queryPoints(ctx, s.db, "WHERE is_deleted = 0 ORDER BY id")
	if err != nil {
		return nil, err
	}
	return points, validateAll(points)
}

// ListDeleted implements Repository.
func (s *SQLiteRepository) ListDeleted(ctx context.Context) ([]*model.KnowledgePoint, error) {
	points, err := s.queryPoints(ctx, s.db, "WHERE is_deleted = 1 ORDER BY deleted_at, id")
	if err != nil {
		return nil, err
	}
	return points, validateAll(points)
}

// translateWriteErr maps constraint failures onto the domain taxonomy.
func translateWriteErr(op string, id int64, err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", model.ErrConflict, err)
	case isCheckViolation(err):
		return fmt.Errorf("%w: %v", model.ErrConsistency, err)
	}
	return backendErr(op, id, err)
}

func (s *SQLiteRepository) insertPoint(ctx context.Context, tx *sql.Tx, p *model.KnowledgePoint) (int64, error) {
	history, err := encodeJSON(p.History)
	if err != nil {
		return 0, backendErr("create", 0, err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO knowledge_points (fingerprint, key_point, original_phrase, correction, category, subtype,
			explanation, mastery_level, mistake_count, correct_count, created_at, last_seen, next_review,
			is_deleted, deleted_at, deleted_reason, notes, history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Fingerprint, p.KeyPoint, p.OriginalPhrase, p.Correction, p.Category.String(), p.Subtype,
		p.Explanation, p.MasteryLevel, p.MistakeCount, p.CorrectCount, toNanos(p.CreatedAt), toNanos(p.LastSeen),
		nullNanos(p.NextReview), boolInt(p.IsDeleted), nullNanos(p.DeletedAt), p.DeletedReason, p.Notes, history)
	if err != nil {
		return 0, translateWriteErr("create", 0, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, backendErr("create", 0, err)
	}
	if err := s.writeChildren(ctx, tx, id, p); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteRepository) writeChildren(ctx context.Context, tx *sql.Tx, id int64, p *model.KnowledgePoint) error {
	if err := deleteChildren(ctx, tx, id); err != nil {
		return err
	}
	for _, tag := range model.NormalizeTags(p.Tags) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO tags (point_id, tag) VALUES (?, ?)", id, tag); err != nil {
			return backendErr("write_tags", id, err)
		}
	}
	for _, e := range p.OriginalErrors {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO original_errors (point_id, phrase, correction, severity, created_at) VALUES (?, ?, ?, ?, ?)",
			id, e.Phrase, e.Correction, e.Severity, toNanos(e.At)); err != nil {
			return backendErr("write_original_errors", id, err)
		}
	}
	for _, e := range p.ReviewExamples {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO review_examples (point_id, answer, correct, created_at) VALUES (?, ?, ?, ?)",
			id, e.Answer, boolInt(e.Correct), toNanos(e.At)); err != nil {
			return backendErr("write_review_examples", id, err)
		}
	}
	return nil
}

func deleteChildren(ctx context.Context, tx *sql.Tx, id int64) error {
	for _, table := range []string{"tags", "original_errors", "review_examples"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE point_id = ?", id); err != nil {
			return backendErr("delete_"+table, id, err)
		}
	}
	return nil
}

// Create implements Repository.
func (s *SQLiteRepository) Create(ctx context.Context, p *model.KnowledgePoint) (*model.KnowledgePoint, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var id int64
	err := s.withTx(ctx, "create", func(tx *sql.Tx) error {
		var err error
		id, err = s.insertPoint(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := p.Clone()
	out.ID = id
	out.Tags = model.NormalizeTags(out.Tags)
	return out, nil
}

var errRefused = errors.New("quota refused")

// CreateAdmitted implements Repository. The counter is bumped with a
// conditional UPDATE so two writers can never both pass the check.
func (s *SQLiteRepository) CreateAdmitted(ctx context.Context, p *model.KnowledgePoint, req AdmitRequest) (AdmitResult, error) {
	if err := p.Validate(); err != nil {
		return AdmitResult{}, err
	}
	var res AdmitResult
	err := s.withTx(ctx, "create_admitted", func(tx *sql.Tx) error {
		settings, err := s.userSettings(ctx, tx, req.UserID, req.Defaults)
		if err != nil {
			return err
		}
		res.Settings = settings

		if p.Category.Limited() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO daily_knowledge_stats (date, user_id, isolated_count, enhancement_count)
				VALUES (?, ?, 0, 0)
				ON CONFLICT (date, user_id) DO NOTHING`, req.Date, req.UserID); err != nil {
				return backendErr("quota_row", 0, err)
			}

			var iso, enh int
			if p.Category == model.Isolated {
				iso = 1
			} else {
				enh = 1
			}
			r, err := tx.ExecContext(ctx, `
				UPDATE daily_knowledge_stats
				SET isolated_count = isolated_count + ?, enhancement_count = enhancement_count + ?
				WHERE date = ? AND user_id = ? AND (? = 0 OR isolated_count + enhancement_count < ?)`,
				iso, enh, req.Date, req.UserID, boolInt(settings.LimitEnabled), settings.DailyLimit)
			if err != nil {
				return backendErr("quota_increment", 0, err)
			}
			n, err := r.RowsAffected()
			if err != nil {
				return backendErr("quota_increment", 0, err)
			}
			if n == 0 {
				res.Counter, err = s.quotaCounter(ctx, tx, req.UserID, req.Date)
				if err != nil {
					return err
				}
				return errRefused
			}
		}

		id, err := s.insertPoint(ctx, tx, p)
		if err != nil {
			return err
		}
		res.Point = p.Clone()
		res.Point.ID = id
		res.Point.Tags = model.NormalizeTags(res.Point.Tags)
		res.Counter, err = s.quotaCounter(ctx, tx, req.UserID, req.Date)
		return err
	})
	if errors.Is(err, errRefused) {
		return res, nil
	}
	if err != nil {
		return AdmitResult{}, err
	}
	res.Admitted = true
	return res, nil
}

func (s *SQLiteRepository) updatePoint(ctx context.Context, tx *sql.Tx, p *model.KnowledgePoint) error {
	history, err := encodeJSON(p.History)
	if err != nil {
		return backendErr("update", p.ID, err)
	}
	r, err := tx.ExecContext(ctx, `
		UPDATE knowledge_points SET
			fingerprint = ?, key_point = ?, original_phrase = ?, correction = ?, category = ?, subtype = ?,
			explanation = ?, mastery_level = ?, mistake_count = ?, correct_count = ?, created_at = ?,
			last_seen = ?, next_review = ?, is_deleted = ?, deleted_at = ?, deleted_reason = ?, notes = ?,
			history = ?
		WHERE id = ?`,
		p.Fingerprint, p.KeyPoint, p.OriginalPhrase, p.Correction, p.Category.String(), p.Subtype,
		p.Explanation, p.MasteryLevel, p.MistakeCount, p.CorrectCount, toNanos(p.CreatedAt),
		toNanos(p.LastSeen), nullNanos(p.NextReview), boolInt(p.IsDeleted), nullNanos(p.DeletedAt),
		p.DeletedReason, p.Notes, history, p.ID)
	if err != nil {
		return translateWriteErr("update", p.ID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return backendErr("update", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", model.ErrNotFound, p.ID)
	}
	return s.writeChildren(ctx, tx, p.ID, p)
}

// Update implements Repository.
func (s *SQLiteRepository) Update(ctx context.Context, p *model.KnowledgePoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, "update", func(tx *sql.Tx) error {
		return s.updatePoint(ctx, tx, p)
	})
}

func (s *SQLiteRepository) removePoint(ctx context.Context, tx *sql.Tx, p *model.KnowledgePoint, entry model.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deletion_audit (id, point_id, fingerprint, key_point, category, mistake_count,
			deleted_at, deleted_reason, purged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.PointID, entry.Fingerprint, entry.KeyPoint, entry.Category.String(),
		entry.MistakeCount, toNanos(entry.DeletedAt), entry.DeletedReason, toNanos(entry.PurgedAt))
	if err != nil {
		return backendErr("audit", p.ID, err)
	}
	if err := deleteChildren(ctx, tx, p.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM knowledge_points WHERE id = ?", p.ID); err != nil {
		return backendErr("delete", p.ID, err)
	}
	return nil
}

// Absorb implements Repository.
func (s *SQLiteRepository) Absorb(ctx context.Context, survivor *model.KnowledgePoint, absorbedID int64, now time.Time) error {
	if err := survivor.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, "absorb", func(tx *sql.Tx) error {
		absorbed, err := s.getPoint(ctx, tx, absorbedID)
		if err != nil {
			return err
		}
		entry := NewAuditEntry(absorbed, fmt.Sprintf("merged into %d", survivor.ID), now)
		if err := s.removePoint(ctx, tx, absorbed, entry); err != nil {
			return err
		}
		return s.updatePoint(ctx, tx, survivor)
	})
}

// PurgeTrash implements Repository.
func (s *SQLiteRepository) PurgeTrash(ctx context.Context, req PurgeRequest) ([]model.AuditEntry, error) {
	limit := req.MaxBatch
	if limit <= 0 {
		limit = -1
	}
	var entries []model.AuditEntry
	err := s.withTx(ctx, "purge", func(tx *sql.Tx) error {
		trash, err := s.queryPoints(ctx, tx,
			`WHERE is_deleted = 1 AND deleted_at IS NOT NULL AND deleted_at < ?
				AND (? <= 0 OR mistake_count < ?)
			ORDER BY deleted_at, id LIMIT ?`,
			toNanos(req.Cutoff), req.HighValueFloor, req.HighValueFloor, limit)
		if err != nil {
			return err
		}
		for _, p := range trash {
			entry := NewAuditEntry(p, "", req.Now)
			if err := s.removePoint(ctx, tx, p, entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
