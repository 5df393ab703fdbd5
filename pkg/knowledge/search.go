package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dan-solli/gorevise/pkg/model"
)

// Search returns live points whose text, notes or tags contain query,
// case-insensitively. Results are ordered by mistake count, then id.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]*model.KnowledgePoint, error) {
	q := model.Normalize(query)
	if q == "" {
		return nil, fmt.Errorf("%w: search query cannot be empty", model.ErrValidation)
	}
	points, err := m.repo.ListLive(ctx)
	if err != nil {
		return nil, err
	}

	var out []*model.KnowledgePoint
	for _, p := range points {
		if matches(p, q) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MistakeCount != out[j].MistakeCount {
			return out[i].MistakeCount > out[j].MistakeCount
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(p *model.KnowledgePoint, q string) bool {
	fields := []string{p.KeyPoint, p.OriginalPhrase, p.Correction, p.Explanation, p.Notes, p.Subtype}
	fields = append(fields, p.Tags...)
	for _, f := range fields {
		if strings.Contains(model.Normalize(f), q) {
			return true
		}
	}
	return false
}

// UpdateNotes replaces a live point's notes.
func (m *Manager) UpdateNotes(ctx context.Context, id int64, notes string) (*model.KnowledgePoint, error) {
	return m.edit(ctx, id, func(p *model.KnowledgePoint) (string, map[string]any) {
		prior := map[string]any{"notes": p.Notes}
		p.Notes = strings.TrimSpace(notes)
		return model.ActionNotesUpdated, prior
	})
}

// SetTags replaces a live point's tags.
func (m *Manager) SetTags(ctx context.Context, id int64, tags []string) (*model.KnowledgePoint, error) {
	return m.edit(ctx, id, func(p *model.KnowledgePoint) (string, map[string]any) {
		prior := map[string]any{"tags": append([]string{}, p.Tags...)}
		p.Tags = model.NormalizeTags(tags)
		return model.ActionTagsUpdated, prior
	})
}

func (m *Manager) edit(ctx context.Context, id int64, fn func(p *model.KnowledgePoint) (string, map[string]any)) (*model.KnowledgePoint, error) {
	p, unlock, err := m.lockPoint(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if p.IsDeleted {
		return nil, fmt.Errorf("%w: id %d is in trash", model.ErrNotFound, id)
	}
	action, prior := fn(p)
	p.AppendHistory(m.now(), action, prior, m.opts.HistoryLimit)
	if err := m.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
