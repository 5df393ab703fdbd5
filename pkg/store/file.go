package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/dan-solli/gorevise/pkg/model"
)

const fileFormatVersion = 1

// fileDocument is the on-disk layout of the flat-file backend.
type fileDocument struct {
	Version  int                       `json:"version"`
	NextID   int64                     `json:"next_id"`
	Points   []*model.KnowledgePoint   `json:"knowledge_points"`
	Counters []model.DailyQuotaCounter `json:"daily_knowledge_stats"`
	Settings []model.UserSettings      `json:"user_settings"`
	Audit    []model.AuditEntry        `json:"deletion_audit"`
}

func (d *fileDocument) find(id int64) int {
	for i, p := range d.Points {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (d *fileDocument) liveByFingerprint(fp string) *model.KnowledgePoint {
	for _, p := range d.Points {
		if !p.IsDeleted && p.Fingerprint == fp {
			return p
		}
	}
	return nil
}

func (d *fileDocument) counter(userID, date string) *model.DailyQuotaCounter {
	for i := range d.Counters {
		if d.Counters[i].UserID == userID && d.Counters[i].Date == date {
			return &d.Counters[i]
		}
	}
	d.Counters = append(d.Counters, model.DailyQuotaCounter{Date: date, UserID: userID})
	return &d.Counters[len(d.Counters)-1]
}

func (d *fileDocument) settings(userID string, defaults model.UserSettings) model.UserSettings {
	for _, s := range d.Settings {
		if s.UserID == userID {
			return s
		}
	}
	defaults.UserID = userID
	return defaults
}

// FileRepository stores everything in one JSON document. Every operation
// re-reads the document under a process mutex and an OS file lock, and
// writes go to a temp file that is renamed into place, so concurrent
// processes sharing the file never observe a torn write.
type FileRepository struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileRepository opens (or lazily creates) the document at path.
func NewFileRepository(path string) (*FileRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file path cannot be empty", model.ErrValidation)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, model.NewBackendError(BackendFile, "open", 0, err)
	}
	r := &FileRepository{path: path, lock: flock.New(path + ".lock")}

	// Surface a corrupt document at open time rather than on first use.
	if err := r.read(context.Background(), func(*fileDocument) error { return nil }); err != nil {
		return nil, err
	}
	return r, nil
}

// Backend implements Repository.
func (r *FileRepository) Backend() string { return BackendFile }

// Path returns the document location.
func (r *FileRepository) Path() string { return r.path }

func (r *FileRepository) load() (*fileDocument, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &fileDocument{Version: fileFormatVersion, NextID: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := &fileDocument{}
	if len(data) == 0 {
		doc.Version, doc.NextID = fileFormatVersion, 1
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", r.path, err)
	}
	if doc.NextID < 1 {
		doc.NextID = 1
	}
	for _, p := range doc.Points {
		if p.ID >= doc.NextID {
			doc.NextID = p.ID + 1
		}
	}
	return doc, nil
}

func (r *FileRepository) save(doc *fileDocument) error {
	doc.Version = fileFormatVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, r.path)
}

func (r *FileRepository) read(ctx context.Context, fn func(doc *fileDocument) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.RLock(); err != nil {
		return model.NewBackendError(BackendFile, "lock", 0, err)
	}
	defer r.lock.Unlock()

	doc, err := r.load()
	if err != nil {
		return model.NewBackendError(BackendFile, "load", 0, err)
	}
	return fn(doc)
}

// write runs fn against a fresh copy of the document and persists it when fn
// returns nil. Returning errSkipSave keeps the document unchanged.
func (r *FileRepository) write(ctx context.Context, op string, fn func(doc *fileDocument) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		return model.NewBackendError(BackendFile, "lock", 0, err)
	}
	defer r.lock.Unlock()

	doc, err := r.load()
	if err != nil {
		return model.NewBackendError(BackendFile, "load", 0, err)
	}
	if err := fn(doc); err != nil {
		if errors.Is(err, errSkipSave) {
			return nil
		}
		return err
	}
	if err := r.save(doc); err != nil {
		return model.NewBackendError(BackendFile, op, 0, err)
	}
	return nil
}

var errSkipSave = errors.New("skip save")

// Get implements Repository.
func (r *FileRepository) Get(ctx context.Context, id int64) (*model.KnowledgePoint, error) {
	var out *model.KnowledgePoint
	err := r.read(ctx, func(doc *fileDocument) error {
		i := doc.find(id)
		if i < 0 {
			return fmt.Errorf("%w: id %d", model.ErrNotFound, id)
		}
		if err := doc.Points[i].Validate(); err != nil {
			return err
		}
		out = doc.Points[i]
		return nil
	})
	return out, err
}

// FindByFingerprint implements Repository.
func (r *FileRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*model.KnowledgePoint, error) {
	var out *model.KnowledgePoint
	err := r.read(ctx, func(doc *fileDocument) error {
		out = doc.liveByFingerprint(fingerprint)
		if out != nil {
			return out.Validate()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListLive implements Repository.
func (r *FileRepository) ListLive(ctx context.Context) ([]*model.KnowledgePoint, error) {
	return r.list(ctx, false)
}

// ListDeleted implements Repository.
func (r *FileRepository) ListDeleted(ctx context.Context) ([]*model.KnowledgePoint, error) {
	return r.list(ctx, true)
}

func (r *FileRepository) list(ctx context.Context, deleted bool) ([]*model.KnowledgePoint, error) {
	var out []*model.KnowledgePoint
	err := r.read(ctx, func(doc *fileDocument) error {
		for _, p := range doc.Points {
			if p.IsDeleted == deleted {
				out = append(out, p)
			}
		}
		return validateAll(out)
	})
	if err != nil {
		return nil, err
	}
	if deleted {
		sortByDeletion(out)
	} else {
		sortByID(out)
	}
	return out, nil
}

func (r *FileRepository) insert(doc *fileDocument, p *model.KnowledgePoint) (*model.KnowledgePoint, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !p.IsDeleted && doc.liveByFingerprint(p.Fingerprint) != nil {
		return nil, fmt.Errorf("%w: fingerprint %s", model.ErrConflict, p.Fingerprint)
	}
	stored := p.Clone()
	stored.Tags = model.NormalizeTags(stored.Tags)
	stored.ID = doc.NextID
	doc.NextID++
	doc.Points = append(doc.Points, stored)
	return stored.Clone(), nil
}

// Create implements Repository.
func (r *FileRepository) Create(ctx context.Context, p *model.KnowledgePoint) (*model.KnowledgePoint, error) {
	candidate := p.Clone()
	candidate.ID = 0
	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	var out *model.KnowledgePoint
	err := r.write(ctx, "create", func(doc *fileDocument) error {
		var err error
		out, err = r.insert(doc, candidate)
		return err
	})
	return out, err
}

// CreateAdmitted implements Repository.
func (r *FileRepository) CreateAdmitted(ctx context.Context, p *model.KnowledgePoint, req AdmitRequest) (AdmitResult, error) {
	var res AdmitResult
	err := r.write(ctx, "create_admitted", func(doc *fileDocument) error {
		settings := doc.settings(req.UserID, req.Defaults)
		counter := doc.counter(req.UserID, req.Date)
		res.Settings = settings
		res.Counter = *counter

		if p.Category.Limited() && !settings.Admits(*counter) {
			return errSkipSave
		}
		stored, err := r.insert(doc, p)
		if err != nil {
			return err
		}
		counter.Increment(p.Category)
		res.Admitted = true
		res.Point = stored
		res.Counter = *counter
		return nil
	})
	if err != nil {
		return AdmitResult{}, err
	}
	return res, nil
}

// Update implements Repository.
func (r *FileRepository) Update(ctx context.Context, p *model.KnowledgePoint) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return r.write(ctx, "update", func(doc *fileDocument) error {
		i := doc.find(p.ID)
		if i < 0 {
			return fmt.Errorf("%w: id %d", model.ErrNotFound, p.ID)
		}
		if !p.IsDeleted {
			if other := doc.liveByFingerprint(p.Fingerprint); other != nil && other.ID != p.ID {
				return fmt.Errorf("%w: fingerprint %s owned by %d", model.ErrConflict, p.Fingerprint, other.ID)
			}
		}
		stored := p.Clone()
		stored.Tags = model.NormalizeTags(stored.Tags)
		doc.Points[i] = stored
		return nil
	})
}

// Absorb implements Repository.
func (r *FileRepository) Absorb(ctx context.Context, survivor *model.KnowledgePoint, absorbedID int64, now time.Time) error {
	if err := survivor.Validate(); err != nil {
		return err
	}
	return r.write(ctx, "absorb", func(doc *fileDocument) error {
		si := doc.find(survivor.ID)
		ai := doc.find(absorbedID)
		if si < 0 || ai < 0 {
			return fmt.Errorf("%w: absorb %d into %d", model.ErrNotFound, absorbedID, survivor.ID)
		}
		doc.Audit = append(doc.Audit, NewAuditEntry(doc.Points[ai], fmt.Sprintf("merged into %d", survivor.ID), now))
		stored := survivor.Clone()
		stored.Tags = model.NormalizeTags(stored.Tags)
		doc.Points[si] = stored
		doc.Points = append(doc.Points[:ai], doc.Points[ai+1:]...)
		return nil
	})
}

// PurgeTrash implements Repository.
func (r *FileRepository) PurgeTrash(ctx context.Context, req PurgeRequest) ([]model.AuditEntry, error) {
	var entries []model.AuditEntry
	err := r.write(ctx, "purge", func(doc *fileDocument) error {
		var trash []*model.KnowledgePoint
		for _, p := range doc.Points {
			if req.Eligible(p) {
				trash = append(trash, p)
			}
		}
		if len(trash) == 0 {
			return errSkipSave
		}
		sortByDeletion(trash)
		if req.MaxBatch > 0 && len(trash) > req.MaxBatch {
			trash = trash[:req.MaxBatch]
		}

		purge := make(map[int64]bool, len(trash))
		for _, p := range trash {
			purge[p.ID] = true
			entries = append(entries, NewAuditEntry(p, "", req.Now))
		}
		kept := doc.Points[:0]
		for _, p := range doc.Points {
			if !purge[p.ID] {
				kept = append(kept, p)
			}
		}
		doc.Points = kept
		doc.Audit = append(doc.Audit, entries...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// QuotaCounter implements Repository.
func (r *FileRepository) QuotaCounter(ctx context.Context, userID, date string) (model.DailyQuotaCounter, error) {
	out := model.DailyQuotaCounter{Date: date, UserID: userID}
	err := r.read(ctx, func(doc *fileDocument) error {
		for _, c := range doc.Counters {
			if c.UserID == userID && c.Date == date {
				out = c
			}
		}
		return nil
	})
	return out, err
}

// UserSettings implements Repository.
func (r *FileRepository) UserSettings(ctx context.Context, userID string, defaults model.UserSettings) (model.UserSettings, error) {
	var out model.UserSettings
	err := r.read(ctx, func(doc *fileDocument) error {
		out = doc.settings(userID, defaults)
		return nil
	})
	return out, err
}

// SaveUserSettings implements Repository.
func (r *FileRepository) SaveUserSettings(ctx context.Context, s model.UserSettings) error {
	if s.DailyLimit < 0 {
		return fmt.Errorf("%w: daily limit must be >= 0", model.ErrValidation)
	}
	return r.write(ctx, "save_settings", func(doc *fileDocument) error {
		for i := range doc.Settings {
			if doc.Settings[i].UserID == s.UserID {
				doc.Settings[i] = s
				return nil
			}
		}
		doc.Settings = append(doc.Settings, s)
		return nil
	})
}

// ListAudit implements Repository.
func (r *FileRepository) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := r.read(ctx, func(doc *fileDocument) error {
		out = append(out, doc.Audit...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PurgedAt.After(out[j].PurgedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close releases the file lock handle.
func (r *FileRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lock.Close()
}
