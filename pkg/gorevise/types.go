package gorevise

import (
	"github.com/dan-solli/gorevise/pkg/cache"
	"github.com/dan-solli/gorevise/pkg/knowledge"
	"github.com/dan-solli/gorevise/pkg/model"
	"github.com/dan-solli/gorevise/pkg/recommend"
	"github.com/dan-solli/gorevise/pkg/review"
)

// Type re-exports for caller convenience

// KnowledgePoint is re-exported from model package
type KnowledgePoint = model.KnowledgePoint

// GradedError is re-exported from model package
type GradedError = model.GradedError

// QuotaStatus is re-exported from model package
type QuotaStatus = model.QuotaStatus

// Candidate is re-exported from review package
type Candidate = review.Candidate

// Result is re-exported from knowledge package
type Result = knowledge.Result

// Pending is re-exported from knowledge package
type Pending = knowledge.Pending

// Statistics is re-exported from knowledge package
type Statistics = knowledge.Statistics

// SweepOptions is re-exported from knowledge package
type SweepOptions = knowledge.SweepOptions

// SweepReport is re-exported from knowledge package
type SweepReport = knowledge.SweepReport

// RestoreResult is re-exported from knowledge package
type RestoreResult = knowledge.RestoreResult

// ImportReport is re-exported from knowledge package
type ImportReport = knowledge.ImportReport

// Recommendation is re-exported from recommend package
type Recommendation = recommend.Result

// CacheStats is re-exported from cache package
type CacheStats = cache.Stats
