package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/contact-dispatch/internal/model"
	"github.com/sells-group/contact-dispatch/internal/store"
)

// Stage is a step of the ingestion state machine.
type Stage string

const (
	StageMapping    Stage = "mapping"
	StageCleaning   Stage = "cleaning"
	StageScoring    Stage = "scoring"
	StageDedupCheck Stage = "dedup_check"
	StageMerge      Stage = "merge"
	StageCreate     Stage = "create"
	StageJobEnqueue Stage = "job_enqueue"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Result is the outcome of ingesting one record.
type Result struct {
	Success          bool                   `json:"success"`
	ContactID        string                 `json:"contact_id,omitempty"`
	IsDuplicate      bool                   `json:"is_duplicate"`
	DuplicateOf      string                 `json:"duplicate_of,omitempty"`
	SimilarityScore  float64                `json:"similarity_score"`
	MatchStrategy    MatchStrategy          `json:"match_strategy"`
	ConfidenceScores model.ConfidenceScores `json:"confidence_scores"`
	FieldMappings    map[string]string      `json:"field_mappings"`
	Cleaned          model.CleanedContact   `json:"cleaned"`
	JobID            string                 `json:"job_id,omitempty"`
	Stage            Stage                  `json:"stage"`
	Errors           []string               `json:"errors,omitempty"`
}

// Options tunes the pipeline. Zero values select defaults.
type Options struct {
	FuzzyThreshold    float64
	MergeMaxAttempts  int
	MaxConcurrency    int
	SourceReliability map[string]float64
	ExtraPatterns     map[model.CanonicalField][]string
}

// Pipeline maps, cleans, scores and deduplicates incoming contacts, then
// queues an enrichment job for the stored result.
type Pipeline struct {
	contacts       store.ContactStore
	jobs           store.JobStore
	mapper         *FieldMapper
	scorer         *Scorer
	dedup          *Deduplicator
	merger         *MergeEngine
	maxConcurrency int
	now            func() time.Time
}

// New creates a Pipeline over the given stores.
func New(contacts store.ContactStore, jobs store.JobStore, opts Options) *Pipeline {
	maxConc := opts.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 8
	}
	return &Pipeline{
		contacts:       contacts,
		jobs:           jobs,
		mapper:         NewFieldMapper(contacts, opts.ExtraPatterns),
		scorer:         NewScorer(opts.SourceReliability),
		dedup:          NewDeduplicator(contacts, opts.FuzzyThreshold),
		merger:         NewMergeEngine(contacts, opts.MergeMaxAttempts),
		maxConcurrency: maxConc,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Ingest runs one record through the pipeline. The returned error is set
// only when the record could not be stored; Result.Errors also collects
// non-fatal problems such as a failed job enqueue.
func (p *Pipeline) Ingest(ctx context.Context, in model.RawContactInput) (*Result, error) {
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("user_id", in.UserID),
		zap.String("source", sourceOrUnknown(in.ExternalSource)),
	)
	res := &Result{Stage: StageMapping, MatchStrategy: MatchNone}

	fail := func(err error) (*Result, error) {
		res.Errors = append(res.Errors, err.Error())
		log.Error("pipeline: ingest failed", zap.String("stage", string(res.Stage)), zap.Error(err))
		res.Success = false
		res.Stage = StageFailed
		return res, err
	}

	mapping := p.mapper.Map(ctx, in)
	res.FieldMappings = mapping.Keys()

	res.Stage = StageCleaning
	cleaned := Clean(in, mapping)
	res.Cleaned = cleaned

	res.Stage = StageScoring
	scores := p.scorer.Score(cleaned, in.ExternalSource)
	res.ConfidenceScores = scores

	res.Stage = StageDedupCheck
	dup, err := p.dedup.Check(ctx, in.UserID, cleaned)
	if err != nil {
		return fail(eris.Wrap(err, "pipeline: dedup check"))
	}

	var contactID string
	if dup.IsDuplicate {
		res.IsDuplicate = true
		res.DuplicateOf = dup.Existing.ID
		res.SimilarityScore = dup.Similarity
		res.MatchStrategy = dup.Strategy

		res.Stage = StageMerge
		merged, err := p.merger.Merge(ctx, dup.Existing, cleaned, scores, in.ExternalSource)
		if err != nil {
			return fail(eris.Wrap(err, "pipeline: merge"))
		}
		contactID = merged.ID
	} else {
		res.Stage = StageCreate
		now := p.now()
		c := &model.Contact{
			ID:             uuid.New().String(),
			UserID:         in.UserID,
			CleanedContact: cleaned,
			Confidence:     scores,
			SourceHistory: []model.ProvenanceEntry{{
				Source:     sourceOrUnknown(in.ExternalSource),
				RecordedAt: now,
				Confidence: scores.Fields,
				Overall:    scores.Overall,
			}},
			ExternalSource: in.ExternalSource,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := p.contacts.CreateContact(ctx, c); err != nil {
			return fail(eris.Wrap(err, "pipeline: create contact"))
		}
		contactID = c.ID
	}
	res.ContactID = contactID
	res.Success = true

	res.Stage = StageJobEnqueue
	job := model.NewContactEnrichmentJob(in.UserID, contactID, model.PriorityNormal, p.now())
	if err := p.jobs.EnqueueJob(ctx, job); err != nil {
		// The contact is stored; report the enqueue failure without
		// failing the ingestion.
		res.Errors = append(res.Errors, eris.Wrap(err, "pipeline: enqueue enrichment job").Error())
		log.Warn("pipeline: enqueue enrichment job failed", zap.String("contact_id", contactID), zap.Error(err))
	} else {
		res.JobID = job.ID
	}

	res.Stage = StageDone
	log.Info("pipeline: contact ingested",
		zap.String("contact_id", contactID),
		zap.Bool("duplicate", res.IsDuplicate),
		zap.String("match_strategy", string(res.MatchStrategy)),
		zap.Float64("overall_confidence", scores.Overall),
	)
	return res, nil
}

// BatchSummary totals the outcome of IngestBatch.
type BatchSummary struct {
	Total      int `json:"total"`
	Created    int `json:"created"`
	Merged     int `json:"merged"`
	Failed     int `json:"failed"`
	JobsQueued int `json:"jobs_queued"`
}

// IngestBatch ingests inputs with bounded concurrency. Records that share a
// dedup identity (email, username and platform, phone, or name and bio for
// one user) are ingested sequentially in input order so that later ones
// merge into the contact the first one created. Results are returned in
// input order; a failed record does not stop the batch. Only context
// cancellation aborts early.
func (p *Pipeline) IngestBatch(ctx context.Context, inputs []model.RawContactInput) ([]*Result, BatchSummary, error) {
	results := make([]*Result, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)
	for _, group := range p.identityGroups(inputs) {
		g.Go(func() error {
			for _, i := range group {
				if err := gctx.Err(); err != nil {
					return err
				}
				// Per-record failures are carried in the result.
				res, _ := p.Ingest(gctx, inputs[i])
				results[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, summarize(results), eris.Wrap(err, "pipeline: ingest batch")
	}
	return results, summarize(results), nil
}

// identityGroups partitions input indexes into groups whose members share
// at least one dedup identity, directly or through another member. Each
// group lists indexes in ascending order; groups are ordered by their
// first index.
func (p *Pipeline) identityGroups(inputs []model.RawContactInput) [][]int {
	parent := make([]int, len(inputs))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	owner := make(map[string]int)
	for i, in := range inputs {
		for _, key := range identityKeys(in.UserID, Clean(in, p.mapper.mapping(in))) {
			j, ok := owner[key]
			if !ok {
				owner[key] = i
				continue
			}
			a, b := find(i), find(j)
			if a == b {
				continue
			}
			if a < b {
				parent[b] = a
			} else {
				parent[a] = b
			}
		}
	}

	var groups [][]int
	slot := make(map[int]int)
	for i := range inputs {
		root := find(i)
		k, ok := slot[root]
		if !ok {
			k = len(groups)
			slot[root] = k
			groups = append(groups, nil)
		}
		groups[k] = append(groups[k], i)
	}
	return groups
}

// identityKeys returns the lookup keys the deduplicator would use for c.
// Name and bio are keyed on their exact lower-cased values; fuzzy matches
// between near-identical records in one batch are not serialized.
func identityKeys(userID string, c model.CleanedContact) []string {
	var keys []string
	if email, ok := c.Get(model.FieldEmail); ok {
		keys = append(keys, "email\x00"+userID+"\x00"+email)
	}
	username, hasUser := c.Get(model.FieldUsername)
	platform, hasPlatform := c.Get(model.FieldPlatform)
	if hasUser && hasPlatform {
		keys = append(keys, "username\x00"+userID+"\x00"+username+"\x00"+platform)
	}
	if phone, ok := c.Get(model.FieldPhone); ok {
		keys = append(keys, "phone\x00"+userID+"\x00"+phone)
	}
	name, hasName := c.Get(model.FieldName)
	bio, hasBio := c.Get(model.FieldBio)
	if hasName && hasBio {
		keys = append(keys, "name\x00"+userID+"\x00"+strings.ToLower(name)+"\x00"+strings.ToLower(bio))
	}
	return keys
}

func summarize(results []*Result) BatchSummary {
	s := BatchSummary{Total: len(results)}
	for _, r := range results {
		switch {
		case r == nil || !r.Success:
			s.Failed++
		case r.IsDuplicate:
			s.Merged++
		default:
			s.Created++
		}
		if r != nil && r.JobID != "" {
			s.JobsQueued++
		}
	}
	return s
}
