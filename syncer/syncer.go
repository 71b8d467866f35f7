// Package syncer sequences a full sync run from the source table to the published aggregate.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"storymap-sync/feishu"
	"storymap-sync/pkg/story"
	"storymap-sync/transform"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize bounds concurrent record transforms.
const DefaultBatchSize = 5

// State is a step of a sync run. Runs only move forward.
type State int

// Run states, in order.
const (
	StateInit State = iota
	StateTokenAcquired
	StateDirectorySynced
	StateRecordsFetched
	StateTransformed
	StateAggregated
	StatePersisted
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTokenAcquired:
		return "token_acquired"
	case StateDirectorySynced:
		return "directory_synced"
	case StateRecordsFetched:
		return "records_fetched"
	case StateTransformed:
		return "transformed"
	case StateAggregated:
		return "aggregated"
	case StatePersisted:
		return "persisted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RunError is a fatal run failure. State is the last state reached before it.
type RunError struct {
	Err   error
	State State
}

func (e *RunError) Error() string {
	return fmt.Sprintf("sync failed after %s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// TokenProvider acquires the run's bearer credential.
type TokenProvider interface {
	Acquire(ctx context.Context) (*feishu.Credential, error)
}

// DirectoryReader returns the location directory. It never fails.
type DirectoryReader interface {
	Fetch(ctx context.Context, token string) story.Directory
}

// RecordReader reads every record matching a filter.
type RecordReader interface {
	FetchAll(ctx context.Context, token string, filter story.StatusFilter) ([]story.RawRecord, error)
}

// Transformer turns one record into a story, or nil when the record is skipped.
type Transformer interface {
	Transform(ctx context.Context, token string, rec story.RawRecord) (*story.Story, error)
}

// Persister durably replaces the published aggregate.
type Persister interface {
	SaveAggregate(ctx context.Context, agg *story.Aggregate) error
}

// Config holds the collaborators and settings of a Syncer.
type Config struct {
	Tokens      TokenProvider
	Directory   DirectoryReader
	Records     RecordReader
	Transformer Transformer
	Persister   Persister
	Observer    *PrometheusObserver
	Logger      *slog.Logger
	Filter      story.StatusFilter
	BatchSize   int
}

// Summary describes a successful run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Duration  time.Duration `json:"duration_ns"`
	Records   int           `json:"records"`
	Stories   int           `json:"stories"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Locations int           `json:"locations"`
}

// Syncer runs the sync pipeline.
type Syncer struct {
	tokens      TokenProvider
	directory   DirectoryReader
	records     RecordReader
	transformer Transformer
	persister   Persister
	observer    *PrometheusObserver
	logger      *slog.Logger
	filter      story.StatusFilter
	batchSize   int
}

// New creates a new syncer.
func New(cfg *Config) *Syncer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Syncer{
		tokens:      cfg.Tokens,
		directory:   cfg.Directory,
		records:     cfg.Records,
		transformer: cfg.Transformer,
		persister:   cfg.Persister,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		filter:      cfg.Filter,
		batchSize:   batchSize,
	}
}

// Run performs one full sync. The published aggregate is only replaced when every
// fatal step succeeds; per-record failures are logged and the record is left out.
func (s *Syncer) Run(ctx context.Context) (*Summary, error) {
	startTime := time.Now()
	summary := &Summary{RunID: uuid.NewString()}
	logger := s.logger.With("run_id", summary.RunID)

	err := s.run(ctx, logger, summary)
	summary.Duration = time.Since(startTime)
	if err != nil {
		s.observer.RecordRun(summary.Duration, nil, err)
		logger.Error("Sync failed",
			"error", err,
			"duration_ms", summary.Duration.Milliseconds())
		return nil, err
	}
	s.observer.RecordRun(summary.Duration, summary, nil)

	logger.Info("Sync completed",
		"locations", summary.Locations,
		"stories", summary.Stories,
		"records", summary.Records,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"duration_ms", summary.Duration.Milliseconds())
	return summary, nil
}

func (s *Syncer) run(ctx context.Context, logger *slog.Logger, summary *Summary) error {
	state := StateInit
	advance := func(next State) {
		state = next
		logger.Debug("Sync state changed", "state", next.String())
	}
	fail := func(err error) error {
		return &RunError{State: state, Err: err}
	}

	logger.Info("Acquiring access token")
	cred, err := s.tokens.Acquire(ctx)
	if err != nil {
		return fail(fmt.Errorf("acquire token: %w", err))
	}
	token := cred.Value
	advance(StateTokenAcquired)

	logger.Info("Syncing location directory")
	dir := s.directory.Fetch(ctx, token)
	logger.Info("Location directory loaded", "locations", len(dir))
	advance(StateDirectorySynced)

	logger.Info("Fetching records", "filter_field", s.filter.Field, "filter_value", s.filter.Value)
	records, err := s.records.FetchAll(ctx, token, s.filter)
	if err != nil {
		return fail(err)
	}
	summary.Records = len(records)
	logger.Info("Records fetched", "count", len(records))
	advance(StateRecordsFetched)

	stories, err := s.transformAll(ctx, logger, token, records, summary)
	if err != nil {
		return fail(err)
	}
	advance(StateTransformed)

	agg := Aggregate(dir, transform.GroupByLocation(stories), logger)
	summary.Locations = len(agg.Locations)
	summary.Stories = agg.StoryCount()
	advance(StateAggregated)

	if err := s.persister.SaveAggregate(ctx, agg); err != nil {
		return fail(fmt.Errorf("persist aggregate: %w", err))
	}
	advance(StatePersisted)
	advance(StateDone)
	return nil
}

// transformAll processes records in fixed-size batches. Each batch runs
// concurrently and completes before the next starts. The returned stories keep
// the input order regardless of completion order.
func (s *Syncer) transformAll(ctx context.Context, logger *slog.Logger, token string, records []story.RawRecord, summary *Summary) ([]*story.Story, error) {
	results := make([]*story.Story, len(records))
	errs := make([]error, len(records))

	for start := 0; start < len(records); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping transform", "error", err)
			return nil, err
		}

		end := min(start+s.batchSize, len(records))
		logger.Debug("Processing batch", "start", start, "end", end, "total", len(records))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i], errs[i] = s.transformOne(ctx, token, records[i])
				return nil
			})
		}
		_ = g.Wait() //nolint:errcheck // workers never return errors; failures are kept per record
	}

	stories := make([]*story.Story, 0, len(records))
	for i, rec := range records {
		switch {
		case errs[i] != nil:
			summary.Failed++
			s.observer.RecordRecord(OutcomeFailed)
			logger.Warn("Record transform failed", "record_id", rec.RecordID, "error", errs[i])
		case results[i] == nil:
			summary.Skipped++
			s.observer.RecordRecord(OutcomeSkipped)
		default:
			s.observer.RecordRecord(OutcomeStory)
			stories = append(stories, results[i])
		}
	}
	return stories, nil
}

func (s *Syncer) transformOne(ctx context.Context, token string, rec story.RawRecord) (st *story.Story, err error) {
	defer func() {
		if p := recover(); p != nil {
			st, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return s.transformer.Transform(ctx, token, rec)
}

// Aggregate merges the directory with story groups. Every id from either side
// appears exactly once, ordered lexicographically. Ids without a directory entry
// get a default entry at the map centre.
func Aggregate(dir story.Directory, groups map[string][]*story.Story, logger *slog.Logger) *story.Aggregate {
	ids := dir.IDs()
	for id := range groups {
		if _, ok := dir[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	agg := &story.Aggregate{Locations: make([]*story.LocationPoint, 0, len(ids))}
	for _, id := range ids {
		entry, ok := dir[id]
		if !ok {
			logger.Warn("Location not found in directory, using default coordinates",
				"location_id", id,
				"x", story.DefaultX,
				"y", story.DefaultY)
			entry = story.LocationEntry{Name: id, X: story.DefaultX, Y: story.DefaultY}
		}
		stories := groups[id]
		if stories == nil {
			stories = []*story.Story{}
		}
		agg.Locations = append(agg.Locations, &story.LocationPoint{
			ID:      id,
			Name:    entry.Name,
			X:       entry.X,
			Y:       entry.Y,
			Stories: stories,
		})
	}
	return agg
}

// IsRunError checks if an error is a RunError.
func IsRunError(err error) bool {
	var runErr *RunError
	return errors.As(err, &runErr)
}
