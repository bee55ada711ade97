// Package db defines the datastore for datasets, diagnostics, execution
// groups and executions, plus its SQL implementation. The store exclusively
// owns rows; callers hold surrogate keys, never live references.
package db

import (
	"context"
	"errors"
	"time"

	"go.climref.org/infra/ref/go/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set status transition loses
	// the race, ie. the row was not in the expected state.
	ErrConflict = errors.New("conflicting update")
	// ErrInvalidTransition is returned for status changes the execution
	// state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConsistency is returned when an invariant violation is detected at
	// the store boundary. Always fatal; indicates a bug.
	ErrConsistency = errors.New("consistency failure")
)

// GroupFilter narrows ListExecutionGroups. Zero values match everything;
// slug filters are substring matches.
type GroupFilter struct {
	ProviderSlug   string
	DiagnosticSlug string
	// KeySubstring matches against the canonical "facet=value,..." group key,
	// so "source_id=ACCESS" selects the groups of one model.
	KeySubstring string
	DirtyOnly    bool
}

// Store is the datastore interface. All methods are safe for concurrent use.
type Store interface {
	// UpsertDataset stores a dataset and its files, idempotent on
	// (source_type, instance_id, version). A newer version of an existing
	// instance becomes the active version; prior rows are retained.
	UpsertDataset(ctx context.Context, dataset types.Dataset, files []types.File) (id int64, created bool, err error)
	// ActiveCatalog returns one row per file of the active (latest-version,
	// non-retracted) datasets of a source type.
	ActiveCatalog(ctx context.Context, sourceType types.SourceType) ([]types.CatalogEntry, error)
	// ListDatasets returns active datasets, newest first. A limit below 1
	// means no limit.
	ListDatasets(ctx context.Context, sourceType types.SourceType, limit int) ([]types.Dataset, error)
	// RetractDataset soft-deletes every version of an instance.
	RetractDataset(ctx context.Context, sourceType types.SourceType, instanceID string) error

	// RegisterDiagnostic upserts a diagnostic by (provider_slug, slug),
	// clearing any stale flag.
	RegisterDiagnostic(ctx context.Context, meta types.DiagnosticMeta) (int64, error)
	// MarkMissingDiagnosticsStale flags every diagnostic whose
	// "provider/slug" is not in keep. Stale diagnostics keep their history.
	MarkMissingDiagnosticsStale(ctx context.Context, keep []string) error
	// ListDiagnostics returns all registered diagnostics.
	ListDiagnostics(ctx context.Context) ([]types.DiagnosticMeta, error)

	// GetOrCreateExecutionGroup returns the group for (diagnostic, key),
	// creating it dirty if absent.
	GetOrCreateExecutionGroup(ctx context.Context, diagnosticID int64, key types.GroupKey) (*types.ExecutionGroup, bool, error)
	// SetGroupDirty updates the group's dirty flag.
	SetGroupDirty(ctx context.Context, groupID int64, dirty bool) error
	// MarkMissingGroupsStale flags groups of the diagnostic whose key string
	// is not in liveKeys; groups in liveKeys get their stale flag cleared.
	MarkMissingGroupsStale(ctx context.Context, diagnosticID int64, liveKeys []string) error
	// GetExecutionGroup returns one group by id.
	GetExecutionGroup(ctx context.Context, id int64) (*types.ExecutionGroup, error)
	// ListExecutionGroups returns groups matching the filter.
	ListExecutionGroups(ctx context.Context, filter GroupFilter) ([]types.ExecutionGroup, error)

	// CreateExecution inserts a pending execution for the group with its
	// input dataset ids recorded. (group, dataset_hash) is unique;
	// re-creating an existing pair returns the existing row and false.
	CreateExecution(ctx context.Context, groupID int64, datasetHash, outputFragment string, datasetIDs []int64) (*types.Execution, bool, error)
	// GetExecution returns one execution by id.
	GetExecution(ctx context.Context, id int64) (*types.Execution, error)
	// FindSucceededExecution returns the succeeded execution of the group
	// with the given hash, or ErrNotFound.
	FindSucceededExecution(ctx context.Context, groupID int64, datasetHash string) (*types.Execution, error)
	// ListExecutions returns the group's executions, oldest first.
	ListExecutions(ctx context.Context, groupID int64) ([]types.Execution, error)
	// PendingExecutions returns pending executions, oldest first. A limit
	// below 1 means no limit.
	PendingExecutions(ctx context.Context, limit int) ([]types.Execution, error)
	// RunningExecutions returns all currently running executions.
	RunningExecutions(ctx context.Context) ([]types.Execution, error)
	// UpdateExecutionStatus transitions an execution from one status to
	// another with compare-and-set semantics, stamping started_at and
	// finished_at as appropriate and recording the reason on failure paths.
	UpdateExecutionStatus(ctx context.Context, id int64, from, to types.ExecutionStatus, reason string) error
	// RetryExecution transitions a failed execution back to pending and
	// increments its retry count.
	RetryExecution(ctx context.Context, id int64) error
	// SetExecutionLogPath records where the captured log lives, relative to
	// the execution's output fragment.
	SetExecutionLogPath(ctx context.Context, id int64, logPath string) error
	// ExecutionInputs returns the datasets recorded as the execution's
	// inputs.
	ExecutionInputs(ctx context.Context, id int64) ([]types.Dataset, error)
	// ExecutionInputEntries returns the catalog rows of the execution's
	// recorded input datasets, one per file, at the exact recorded versions
	// even if the catalog has since moved on.
	ExecutionInputEntries(ctx context.Context, id int64) ([]types.CatalogEntry, error)

	// RecordOutputs stores the output files of a succeeded execution.
	RecordOutputs(ctx context.Context, executionID int64, outputs []types.ExecutionOutput) error
	// ListOutputs returns the execution's recorded outputs.
	ListOutputs(ctx context.Context, executionID int64) ([]types.ExecutionOutput, error)
	// RecordMetricValues stores scalar metric values of an execution.
	RecordMetricValues(ctx context.Context, executionID int64, values []types.MetricValue) error
	// ListMetricValues returns the execution's scalar metric values.
	ListMetricValues(ctx context.Context, executionID int64) ([]types.MetricValue, error)
	// RecordSeriesMetricValues stores 1-D metric series of an execution.
	RecordSeriesMetricValues(ctx context.Context, executionID int64, values []types.SeriesMetricValue) error

	// WithAdvisoryLock runs fn while holding the named lock, serializing
	// solver passes. The lock is dropped on all exit paths; a lock held
	// longer than stale is considered abandoned and stolen.
	WithAdvisoryLock(ctx context.Context, name string, stale time.Duration, fn func(ctx context.Context) error) error

	// Close releases the underlying database handle.
	Close() error
}
