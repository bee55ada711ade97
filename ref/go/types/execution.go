package types

import "time"

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ValidTransition reports whether the state machine permits moving from one
// status to another:
//
//	pending --submit--> running --OK-->     succeeded
//	                         \--err-->      failed
//	                         \--cancel-->   cancelled
//	pending --cancel--> cancelled
//	failed  --retry-->  pending
func ValidTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// ExecutionGroup identifies "this diagnostic for this combination of facet
// values" and aggregates all execution attempts across dataset versions.
// (DiagnosticID, Key) is unique. The latest execution is referenced by
// surrogate key only; there is no back-pointer from Execution.
type ExecutionGroup struct {
	ID             int64
	DiagnosticID   int64
	ProviderSlug   string
	DiagnosticSlug string
	Key            GroupKey
	// Dirty is set when no successful execution matches the currently
	// resolved input dataset versions.
	Dirty bool
	// Stale is set when a solve pass no longer produces a candidate for this
	// group, eg. because the diagnostic was unregistered or its datasets
	// were withdrawn.
	Stale             bool
	LatestExecutionID *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Execution is one concrete run of a diagnostic on a specific snapshot of
// input dataset versions. (GroupID, DatasetHash) is unique; at most one
// execution per group may be running at a time.
type Execution struct {
	ID      int64
	GroupID int64
	// DatasetHash is the SHA-256 over the canonical byte form of the input
	// dataset (source_type, instance_id, version) triples; see solver.
	DatasetHash string
	Status      ExecutionStatus
	// OutputFragment is the directory of this execution's results relative
	// to the results root, <provider>/<diagnostic>/<group>/<execution>.
	// Relative so results stay portable across hosts.
	OutputFragment string
	// LogPath is the captured execution log, relative to OutputFragment.
	LogPath    string
	Reason     string
	RetryCount int
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// OutputType categorizes an output file of a successful execution.
type OutputType string

const (
	OutputHTML   OutputType = "html"
	OutputNetCDF OutputType = "nc"
	OutputCSV    OutputType = "csv"
	OutputPNG    OutputType = "png"
	OutputJSON   OutputType = "json"
	OutputLog    OutputType = "log"
)

// ExecutionOutput is a file produced by a successful execution. Filename is
// always relative to the execution's output directory.
type ExecutionOutput struct {
	ID          int64
	ExecutionID int64
	OutputType  OutputType
	Filename    string
	MIMEType    string
	ShortName   string
	LongName    string
	Description string
}

// MetricValue is a scalar result of an execution, identified by the
// diagnostic's declared facets.
type MetricValue struct {
	ID          int64
	ExecutionID int64
	Facets      map[string]string
	Value       float64
}

// SeriesMetricValue is a one-dimensional result with a labelled index.
type SeriesMetricValue struct {
	ID          int64
	ExecutionID int64
	Facets      map[string]string
	Values      []float64
	Index       []string
	IndexName   string
}
