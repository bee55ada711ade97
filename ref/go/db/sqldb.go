package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"

	"go.climref.org/infra/go/now"
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/go/sqlutil"
	"go.climref.org/infra/ref/go/types"
)

// Options configures store construction.
type Options struct {
	// MaxBackups is how many sqlite backup copies to retain before
	// migrating; values below 1 use DefaultMaxBackups. Ignored for postgres.
	MaxBackups int
	// SkipMigrations opens the database without touching its schema, and
	// without the pre-migration backup. For deployments where migrations are
	// applied out of band.
	SkipMigrations bool
}

// SQLStore implements Store over database/sql, serving both embedded sqlite
// databases and postgres servers with one set of statements.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	// holder identifies this process in the advisory lock table.
	holder string
}

// assert SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// New opens (creating if needed) the database at connURL and migrates its
// schema unless Options.SkipMigrations is set. SQLite databases are backed
// up before migration.
func New(ctx context.Context, connURL string, opts Options) (*SQLStore, error) {
	dialect, dsn := DialectForURL(connURL)
	var sqlDB *sql.DB
	var err error
	switch dialect {
	case DialectSQLite:
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, skerr.Wrap(err)
			}
			if !opts.SkipMigrations {
				if err := backupSQLite(dsn, now.Now(ctx), opts.MaxBackups); err != nil {
					return nil, skerr.Wrap(err)
				}
			}
		}
		sqlDB, err = sql.Open("sqlite", dsn+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		// SQLite allows one writer; funnel everything through one conn.
		sqlDB.SetMaxOpenConns(1)
	case DialectPostgres:
		sqlDB, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, skerr.Wrapf(err, "connecting to %s database", dialect)
	}
	if !opts.SkipMigrations {
		if err := Migrate(sqlDB, dialect); err != nil {
			_ = sqlDB.Close()
			return nil, skerr.Wrap(err)
		}
	}
	return &SQLStore{db: sqlDB, dialect: dialect, holder: uuid.NewString()}, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return skerr.Wrap(s.db.Close())
}

// querier is the subset of *sql.DB and *sql.Tx the helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			sklog.Errorf("Rollback failed: %s", rbErr)
		}
		return err
	}
	return skerr.Wrap(tx.Commit())
}

// UpsertDataset implements Store.
func (s *SQLStore) UpsertDataset(ctx context.Context, dataset types.Dataset, files []types.File) (int64, bool, error) {
	var id int64
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
SELECT id FROM dataset WHERE source_type = $1 AND instance_id = $2 AND version = $3`,
			dataset.SourceType, dataset.InstanceID, dataset.Version).Scan(&id)
		if err == nil {
			// Idempotent re-ingest of an existing version.
			return nil
		}
		if err != sql.ErrNoRows {
			return skerr.Wrap(err)
		}
		created = true
		err = tx.QueryRowContext(ctx, `
INSERT INTO dataset (source_type, instance_id, version, retracted, finalised, created_at)
VALUES ($1, $2, $3, FALSE, $4, $5)
RETURNING id`,
			dataset.SourceType, dataset.InstanceID, dataset.Version, dataset.Finalised, now.Now(ctx)).Scan(&id)
		if err != nil {
			return skerr.Wrap(err)
		}
		if len(dataset.Facets) > 0 {
			args := make([]interface{}, 0, len(dataset.Facets)*3)
			for _, facet := range sortedFacetNames(dataset.Facets) {
				args = append(args, id, facet, dataset.Facets[facet])
			}
			stmt := `INSERT INTO dataset_facet (dataset_id, facet, value) VALUES ` +
				sqlutil.ValuesPlaceholders(3, len(dataset.Facets))
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return skerr.Wrap(err)
			}
		}
		for _, f := range files {
			_, err := tx.ExecContext(ctx, `
INSERT INTO file (dataset_id, path, size, checksum, variable_id, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (path) DO UPDATE SET
  dataset_id = excluded.dataset_id,
  size = excluded.size,
  checksum = excluded.checksum,
  variable_id = excluded.variable_id,
  start_time = excluded.start_time,
  end_time = excluded.end_time`,
				id, f.Path, f.Size, f.Checksum, f.VariableID, f.StartTime, f.EndTime)
			if err != nil {
				return skerr.Wrapf(err, "inserting file %s", f.Path)
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func sortedFacetNames(facets map[string]string) []string {
	rv := make([]string, 0, len(facets))
	for name := range facets {
		rv = append(rv, name)
	}
	sort.Strings(rv)
	return rv
}

// activeDatasetCond selects the latest non-retracted version per instance.
const activeDatasetCond = `
d.retracted = FALSE
AND d.version = (
  SELECT MAX(d2.version) FROM dataset d2
  WHERE d2.source_type = d.source_type AND d2.instance_id = d.instance_id AND d2.retracted = FALSE
)`

// ActiveCatalog implements Store.
func (s *SQLStore) ActiveCatalog(ctx context.Context, sourceType types.SourceType) ([]types.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.instance_id, d.version, f.path, f.start_time, f.end_time
FROM dataset d JOIN file f ON f.dataset_id = d.id
WHERE d.source_type = $1 AND `+activeDatasetCond+`
ORDER BY d.instance_id, f.path`, sourceType)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()

	entries := []types.CatalogEntry{}
	ids := []int64{}
	seenIDs := map[int64]bool{}
	for rows.Next() {
		e := types.CatalogEntry{SourceType: sourceType}
		var start, end sql.NullTime
		if err := rows.Scan(&e.DatasetID, &e.InstanceID, &e.Version, &e.Path, &start, &end); err != nil {
			return nil, skerr.Wrap(err)
		}
		if start.Valid {
			t := start.Time
			e.StartTime = &t
		}
		if end.Valid {
			t := end.Time
			e.EndTime = &t
		}
		entries = append(entries, e)
		if !seenIDs[e.DatasetID] {
			seenIDs[e.DatasetID] = true
			ids = append(ids, e.DatasetID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	facets, err := s.facetsFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Facets = facets[entries[i].DatasetID]
	}
	return entries, nil
}

// facetsFor loads the facet maps for the given dataset ids.
func (s *SQLStore) facetsFor(ctx context.Context, q querier, ids []int64) (map[int64]map[string]string, error) {
	rv := map[int64]map[string]string{}
	if len(ids) == 0 {
		return rv, nil
	}
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx, `
SELECT dataset_id, facet, value FROM dataset_facet
WHERE dataset_id IN (`+sqlutil.InPlaceholders(len(ids), 1)+`)`, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var facet, value string
		if err := rows.Scan(&id, &facet, &value); err != nil {
			return nil, skerr.Wrap(err)
		}
		if rv[id] == nil {
			rv[id] = map[string]string{}
		}
		rv[id][facet] = value
	}
	return rv, skerr.Wrap(rows.Err())
}

// ListDatasets implements Store.
func (s *SQLStore) ListDatasets(ctx context.Context, sourceType types.SourceType, limit int) ([]types.Dataset, error) {
	stmt := `
SELECT d.id, d.instance_id, d.version, d.retracted, d.finalised, d.created_at
FROM dataset d
WHERE d.source_type = $1 AND ` + activeDatasetCond + `
ORDER BY d.created_at DESC, d.instance_id`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, sourceType)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	datasets := []types.Dataset{}
	ids := []int64{}
	for rows.Next() {
		d := types.Dataset{SourceType: sourceType}
		if err := rows.Scan(&d.ID, &d.InstanceID, &d.Version, &d.Retracted, &d.Finalised, &d.CreatedAt); err != nil {
			return nil, skerr.Wrap(err)
		}
		datasets = append(datasets, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	facets, err := s.facetsFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range datasets {
		datasets[i].Facets = facets[datasets[i].ID]
	}
	return datasets, nil
}

// RetractDataset implements Store.
func (s *SQLStore) RetractDataset(ctx context.Context, sourceType types.SourceType, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE dataset SET retracted = TRUE WHERE source_type = $1 AND instance_id = $2`,
		sourceType, instanceID)
	if err != nil {
		return skerr.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return skerr.Wrap(err)
	}
	if n == 0 {
		return skerr.Wrapf(ErrNotFound, "dataset %s/%s", sourceType, instanceID)
	}
	return nil
}

// RegisterDiagnostic implements Store.
func (s *SQLStore) RegisterDiagnostic(ctx context.Context, meta types.DiagnosticMeta) (int64, error) {
	facets, err := json.Marshal(meta.Facets)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
INSERT INTO diagnostic (provider_slug, slug, provider_version, facets, stale)
VALUES ($1, $2, $3, $4, FALSE)
ON CONFLICT (provider_slug, slug) DO UPDATE SET
  provider_version = excluded.provider_version,
  facets = excluded.facets,
  stale = FALSE
RETURNING id`,
		meta.ProviderSlug, meta.Slug, meta.ProviderVersion, string(facets)).Scan(&id)
	if err != nil {
		return 0, skerr.Wrap(err)
	}
	return id, nil
}

// MarkMissingDiagnosticsStale implements Store.
func (s *SQLStore) MarkMissingDiagnosticsStale(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		_, err := s.db.ExecContext(ctx, `UPDATE diagnostic SET stale = TRUE`)
		return skerr.Wrap(err)
	}
	args := make([]interface{}, 0, len(keep))
	for _, slug := range keep {
		args = append(args, slug)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE diagnostic SET stale = TRUE
WHERE provider_slug || '/' || slug NOT IN (`+sqlutil.InPlaceholders(len(keep), 1)+`)`, args...)
	return skerr.Wrap(err)
}

// ListDiagnostics implements Store.
func (s *SQLStore) ListDiagnostics(ctx context.Context) ([]types.DiagnosticMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, provider_slug, slug, provider_version, facets, stale
FROM diagnostic ORDER BY provider_slug, slug`)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []types.DiagnosticMeta{}
	for rows.Next() {
		var meta types.DiagnosticMeta
		var facets string
		if err := rows.Scan(&meta.ID, &meta.ProviderSlug, &meta.Slug, &meta.ProviderVersion, &facets, &meta.Stale); err != nil {
			return nil, skerr.Wrap(err)
		}
		if err := json.Unmarshal([]byte(facets), &meta.Facets); err != nil {
			return nil, skerr.Wrapf(err, "parsing facets of diagnostic %d", meta.ID)
		}
		rv = append(rv, meta)
	}
	return rv, skerr.Wrap(rows.Err())
}

const groupCols = `
g.id, g.diagnostic_id, d.provider_slug, d.slug, g.group_key, g.dirty, g.stale,
g.latest_execution_id, g.created_at, g.updated_at`

func scanGroup(scan func(dest ...interface{}) error) (*types.ExecutionGroup, error) {
	g := types.ExecutionGroup{}
	var keyStr string
	var latest sql.NullInt64
	if err := scan(&g.ID, &g.DiagnosticID, &g.ProviderSlug, &g.DiagnosticSlug, &keyStr,
		&g.Dirty, &g.Stale, &latest, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	key, err := types.ParseGroupKey(keyStr)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	g.Key = key
	if latest.Valid {
		v := latest.Int64
		g.LatestExecutionID = &v
	}
	return &g, nil
}

// GetOrCreateExecutionGroup implements Store.
func (s *SQLStore) GetOrCreateExecutionGroup(ctx context.Context, diagnosticID int64, key types.GroupKey) (*types.ExecutionGroup, bool, error) {
	var group *types.ExecutionGroup
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+groupCols+`
FROM execution_group g JOIN diagnostic d ON d.id = g.diagnostic_id
WHERE g.diagnostic_id = $1 AND g.group_key = $2`, diagnosticID, key.String())
		g, err := scanGroup(row.Scan)
		if err == nil {
			group = g
			return nil
		}
		if err != sql.ErrNoRows {
			return skerr.Wrap(err)
		}
		created = true
		ts := now.Now(ctx)
		var id int64
		err = tx.QueryRowContext(ctx, `
INSERT INTO execution_group (diagnostic_id, group_key, dirty, stale, created_at, updated_at)
VALUES ($1, $2, TRUE, FALSE, $3, $3)
RETURNING id`, diagnosticID, key.String(), ts).Scan(&id)
		if err != nil {
			return skerr.Wrap(err)
		}
		row = tx.QueryRowContext(ctx, `
SELECT `+groupCols+`
FROM execution_group g JOIN diagnostic d ON d.id = g.diagnostic_id
WHERE g.id = $1`, id)
		group, err = scanGroup(row.Scan)
		return skerr.Wrap(err)
	})
	if err != nil {
		return nil, false, err
	}
	return group, created, nil
}

// SetGroupDirty implements Store.
func (s *SQLStore) SetGroupDirty(ctx context.Context, groupID int64, dirty bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE execution_group SET dirty = $2, updated_at = $3 WHERE id = $1`,
		groupID, dirty, now.Now(ctx))
	if err != nil {
		return skerr.Wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return skerr.Wrapf(ErrNotFound, "execution group %d", groupID)
	}
	return nil
}

// GetExecutionGroup implements Store.
func (s *SQLStore) GetExecutionGroup(ctx context.Context, id int64) (*types.ExecutionGroup, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+groupCols+`
FROM execution_group g JOIN diagnostic d ON d.id = g.diagnostic_id
WHERE g.id = $1`, id)
	g, err := scanGroup(row.Scan)
	if err == sql.ErrNoRows {
		return nil, skerr.Wrapf(ErrNotFound, "execution group %d", id)
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return g, nil
}

// MarkMissingGroupsStale implements Store.
func (s *SQLStore) MarkMissingGroupsStale(ctx context.Context, diagnosticID int64, liveKeys []string) error {
	if len(liveKeys) == 0 {
		_, err := s.db.ExecContext(ctx, `
UPDATE execution_group SET stale = TRUE, updated_at = $2 WHERE diagnostic_id = $1`,
			diagnosticID, now.Now(ctx))
		return skerr.Wrap(err)
	}
	args := []interface{}{diagnosticID, now.Now(ctx)}
	for _, k := range liveKeys {
		args = append(args, k)
	}
	in := sqlutil.InPlaceholders(len(liveKeys), 3)
	if _, err := s.db.ExecContext(ctx, `
UPDATE execution_group SET stale = TRUE, updated_at = $2
WHERE diagnostic_id = $1 AND group_key NOT IN (`+in+`)`, args...); err != nil {
		return skerr.Wrap(err)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE execution_group SET stale = FALSE, updated_at = $2
WHERE diagnostic_id = $1 AND stale = TRUE AND group_key IN (`+in+`)`, args...)
	return skerr.Wrap(err)
}

// ListExecutionGroups implements Store.
func (s *SQLStore) ListExecutionGroups(ctx context.Context, filter GroupFilter) ([]types.ExecutionGroup, error) {
	stmt := `
SELECT ` + groupCols + `
FROM execution_group g JOIN diagnostic d ON d.id = g.diagnostic_id`
	conds := []string{}
	args := []interface{}{}
	if filter.ProviderSlug != "" {
		args = append(args, "%"+filter.ProviderSlug+"%")
		conds = append(conds, fmt.Sprintf("d.provider_slug LIKE $%d", len(args)))
	}
	if filter.DiagnosticSlug != "" {
		args = append(args, "%"+filter.DiagnosticSlug+"%")
		conds = append(conds, fmt.Sprintf("d.slug LIKE $%d", len(args)))
	}
	if filter.KeySubstring != "" {
		args = append(args, "%"+filter.KeySubstring+"%")
		conds = append(conds, fmt.Sprintf("g.group_key LIKE $%d", len(args)))
	}
	if filter.DirtyOnly {
		conds = append(conds, "g.dirty = TRUE")
	}
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	stmt += " ORDER BY d.provider_slug, d.slug, g.group_key"
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []types.ExecutionGroup{}
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, *g)
	}
	return rv, skerr.Wrap(rows.Err())
}

const executionCols = `
id, group_id, dataset_hash, status, output_fragment, log_path, reason, retry_count,
created_at, started_at, finished_at`

func scanExecution(scan func(dest ...interface{}) error) (*types.Execution, error) {
	e := types.Execution{}
	var started, finished sql.NullTime
	if err := scan(&e.ID, &e.GroupID, &e.DatasetHash, &e.Status, &e.OutputFragment,
		&e.LogPath, &e.Reason, &e.RetryCount, &e.CreatedAt, &started, &finished); err != nil {
		return nil, err
	}
	if started.Valid {
		t := started.Time
		e.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		e.FinishedAt = &t
	}
	return &e, nil
}

// CreateExecution implements Store.
func (s *SQLStore) CreateExecution(ctx context.Context, groupID int64, datasetHash, outputFragment string, datasetIDs []int64) (*types.Execution, bool, error) {
	if filepath.IsAbs(outputFragment) {
		return nil, false, skerr.Fmt("output fragment %q must be relative to the results root", outputFragment)
	}
	var execution *types.Execution
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+executionCols+` FROM execution WHERE group_id = $1 AND dataset_hash = $2`,
			groupID, datasetHash)
		e, err := scanExecution(row.Scan)
		if err == nil {
			execution = e
			return nil
		}
		if err != sql.ErrNoRows {
			return skerr.Wrap(err)
		}
		created = true
		ts := now.Now(ctx)
		var id int64
		err = tx.QueryRowContext(ctx, `
INSERT INTO execution (group_id, dataset_hash, status, output_fragment, created_at)
VALUES ($1, $2, 'pending', $3, $4)
RETURNING id`, groupID, datasetHash, outputFragment, ts).Scan(&id)
		if err != nil {
			return skerr.Wrap(err)
		}
		for _, datasetID := range datasetIDs {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO execution_dataset (execution_id, dataset_id) VALUES ($1, $2)
ON CONFLICT (execution_id, dataset_id) DO NOTHING`, id, datasetID); err != nil {
				return skerr.Wrap(err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE execution_group SET latest_execution_id = $2, updated_at = $3 WHERE id = $1`,
			groupID, id, ts); err != nil {
			return skerr.Wrap(err)
		}
		row = tx.QueryRowContext(ctx, `
SELECT `+executionCols+` FROM execution WHERE id = $1`, id)
		execution, err = scanExecution(row.Scan)
		return skerr.Wrap(err)
	})
	if err != nil {
		return nil, false, err
	}
	return execution, created, nil
}

// GetExecution implements Store.
func (s *SQLStore) GetExecution(ctx context.Context, id int64) (*types.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+executionCols+` FROM execution WHERE id = $1`, id)
	e, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, skerr.Wrapf(ErrNotFound, "execution %d", id)
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return e, nil
}

// FindSucceededExecution implements Store.
func (s *SQLStore) FindSucceededExecution(ctx context.Context, groupID int64, datasetHash string) (*types.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+executionCols+` FROM execution
WHERE group_id = $1 AND dataset_hash = $2 AND status = 'succeeded'`, groupID, datasetHash)
	e, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, skerr.Wrapf(ErrNotFound, "no succeeded execution for group %d with hash %s", groupID, datasetHash)
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return e, nil
}

func (s *SQLStore) listExecutionsWhere(ctx context.Context, cond string, limit int, args ...interface{}) ([]types.Execution, error) {
	stmt := `SELECT ` + executionCols + ` FROM execution WHERE ` + cond + ` ORDER BY id`
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []types.Execution{}
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, *e)
	}
	return rv, skerr.Wrap(rows.Err())
}

// ListExecutions implements Store.
func (s *SQLStore) ListExecutions(ctx context.Context, groupID int64) ([]types.Execution, error) {
	return s.listExecutionsWhere(ctx, "group_id = $1", 0, groupID)
}

// PendingExecutions implements Store.
func (s *SQLStore) PendingExecutions(ctx context.Context, limit int) ([]types.Execution, error) {
	return s.listExecutionsWhere(ctx, "status = 'pending'", limit)
}

// RunningExecutions implements Store.
func (s *SQLStore) RunningExecutions(ctx context.Context) ([]types.Execution, error) {
	return s.listExecutionsWhere(ctx, "status = 'running'", 0)
}

// isUniqueViolation reports whether err looks like a unique constraint
// violation from either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// UpdateExecutionStatus implements Store.
func (s *SQLStore) UpdateExecutionStatus(ctx context.Context, id int64, from, to types.ExecutionStatus, reason string) error {
	if !types.ValidTransition(from, to) {
		return skerr.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	ts := now.Now(ctx)
	stmt := `UPDATE execution SET status = $3, reason = $4`
	args := []interface{}{id, from, to, reason}
	if to == types.StatusRunning {
		args = append(args, ts)
		stmt += fmt.Sprintf(", started_at = $%d", len(args))
	}
	if to.Terminal() {
		args = append(args, ts)
		stmt += fmt.Sprintf(", finished_at = $%d", len(args))
	}
	if to == types.StatusPending {
		stmt += ", started_at = NULL, finished_at = NULL"
	}
	stmt += ` WHERE id = $1 AND status = $2`
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		if isUniqueViolation(err) {
			// The partial unique index caught a second running execution.
			return skerr.Wrapf(ErrConsistency, "a second execution of the group would be running: %s", err)
		}
		return skerr.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return skerr.Wrap(err)
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return skerr.Wrapf(ErrConflict, "execution %d was not in status %s", id, from)
	}
	return nil
}

// RetryExecution implements Store.
func (s *SQLStore) RetryExecution(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE execution
SET status = 'pending', reason = '', retry_count = retry_count + 1,
    started_at = NULL, finished_at = NULL
WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return skerr.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return skerr.Wrap(err)
	}
	if n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return err
		}
		return skerr.Wrapf(ErrConflict, "execution %d is not failed", id)
	}
	return nil
}

// SetExecutionLogPath implements Store.
func (s *SQLStore) SetExecutionLogPath(ctx context.Context, id int64, logPath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE execution SET log_path = $2 WHERE id = $1`, id, logPath)
	if err != nil {
		return skerr.Wrap(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return skerr.Wrapf(ErrNotFound, "execution %d", id)
	}
	return nil
}

// ExecutionInputs implements Store.
func (s *SQLStore) ExecutionInputs(ctx context.Context, id int64) ([]types.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.source_type, d.instance_id, d.version, d.retracted, d.finalised, d.created_at
FROM execution_dataset ed JOIN dataset d ON d.id = ed.dataset_id
WHERE ed.execution_id = $1
ORDER BY d.source_type, d.instance_id`, id)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	datasets := []types.Dataset{}
	ids := []int64{}
	for rows.Next() {
		d := types.Dataset{}
		if err := rows.Scan(&d.ID, &d.SourceType, &d.InstanceID, &d.Version, &d.Retracted, &d.Finalised, &d.CreatedAt); err != nil {
			return nil, skerr.Wrap(err)
		}
		datasets = append(datasets, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	facets, err := s.facetsFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range datasets {
		datasets[i].Facets = facets[datasets[i].ID]
	}
	return datasets, nil
}

// ExecutionInputEntries implements Store.
func (s *SQLStore) ExecutionInputEntries(ctx context.Context, id int64) ([]types.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.source_type, d.instance_id, d.version, f.path, f.start_time, f.end_time
FROM execution_dataset ed
JOIN dataset d ON d.id = ed.dataset_id
JOIN file f ON f.dataset_id = d.id
WHERE ed.execution_id = $1
ORDER BY d.source_type, d.instance_id, f.path`, id)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()

	entries := []types.CatalogEntry{}
	ids := []int64{}
	seenIDs := map[int64]bool{}
	for rows.Next() {
		e := types.CatalogEntry{}
		var start, end sql.NullTime
		if err := rows.Scan(&e.DatasetID, &e.SourceType, &e.InstanceID, &e.Version, &e.Path, &start, &end); err != nil {
			return nil, skerr.Wrap(err)
		}
		if start.Valid {
			t := start.Time
			e.StartTime = &t
		}
		if end.Valid {
			t := end.Time
			e.EndTime = &t
		}
		entries = append(entries, e)
		if !seenIDs[e.DatasetID] {
			seenIDs[e.DatasetID] = true
			ids = append(ids, e.DatasetID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	facets, err := s.facetsFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Facets = facets[entries[i].DatasetID]
	}
	return entries, nil
}

// RecordOutputs implements Store.
func (s *SQLStore) RecordOutputs(ctx context.Context, executionID int64, outputs []types.ExecutionOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range outputs {
			if filepath.IsAbs(o.Filename) {
				return skerr.Fmt("output filename %q must be relative to the execution's output directory", o.Filename)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO execution_output (execution_id, output_type, filename, mime_type, short_name, long_name, description)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				executionID, o.OutputType, o.Filename, o.MIMEType, o.ShortName, o.LongName, o.Description); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	})
}

// ListOutputs implements Store.
func (s *SQLStore) ListOutputs(ctx context.Context, executionID int64) ([]types.ExecutionOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, execution_id, output_type, filename, mime_type, short_name, long_name, description
FROM execution_output WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []types.ExecutionOutput{}
	for rows.Next() {
		o := types.ExecutionOutput{}
		if err := rows.Scan(&o.ID, &o.ExecutionID, &o.OutputType, &o.Filename, &o.MIMEType,
			&o.ShortName, &o.LongName, &o.Description); err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, o)
	}
	return rv, skerr.Wrap(rows.Err())
}

// RecordMetricValues implements Store.
func (s *SQLStore) RecordMetricValues(ctx context.Context, executionID int64, values []types.MetricValue) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, v := range values {
			facets, err := json.Marshal(v.Facets)
			if err != nil {
				return skerr.Wrap(err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO metric_value (execution_id, facets, value) VALUES ($1, $2, $3)`,
				executionID, string(facets), v.Value); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	})
}

// ListMetricValues implements Store.
func (s *SQLStore) ListMetricValues(ctx context.Context, executionID int64) ([]types.MetricValue, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, execution_id, facets, value FROM metric_value
WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer rows.Close()
	rv := []types.MetricValue{}
	for rows.Next() {
		v := types.MetricValue{}
		var facets string
		if err := rows.Scan(&v.ID, &v.ExecutionID, &facets, &v.Value); err != nil {
			return nil, skerr.Wrap(err)
		}
		if err := json.Unmarshal([]byte(facets), &v.Facets); err != nil {
			return nil, skerr.Wrap(err)
		}
		rv = append(rv, v)
	}
	return rv, skerr.Wrap(rows.Err())
}

// RecordSeriesMetricValues implements Store.
func (s *SQLStore) RecordSeriesMetricValues(ctx context.Context, executionID int64, values []types.SeriesMetricValue) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, v := range values {
			facets, err := json.Marshal(v.Facets)
			if err != nil {
				return skerr.Wrap(err)
			}
			valueArr, err := json.Marshal(v.Values)
			if err != nil {
				return skerr.Wrap(err)
			}
			indexArr, err := json.Marshal(v.Index)
			if err != nil {
				return skerr.Wrap(err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO series_metric_value (execution_id, facets, value_array, index_array, index_name)
VALUES ($1, $2, $3, $4, $5)`,
				executionID, string(facets), string(valueArr), string(indexArr), v.IndexName); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	})
}

// WithAdvisoryLock implements Store.
func (s *SQLStore) WithAdvisoryLock(ctx context.Context, name string, stale time.Duration, fn func(ctx context.Context) error) error {
	acquire := func() error {
		ts := now.Now(ctx)
		res, err := s.db.ExecContext(ctx, `
INSERT INTO advisory_lock (name, holder, acquired_at) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, acquired_at = excluded.acquired_at
WHERE advisory_lock.acquired_at < $4`,
			name, s.holder, ts, ts.Add(-stale))
		if err != nil {
			return skerr.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return skerr.Wrap(err)
		}
		if n == 0 {
			return skerr.Fmt("lock %q is held", name)
		}
		return nil
	}
	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(acquire, boff); err != nil {
		return skerr.Wrapf(err, "acquiring advisory lock %q", name)
	}
	defer func() {
		if _, err := s.db.ExecContext(ctx, `
DELETE FROM advisory_lock WHERE name = $1 AND holder = $2`, name, s.holder); err != nil {
			sklog.Errorf("Releasing advisory lock %q: %s", name, err)
		}
	}()
	return fn(ctx)
}
