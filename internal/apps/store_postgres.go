package apps

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jobforge/appcatalog/internal/errors"
)

// PostgresStore implements Store over Postgres. Head rows live in "apps",
// version snapshots in "app_versions" and the append-only audit log in
// "app_history". Each mutating method runs as one transaction so a crash
// never leaves a history row without its matching state change.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a Postgres-backed app store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}

const appSelectColumns = `
	a.seq_id, v.seq_id AS version_seq_id, a.tenant, a.id, v.version,
	v.description, v.app_type, a.owner, a.enabled, v.containerized,
	v.runtime, v.runtime_version, v.container_image, v.max_jobs,
	v.max_jobs_per_user, v.strict_file_inputs, v.job_attributes,
	v.parameter_set, v.file_inputs, v.subscriptions, v.tags, v.notes,
	a.import_ref_id, a.deleted, v.created, v.updated`

// GetAppByName returns the latest version of (tenant, id).
func (s *PostgresStore) GetAppByName(ctx context.Context, tenant, id string) (App, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+appSelectColumns+`
		FROM apps a
		JOIN app_versions v ON v.app_seq_id = a.seq_id AND v.version = a.latest_version
		WHERE a.tenant = $1 AND a.id = $2
	`, tenant, id)
	return scanApp(row, id, "")
}

// GetAppVersion returns one specific version snapshot.
func (s *PostgresStore) GetAppVersion(ctx context.Context, tenant, id, version string) (App, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+appSelectColumns+`
		FROM apps a
		JOIN app_versions v ON v.app_seq_id = a.seq_id AND v.version = $3
		WHERE a.tenant = $1 AND a.id = $2
	`, tenant, id, version)
	return scanApp(row, id, version)
}

// listOrderColumns maps whitelisted orderBy fields onto their columns.
var listOrderColumns = map[string]string{
	"id":      "a.id",
	"owner":   "a.owner",
	"version": "a.latest_version",
	"created": "v.created",
	"updated": "v.updated",
}

// ListApps returns a filtered, paginated page plus the total match count.
func (s *PostgresStore) ListApps(ctx context.Context, tenant string, filter ListFilter) ([]App, int, error) {
	orderField, orderDesc, err := ParseOrderBy(filter.OrderBy)
	if err != nil {
		return nil, 0, err
	}

	where := `a.tenant = $1`
	args := []interface{}{tenant}

	addArg := func(clause string, value interface{}) {
		args = append(args, value)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}

	if !filter.IncludeDeleted {
		where += " AND a.deleted = false"
	}
	if filter.Owner != "" {
		addArg("a.owner = $%d", filter.Owner)
	}
	if filter.Enabled != nil {
		addArg("a.enabled = $%d", *filter.Enabled)
	}
	if filter.AppType != "" {
		addArg("v.app_type = $%d", string(filter.AppType))
	}
	if filter.Tag != "" {
		addArg("v.tags @> $%d", mustJSON([]string{filter.Tag}))
	}
	if filter.StartAfter != "" {
		addArg("a.id > $%d", filter.StartAfter)
	}

	base := `
		FROM apps a
		JOIN app_versions v ON v.app_seq_id = a.seq_id AND v.version = a.latest_version
		WHERE ` + where

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+base, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := ClampLimit(filter.Limit, DefaultListLimit, MaxListLimit)
	direction := " ASC"
	if orderDesc {
		direction = " DESC"
	}
	// The order column comes from the whitelist map, never caller input;
	// a.id breaks ties so pagination stays stable.
	query := "SELECT" + appSelectColumns + base + " ORDER BY " + listOrderColumns[orderField] + direction + ", a.id"
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Skip > 0 {
		args = append(args, filter.Skip)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []App
	for rows.Next() {
		app, err := scanApp(rows, "", "")
		if err != nil {
			return nil, 0, err
		}
		result = append(result, app)
	}
	return result, total, rows.Err()
}

// CreateApp persists the head row, first version snapshot and create history
// entry in one transaction.
func (s *PostgresStore) CreateApp(ctx context.Context, app App, hc HistoryContext) (App, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return App{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	app.Created = now
	app.Updated = now

	err = tx.QueryRowContext(ctx, `
		INSERT INTO apps (tenant, id, owner, enabled, deleted, latest_version, import_ref_id, created, updated)
		VALUES ($1, $2, $3, $4, false, $5, $6, $7, $7)
		RETURNING seq_id
	`, app.Tenant, app.ID, app.Owner, app.Enabled, app.Version, app.ImportRefID, now).Scan(&app.SeqID)
	if err != nil {
		if isUniqueViolation(err) {
			return App{}, errors.Conflict("app already exists").WithDetails("id", app.ID)
		}
		return App{}, err
	}

	if app.VersionSeqID, err = insertVersionTx(ctx, tx, app); err != nil {
		return App{}, err
	}

	item := hc.newHistoryItem(app.Version)
	item.Description = CreateChangeDescription(app)
	if err := insertHistoryTx(ctx, tx, app.SeqID, item); err != nil {
		return App{}, err
	}

	if err := tx.Commit(); err != nil {
		return App{}, err
	}
	return app, nil
}

// PutApp writes a full update as a new version snapshot of an existing head.
func (s *PostgresStore) PutApp(ctx context.Context, current, updated App, hc HistoryContext) (App, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return App{}, err
	}
	defer tx.Rollback()

	cd := Diff(current, updated, nil)
	now := time.Now().UTC()
	updated.SeqID = current.SeqID
	updated.Created = now
	updated.Updated = now

	if updated.VersionSeqID, err = insertVersionTx(ctx, tx, updated); err != nil {
		if isUniqueViolation(err) {
			return App{}, errors.Conflict("app version already exists").WithDetails("version", updated.Version)
		}
		return App{}, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE apps SET latest_version = $3, updated = $4
		WHERE tenant = $1 AND id = $2
	`, updated.Tenant, updated.ID, updated.Version, now)
	if err != nil {
		return App{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return App{}, errors.NotFound("app not found").WithDetails("id", updated.ID)
	}

	if cd != nil {
		item := hc.newHistoryItem(updated.Version)
		item.Description = cd.JSON()
		if err := insertHistoryTx(ctx, tx, updated.SeqID, item); err != nil {
			return App{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return App{}, err
	}
	return updated, nil
}

// PatchApp reconciles the patch against current state and mutates the
// current version row in place. No state or history is written when the
// patch changes nothing.
func (s *PostgresStore) PatchApp(ctx context.Context, current App, patch PatchApp, hc HistoryContext) (App, error) {
	next := Reconcile(current, patch)
	cd := Diff(current, next, &patch)
	if cd == nil {
		return current, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return App{}, err
	}
	defer tx.Rollback()

	next.Updated = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE app_versions SET
			description = $2, runtime = $3, runtime_version = $4,
			container_image = $5, max_jobs = $6, max_jobs_per_user = $7,
			strict_file_inputs = $8, job_attributes = $9, parameter_set = $10,
			file_inputs = $11, subscriptions = $12, tags = $13, notes = $14,
			updated = $15
		WHERE seq_id = $1
	`, next.VersionSeqID, next.Description, string(next.Runtime), next.RuntimeVersion,
		next.ContainerImage, next.MaxJobs, next.MaxJobsPerUser, next.StrictFileInputs,
		mustJSON(next.JobAttributes), mustJSON(next.ParameterSet), mustJSON(next.FileInputs),
		mustJSON(next.Subscriptions), mustJSON(next.Tags), mustJSON(next.Notes), next.Updated)
	if err != nil {
		return App{}, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return App{}, errors.NotFound("app version not found").WithDetails("version", next.Version)
	}

	item := hc.newHistoryItem(next.Version)
	item.Description = cd.JSON()
	if err := insertHistoryTx(ctx, tx, next.SeqID, item); err != nil {
		return App{}, err
	}

	if err := tx.Commit(); err != nil {
		return App{}, err
	}
	return next, nil
}

// UpdateAppOwner transfers ownership on the head row.
func (s *PostgresStore) UpdateAppOwner(ctx context.Context, tenant, id, newOwner string, hc HistoryContext) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seqID int64
	var oldOwner, latestVersion string
	err = tx.QueryRowContext(ctx, `
		SELECT seq_id, owner, latest_version FROM apps
		WHERE tenant = $1 AND id = $2
		FOR UPDATE
	`, tenant, id).Scan(&seqID, &oldOwner, &latestVersion)
	if err == sql.ErrNoRows {
		return errors.NotFound("app not found").WithDetails("id", id)
	}
	if err != nil {
		return err
	}
	if oldOwner == newOwner {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE apps SET owner = $2, updated = $3 WHERE seq_id = $1
	`, seqID, newOwner, time.Now().UTC()); err != nil {
		return err
	}

	item := hc.newHistoryItem(latestVersion)
	item.Description = OwnerChangeDescription(id, oldOwner, newOwner)
	if err := insertHistoryTx(ctx, tx, seqID, item); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateEnabled flips the enablement flag on the head row.
func (s *PostgresStore) UpdateEnabled(ctx context.Context, tenant, id string, enabled bool, hc HistoryContext) error {
	_, err := s.setHeadFlag(ctx, tenant, id, "enabled", enabled, hc)
	return err
}

// SetDeleted flips the soft-delete flag, returning the affected row count.
func (s *PostgresStore) SetDeleted(ctx context.Context, tenant, id string, deleted bool, hc HistoryContext) (int64, error) {
	return s.setHeadFlag(ctx, tenant, id, "deleted", deleted, hc)
}

// setHeadFlag updates one boolean head-row column with an audit entry.
// Flipping a flag to its current value is a no-op and writes no history.
func (s *PostgresStore) setHeadFlag(ctx context.Context, tenant, id, column string, value bool, hc HistoryContext) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var seqID int64
	var currentValue bool
	var latestVersion string
	// column is a compile-time constant name, never caller input.
	err = tx.QueryRowContext(ctx, `
		SELECT seq_id, `+column+`, latest_version FROM apps
		WHERE tenant = $1 AND id = $2
		FOR UPDATE
	`, tenant, id).Scan(&seqID, &currentValue, &latestVersion)
	if err == sql.ErrNoRows {
		return 0, errors.NotFound("app not found").WithDetails("id", id)
	}
	if err != nil {
		return 0, err
	}
	if currentValue == value {
		return 0, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE apps SET `+column+` = $2, updated = $3 WHERE seq_id = $1
	`, seqID, value, time.Now().UTC()); err != nil {
		return 0, err
	}

	cd := &ChangeDescription{
		AppID:            id,
		AppVersion:       latestVersion,
		AttributeChanges: map[string]FieldChange{column: {Old: currentValue, New: value}},
	}
	item := hc.newHistoryItem(latestVersion)
	item.Description = cd.JSON()
	if err := insertHistoryTx(ctx, tx, seqID, item); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return 1, nil
}

// HardDeleteApp removes the head row; versions, history and shares cascade.
func (s *PostgresStore) HardDeleteApp(ctx context.Context, tenant, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM apps WHERE tenant = $1 AND id = $2
	`, tenant, id)
	return err
}

// GetAppHistory returns the append-only change log, oldest first.
func (s *PostgresStore) GetAppHistory(ctx context.Context, tenant, id string) ([]AppHistoryItem, error) {
	var seqID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq_id FROM apps WHERE tenant = $1 AND id = $2
	`, tenant, id).Scan(&seqID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("app not found").WithDetails("id", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq_id, app_version, obo_tenant, obo_user, jwt_tenant, jwt_user, operation, description, created
		FROM app_history
		WHERE app_seq_id = $1
		ORDER BY created, seq_id
	`, seqID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppHistoryItem
	for rows.Next() {
		var item AppHistoryItem
		var description []byte
		if err := rows.Scan(&item.SeqID, &item.AppVersion, &item.OboTenant, &item.OboUser,
			&item.JWTTenant, &item.JWTUser, &item.Operation, &description, &item.Created); err != nil {
			return nil, err
		}
		item.Description = json.RawMessage(description)
		item.Created = item.Created.UTC()
		result = append(result, item)
	}
	return result, rows.Err()
}

// WriteHistory appends a standalone audit entry.
func (s *PostgresStore) WriteHistory(ctx context.Context, tenant, id string, item AppHistoryItem) error {
	var seqID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq_id FROM apps WHERE tenant = $1 AND id = $2
	`, tenant, id).Scan(&seqID)
	if err == sql.ErrNoRows {
		return errors.NotFound("app not found").WithDetails("id", id)
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_history (app_seq_id, app_version, obo_tenant, obo_user, jwt_tenant, jwt_user, operation, description, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, seqID, item.AppVersion, item.OboTenant, item.OboUser, item.JWTTenant, item.JWTUser,
		string(item.Operation), string(item.Description), item.Created)
	return err
}

// AppCounts summarizes registered apps per tenant and state.
func (s *PostgresStore) AppCounts(ctx context.Context) ([]TenantAppCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant,
		       CASE WHEN deleted THEN 'deleted' WHEN NOT enabled THEN 'disabled' ELSE 'enabled' END AS state,
		       COUNT(*)
		FROM apps
		GROUP BY tenant, state
		ORDER BY tenant, state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []TenantAppCount
	for rows.Next() {
		var c TenantAppCount
		if err := rows.Scan(&c.Tenant, &c.State, &c.Count); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// Helper functions

func insertVersionTx(ctx context.Context, tx *sqlx.Tx, app App) (int64, error) {
	var versionSeqID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO app_versions
			(app_seq_id, tenant, id, version, description, app_type, containerized,
			 runtime, runtime_version, container_image, max_jobs, max_jobs_per_user,
			 strict_file_inputs, job_attributes, parameter_set, file_inputs,
			 subscriptions, tags, notes, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
		RETURNING seq_id
	`, app.SeqID, app.Tenant, app.ID, app.Version, app.Description, string(app.AppType),
		app.Containerized, string(app.Runtime), app.RuntimeVersion, app.ContainerImage,
		app.MaxJobs, app.MaxJobsPerUser, app.StrictFileInputs,
		mustJSON(app.JobAttributes), mustJSON(app.ParameterSet), mustJSON(app.FileInputs),
		mustJSON(app.Subscriptions), mustJSON(app.Tags), mustJSON(app.Notes), app.Created).Scan(&versionSeqID)
	return versionSeqID, err
}

func insertHistoryTx(ctx context.Context, tx *sqlx.Tx, appSeqID int64, item AppHistoryItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO app_history (app_seq_id, app_version, obo_tenant, obo_user, jwt_tenant, jwt_user, operation, description, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, appSeqID, item.AppVersion, item.OboTenant, item.OboUser, item.JWTTenant, item.JWTUser,
		string(item.Operation), string(item.Description), item.Created)
	return err
}

// rowScanner abstracts sql.Row and sql.Rows for scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApp(scanner rowScanner, id, version string) (App, error) {
	var (
		app          App
		appType      string
		runtime      string
		jobAttrsJSON []byte
		paramSetJSON []byte
		fileInJSON   []byte
		subsJSON     []byte
		tagsJSON     []byte
		notesJSON    []byte
		importRef    sql.NullString
	)
	err := scanner.Scan(&app.SeqID, &app.VersionSeqID, &app.Tenant, &app.ID, &app.Version,
		&app.Description, &appType, &app.Owner, &app.Enabled, &app.Containerized,
		&runtime, &app.RuntimeVersion, &app.ContainerImage, &app.MaxJobs,
		&app.MaxJobsPerUser, &app.StrictFileInputs, &jobAttrsJSON, &paramSetJSON,
		&fileInJSON, &subsJSON, &tagsJSON, &notesJSON, &importRef, &app.Deleted,
		&app.Created, &app.Updated)
	if err == sql.ErrNoRows {
		notFound := errors.NotFound("app not found").WithDetails("id", id)
		if version != "" {
			notFound = notFound.WithDetails("version", version)
		}
		return App{}, notFound
	}
	if err != nil {
		return App{}, err
	}

	app.AppType = AppType(appType)
	app.Runtime = Runtime(runtime)
	if importRef.Valid {
		app.ImportRefID = importRef.String
	}
	app.Created = app.Created.UTC()
	app.Updated = app.Updated.UTC()

	for _, field := range []struct {
		raw  []byte
		dest interface{}
	}{
		{jobAttrsJSON, &app.JobAttributes},
		{paramSetJSON, &app.ParameterSet},
		{fileInJSON, &app.FileInputs},
		{subsJSON, &app.Subscriptions},
		{tagsJSON, &app.Tags},
		{notesJSON, &app.Notes},
	} {
		if len(field.raw) > 0 {
			if err := json.Unmarshal(field.raw, field.dest); err != nil {
				return App{}, fmt.Errorf("failed to decode app column: %w", err)
			}
		}
	}
	CheckAndSetDefaults(&app)
	return app, nil
}

// mustJSON marshals a value that is always JSON-encodable by construction.
// JSON parameters travel as text: lib/pq would encode []byte as bytea, which
// jsonb columns reject.
func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
