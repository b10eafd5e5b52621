package apps

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/jobforge/appcatalog/internal/errors"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

var appColumns = []string{
	"seq_id", "version_seq_id", "tenant", "id", "version", "description",
	"app_type", "owner", "enabled", "containerized", "runtime",
	"runtime_version", "container_image", "max_jobs", "max_jobs_per_user",
	"strict_file_inputs", "job_attributes", "parameter_set", "file_inputs",
	"subscriptions", "tags", "notes", "import_ref_id", "deleted", "created",
	"updated",
}

func appRow(t *testing.T, app App) *sqlmock.Rows {
	t.Helper()
	enc := func(v interface{}) []byte {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal column: %v", err)
		}
		return b
	}
	return sqlmock.NewRows(appColumns).AddRow(
		app.SeqID, app.VersionSeqID, app.Tenant, app.ID, app.Version,
		app.Description, string(app.AppType), app.Owner, app.Enabled,
		app.Containerized, string(app.Runtime), app.RuntimeVersion,
		app.ContainerImage, app.MaxJobs, app.MaxJobsPerUser,
		app.StrictFileInputs, enc(app.JobAttributes), enc(app.ParameterSet),
		enc(app.FileInputs), enc(app.Subscriptions), enc(app.Tags),
		enc(app.Notes), app.ImportRefID, app.Deleted, app.Created, app.Updated,
	)
}

func TestPostgresGetAppByName(t *testing.T) {
	store, mock := newMockStore(t)
	want := testApp()
	want.SeqID = 7
	want.VersionSeqID = 12
	want.Created = time.Now().UTC().Truncate(time.Second)
	want.Updated = want.Created

	mock.ExpectQuery(`SELECT.+FROM apps a\s+JOIN app_versions v ON v\.app_seq_id = a\.seq_id AND v\.version = a\.latest_version`).
		WithArgs("dev", "word-count").
		WillReturnRows(appRow(t, want))

	got, err := store.GetAppByName(context.Background(), "dev", "word-count")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != want.ID || got.Version != want.Version || got.MaxJobs != Unlimited {
		t.Fatalf("unexpected app: %+v", got)
	}
	if got.JobAttributes.ExecSystemID != "hpc-cluster" {
		t.Fatalf("jsonb column not decoded: %+v", got.JobAttributes)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetAppByNameNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT.+FROM apps a`).
		WithArgs("dev", "missing").
		WillReturnRows(sqlmock.NewRows(appColumns))

	_, err := store.GetAppByName(context.Background(), "dev", "missing")
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresGetAppVersion(t *testing.T) {
	store, mock := newMockStore(t)
	want := testApp()

	mock.ExpectQuery(`JOIN app_versions v ON v\.app_seq_id = a\.seq_id AND v\.version = \$3`).
		WithArgs("dev", "word-count", "1.0").
		WillReturnRows(appRow(t, want))

	got, err := store.GetAppVersion(context.Background(), "dev", "word-count", "1.0")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if got.Version != "1.0" {
		t.Fatalf("unexpected version: %q", got.Version)
	}
}

func TestPostgresListAppsOrderBy(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WithArgs("dev").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ORDER BY a\.owner DESC, a\.id LIMIT \$2`).
		WithArgs("dev", DefaultListLimit).
		WillReturnRows(appRow(t, testApp()))

	list, total, err := store.ListApps(context.Background(), "dev", ListFilter{OrderBy: "owner(desc)"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("unexpected page: total=%d len=%d", total, len(list))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresListAppsRejectsUnknownOrderBy(t *testing.T) {
	store, _ := newMockStore(t)
	_, _, err := store.ListApps(context.Background(), "dev", ListFilter{OrderBy: "size"})
	se := errors.GetServiceError(err)
	if se == nil || se.Code != errors.CodeInvalidArgument {
		t.Fatalf("unknown orderBy field accepted: %v", err)
	}
}

func TestPostgresHardDelete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM apps WHERE tenant = $1 AND id = $2")).
		WithArgs("dev", "word-count").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.HardDeleteApp(context.Background(), "dev", "word-count"); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresAppCounts(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"tenant", "state", "count"}).
		AddRow("dev", "enabled", 3).
		AddRow("dev", "deleted", 1).
		AddRow("prod", "enabled", 9)
	mock.ExpectQuery(`SELECT tenant,`).WillReturnRows(rows)

	counts, err := store.AppCounts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(counts) != 3 || counts[0].Tenant != "dev" || counts[2].Count != 9 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestPostgresSetDeletedNoOp(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT seq_id, deleted, latest_version FROM apps`).
		WithArgs("dev", "word-count").
		WillReturnRows(sqlmock.NewRows([]string{"seq_id", "deleted", "latest_version"}).AddRow(7, true, "1.0"))
	mock.ExpectCommit()

	hc := HistoryContext{Caller: testCaller, Operation: OpSoftDelete}
	changed, err := store.SetDeleted(context.Background(), "dev", "word-count", true, hc)
	if err != nil {
		t.Fatalf("setDeleted: %v", err)
	}
	if changed != 0 {
		t.Fatalf("no-op delete reported %d changes", changed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
