package apps

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/jobforge/appcatalog/internal/errors"
	"github.com/jobforge/appcatalog/internal/logging"
)

var testCaller = Caller{Tenant: "dev", User: "ana", JWTTenant: "dev", JWTUser: "svc-gateway"}

type capturedEvents struct {
	events []Event
}

func (c *capturedEvents) Publish(ev Event) { c.events = append(c.events, ev) }

func newTestService() (*Service, *MemoryStore, *capturedEvents) {
	store := NewMemoryStore()
	svc := NewService(store, nil)
	events := &capturedEvents{}
	svc.AttachEventPublisher(events)
	return svc, store, events
}

func TestServiceCreateAndGet(t *testing.T) {
	svc, _, events := newTestService()

	app := testApp()
	app.Owner = OwnerToken
	created, err := svc.Create(context.Background(), testCaller, app)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Owner != "ana" {
		t.Fatalf("owner token not resolved: %q", created.Owner)
	}
	if !created.Enabled {
		t.Fatal("new app should start enabled")
	}

	got, err := svc.Get(context.Background(), testCaller, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != "1.0" || got.Description != "counts words" {
		t.Fatalf("unexpected app: %+v", got)
	}

	if len(events.events) != 1 || events.events[0].Operation != OpCreate {
		t.Fatalf("expected one create event, got %+v", events.events)
	}

	history, err := svc.GetHistory(context.Background(), testCaller, created.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Operation != OpCreate {
		t.Fatalf("expected one create history entry, got %+v", history)
	}
	if history[0].OboUser != "ana" || history[0].JWTUser != "svc-gateway" {
		t.Fatalf("history attribution wrong: %+v", history[0])
	}
}

func TestServiceCreateConflict(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Create(context.Background(), testCaller, testApp()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(context.Background(), testCaller, testApp())
	se := errors.GetServiceError(err)
	if se == nil || se.Code != errors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestServiceTenantIsolation(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Create(context.Background(), testCaller, testApp()); err != nil {
		t.Fatalf("create: %v", err)
	}

	other := Caller{Tenant: "prod", User: "ana", JWTTenant: "prod", JWTUser: "ana"}
	if _, err := svc.Get(context.Background(), other, "word-count"); !errors.IsNotFound(err) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
	// Same id is free in the other tenant.
	if _, err := svc.Create(context.Background(), other, testApp()); err != nil {
		t.Fatalf("create in second tenant: %v", err)
	}
}

func TestServicePutNewVersion(t *testing.T) {
	svc, _, _ := newTestService()
	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated := testApp()
	updated.Version = "2.0"
	updated.Description = "counts words faster"
	updated.Owner = "mallory" // must be ignored
	result, err := svc.Put(context.Background(), testCaller, created.ID, updated)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if result.Owner != created.Owner {
		t.Fatalf("full update changed ownership: %q", result.Owner)
	}

	latest, err := svc.Get(context.Background(), testCaller, created.ID)
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != "2.0" {
		t.Fatalf("latest not advanced: %q", latest.Version)
	}

	// The previous snapshot stays retrievable.
	old, err := svc.GetVersion(context.Background(), testCaller, created.ID, "1.0")
	if err != nil {
		t.Fatalf("get old version: %v", err)
	}
	if old.Description != "counts words" {
		t.Fatalf("old snapshot mutated: %q", old.Description)
	}

	// Reusing an existing version string conflicts.
	dup := testApp()
	dup.Version = "2.0"
	if _, err := svc.Put(context.Background(), testCaller, created.ID, dup); err == nil {
		t.Fatal("duplicate version accepted")
	}
}

func TestServicePatchWritesMinimalHistory(t *testing.T) {
	svc, _, _ := newTestService()
	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	patch := PatchApp{MaxJobs: intPtr(50)}
	patched, err := svc.Patch(context.Background(), testCaller, created.ID, "1.0", patch)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.MaxJobs != 50 {
		t.Fatalf("patch not applied: %d", patched.MaxJobs)
	}

	history, err := svc.GetHistory(context.Background(), testCaller, created.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected create + modify entries, got %d", len(history))
	}
	desc := string(history[1].Description)
	if gjson.Get(desc, "attributeChanges.maxJobs.newValue").Int() != 50 {
		t.Fatalf("change description missing maxJobs: %s", desc)
	}
	if gjson.Get(desc, "attributeChanges.description").Exists() {
		t.Fatalf("untouched field recorded in description: %s", desc)
	}
}

func TestServicePatchRejectsInvalidState(t *testing.T) {
	svc, _, _ := newTestService()
	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	badRuntime := Runtime("KUBERNETES")
	_, err = svc.Patch(context.Background(), testCaller, created.ID, "1.0", PatchApp{Runtime: &badRuntime})
	se := errors.GetServiceError(err)
	if se == nil || se.Code != errors.CodeInvalidArgument {
		t.Fatalf("invalid runtime accepted by patch: %v", err)
	}

	_, err = svc.Patch(context.Background(), testCaller, created.ID, "1.0", PatchApp{ContainerImage: strPtr("")})
	se = errors.GetServiceError(err)
	if se == nil || se.Code != errors.CodeInvalidArgument {
		t.Fatalf("empty image accepted for containerized app: %v", err)
	}

	// The rejected patches must leave the stored state untouched.
	got, err := svc.GetVersion(context.Background(), testCaller, created.ID, "1.0")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if got.Runtime != RuntimeDocker || got.ContainerImage == "" {
		t.Fatalf("rejected patch mutated state: runtime=%q image=%q", got.Runtime, got.ContainerImage)
	}

	history, _ := svc.GetHistory(context.Background(), testCaller, created.ID)
	if len(history) != 1 {
		t.Fatalf("rejected patch wrote history: %d entries", len(history))
	}
}

func TestServicePatchAuditLogMasksSecrets(t *testing.T) {
	store := NewMemoryStore()
	var buf bytes.Buffer
	svc := NewService(store, logging.New("apps", &buf, "info"))

	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	patch := PatchApp{ParameterSet: &ParameterSetPatch{
		EnvVariables: []KeyValuePair{{Key: "API_TOKEN", Value: "hunter2"}},
	}}
	if _, err := svc.Patch(context.Background(), testCaller, created.ID, "1.0", patch); err != nil {
		t.Fatalf("patch: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret value leaked into the audit log: %s", out)
	}
	if !strings.Contains(out, scrubMask) {
		t.Fatalf("masked change missing from the audit log: %s", out)
	}
}

func TestServiceNoOpPatchWritesNoHistory(t *testing.T) {
	svc, _, _ := newTestService()
	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	patch := PatchApp{Description: strPtr(created.Description)}
	if _, err := svc.Patch(context.Background(), testCaller, created.ID, "1.0", patch); err != nil {
		t.Fatalf("patch: %v", err)
	}

	history, _ := svc.GetHistory(context.Background(), testCaller, created.ID)
	if len(history) != 1 {
		t.Fatalf("no-op patch wrote history: %d entries", len(history))
	}
}

func TestServiceChangeOwnerToken(t *testing.T) {
	svc, _, _ := newTestService()
	app := testApp()
	app.Owner = "bela"
	created, err := svc.Create(context.Background(), testCaller, app)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.ChangeOwner(context.Background(), testCaller, created.ID, OwnerToken); err != nil {
		t.Fatalf("changeOwner: %v", err)
	}
	got, _ := svc.Get(context.Background(), testCaller, created.ID)
	if got.Owner != "ana" {
		t.Fatalf("owner token not resolved on change: %q", got.Owner)
	}
}

func TestServiceEnableDisable(t *testing.T) {
	svc, _, _ := newTestService()
	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Disable(context.Background(), testCaller, created.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, _ := svc.Get(context.Background(), testCaller, created.ID)
	if got.Enabled {
		t.Fatal("app still enabled after disable")
	}

	if err := svc.Enable(context.Background(), testCaller, created.ID); err != nil {
		t.Fatalf("enable: %v", err)
	}
	got, _ = svc.Get(context.Background(), testCaller, created.ID)
	if !got.Enabled {
		t.Fatal("app still disabled after enable")
	}
}

func TestServiceSoftDeleteRestore(t *testing.T) {
	svc, _, _ := newTestService()
	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	changed, err := svc.SoftDelete(context.Background(), testCaller, created.ID)
	if err != nil || changed != 1 {
		t.Fatalf("softDelete: changed=%d err=%v", changed, err)
	}

	// Deleted apps drop out of default listings but not direct reads.
	list, _, err := svc.List(context.Background(), testCaller, ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("deleted app still listed: %d", len(list))
	}
	list, _, _ = svc.List(context.Background(), testCaller, ListFilter{IncludeDeleted: true})
	if len(list) != 1 {
		t.Fatalf("showDeleted listing missed the app: %d", len(list))
	}

	// Deleting twice changes nothing.
	changed, err = svc.SoftDelete(context.Background(), testCaller, created.ID)
	if err != nil || changed != 0 {
		t.Fatalf("second softDelete: changed=%d err=%v", changed, err)
	}

	changed, err = svc.Restore(context.Background(), testCaller, created.ID)
	if err != nil || changed != 1 {
		t.Fatalf("restore: changed=%d err=%v", changed, err)
	}
	list, _, _ = svc.List(context.Background(), testCaller, ListFilter{})
	if len(list) != 1 {
		t.Fatalf("restored app missing from listing: %d", len(list))
	}
}

func TestServiceHardDelete(t *testing.T) {
	svc, _, _ := newTestService()
	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.HardDelete(context.Background(), testCaller, created.ID); err != nil {
		t.Fatalf("hardDelete: %v", err)
	}
	if _, err := svc.Get(context.Background(), testCaller, created.ID); !errors.IsNotFound(err) {
		t.Fatalf("expected not found after purge, got %v", err)
	}
	if _, err := svc.GetHistory(context.Background(), testCaller, created.ID); !errors.IsNotFound(err) {
		t.Fatalf("history survived purge: %v", err)
	}
}

func TestServiceListFilters(t *testing.T) {
	svc, _, _ := newTestService()

	first := testApp()
	if _, err := svc.Create(context.Background(), testCaller, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := testApp()
	second.ID = "image-resize"
	second.AppType = AppTypeFork
	second.Containerized = false
	second.Runtime = ""
	second.ContainerImage = ""
	second.Tags = []string{"images"}
	second.Owner = "bela"
	if _, err := svc.Create(context.Background(), testCaller, second); err != nil {
		t.Fatalf("create second: %v", err)
	}

	list, total, err := svc.List(context.Background(), testCaller, ListFilter{AppType: AppTypeFork})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if total != 1 || len(list) != 1 || list[0].ID != "image-resize" {
		t.Fatalf("type filter wrong: total=%d list=%+v", total, list)
	}

	list, _, _ = svc.List(context.Background(), testCaller, ListFilter{Tag: "text"})
	if len(list) != 1 || list[0].ID != "word-count" {
		t.Fatalf("tag filter wrong: %+v", list)
	}

	list, _, _ = svc.List(context.Background(), testCaller, ListFilter{Owner: "bela"})
	if len(list) != 1 || list[0].ID != "image-resize" {
		t.Fatalf("owner filter wrong: %+v", list)
	}

	// Pagination: both apps, page size one, second page via skip.
	list, total, _ = svc.List(context.Background(), testCaller, ListFilter{Limit: 1})
	if total != 2 || len(list) != 1 || list[0].ID != "image-resize" {
		t.Fatalf("page 1 wrong: total=%d list=%+v", total, list)
	}
	list, _, _ = svc.List(context.Background(), testCaller, ListFilter{Limit: 1, Skip: 1})
	if len(list) != 1 || list[0].ID != "word-count" {
		t.Fatalf("page 2 wrong: %+v", list)
	}
}

func TestServiceListOrderBy(t *testing.T) {
	svc, _, _ := newTestService()

	for id, owner := range map[string]string{
		"word-count":   "zoe",
		"image-resize": "ana",
		"pdf-merge":    "bela",
	} {
		app := testApp()
		app.ID = id
		app.Owner = owner
		if _, err := svc.Create(context.Background(), testCaller, app); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	ids := func(list []App) []string {
		var out []string
		for _, app := range list {
			out = append(out, app.ID)
		}
		return out
	}

	list, _, err := svc.List(context.Background(), testCaller, ListFilter{OrderBy: "owner"})
	if err != nil {
		t.Fatalf("list orderBy owner: %v", err)
	}
	got := ids(list)
	want := []string{"image-resize", "pdf-merge", "word-count"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("owner ascending order wrong: %v", got)
		}
	}

	list, _, err = svc.List(context.Background(), testCaller, ListFilter{OrderBy: "owner(desc)"})
	if err != nil {
		t.Fatalf("list orderBy owner(desc): %v", err)
	}
	got = ids(list)
	want = []string{"word-count", "pdf-merge", "image-resize"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("owner descending order wrong: %v", got)
		}
	}

	_, _, err = svc.List(context.Background(), testCaller, ListFilter{OrderBy: "size"})
	se := errors.GetServiceError(err)
	if se == nil || se.Code != errors.CodeInvalidArgument {
		t.Fatalf("unsupported orderBy field accepted: %v", err)
	}
}

func TestServicePermissions(t *testing.T) {
	svc, _, _ := newTestService()
	perms := NewMemoryPerms()
	svc.AttachPermissionClient(perms)

	created, err := svc.Create(context.Background(), testCaller, testApp())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	grant := []Permission{PermRead, PermExecute}
	if err := svc.GrantPerms(context.Background(), testCaller, created.ID, "bela", grant); err != nil {
		t.Fatalf("grant: %v", err)
	}

	held, err := svc.ListPerms(context.Background(), testCaller, created.ID, "bela")
	if err != nil {
		t.Fatalf("listPerms: %v", err)
	}
	if len(held) != 2 {
		t.Fatalf("expected 2 permissions, got %v", held)
	}

	if err := svc.RevokePerms(context.Background(), testCaller, created.ID, "bela", []Permission{PermExecute}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	held, _ = svc.ListPerms(context.Background(), testCaller, created.ID, "bela")
	if len(held) != 1 || held[0] != PermRead {
		t.Fatalf("expected READ only, got %v", held)
	}

	// Invalid permission names are rejected before the client is called.
	if err := svc.GrantPerms(context.Background(), testCaller, created.ID, "bela", []Permission{"ADMIN"}); err == nil {
		t.Fatal("invalid permission accepted")
	}

	history, _ := svc.GetHistory(context.Background(), testCaller, created.ID)
	if len(history) != 3 {
		t.Fatalf("expected create + grant + revoke history, got %d", len(history))
	}
	if history[1].Operation != OpGrantPerms || history[2].Operation != OpRevokePerms {
		t.Fatalf("unexpected history ops: %+v", history)
	}
}
