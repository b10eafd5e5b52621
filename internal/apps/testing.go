package apps

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jobforge/appcatalog/internal/errors"
)

// MemoryStore is an in-memory implementation of Store for tests and local
// development. It mirrors the transactional semantics of the Postgres store
// under a single mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	heads    map[string]*memHead
	versions map[string]App
	history  map[string][]AppHistoryItem
	seq      int64
}

type memHead struct {
	seqID         int64
	tenant        string
	id            string
	owner         string
	enabled       bool
	deleted       bool
	latestVersion string
	importRefID   string
	created       time.Time
	updated       time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		heads:    make(map[string]*memHead),
		versions: make(map[string]App),
		history:  make(map[string][]AppHistoryItem),
	}
}

func headKey(tenant, id string) string         { return tenant + "/" + id }
func versionKey(tenant, id, ver string) string { return tenant + "/" + id + "/" + ver }

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// compose overlays head-row fields onto a version snapshot.
func (s *MemoryStore) compose(head *memHead, snapshot App) App {
	app := snapshot.Copy()
	app.SeqID = head.seqID
	app.Owner = head.owner
	app.Enabled = head.enabled
	app.Deleted = head.deleted
	app.ImportRefID = head.importRefID
	return app
}

// GetAppByName returns the latest version of (tenant, id).
func (s *MemoryStore) GetAppByName(_ context.Context, tenant, id string) (App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.heads[headKey(tenant, id)]
	if !ok {
		return App{}, errors.NotFound("app not found").WithDetails("id", id)
	}
	return s.compose(head, s.versions[versionKey(tenant, id, head.latestVersion)]), nil
}

// GetAppVersion returns one specific version snapshot.
func (s *MemoryStore) GetAppVersion(_ context.Context, tenant, id, version string) (App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.heads[headKey(tenant, id)]
	if !ok {
		return App{}, errors.NotFound("app not found").WithDetails("id", id)
	}
	snapshot, ok := s.versions[versionKey(tenant, id, version)]
	if !ok {
		return App{}, errors.NotFound("app version not found").WithDetails("version", version)
	}
	return s.compose(head, snapshot), nil
}

// ListApps returns a filtered, paginated page of latest-version apps.
func (s *MemoryStore) ListApps(_ context.Context, tenant string, filter ListFilter) ([]App, int, error) {
	orderField, orderDesc, err := ParseOrderBy(filter.OrderBy)
	if err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []App
	for _, head := range s.heads {
		if head.tenant != tenant {
			continue
		}
		app := s.compose(head, s.versions[versionKey(tenant, head.id, head.latestVersion)])
		if !matchesFilter(app, filter) {
			continue
		}
		all = append(all, app)
	}
	sort.Slice(all, func(i, j int) bool { return appLess(all[i], all[j], orderField, orderDesc) })

	if filter.StartAfter != "" {
		kept := all[:0]
		for _, app := range all {
			if app.ID > filter.StartAfter {
				kept = append(kept, app)
			}
		}
		all = kept
	}
	total := len(all)
	if filter.Skip > 0 {
		if filter.Skip >= len(all) {
			all = nil
		} else {
			all = all[filter.Skip:]
		}
	}
	limit := ClampLimit(filter.Limit, DefaultListLimit, MaxListLimit)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// appLess orders apps by the requested field; id breaks ties so the order
// stays total and pagination stable.
func appLess(a, b App, field string, desc bool) bool {
	if desc {
		a, b = b, a
	}
	switch field {
	case "owner":
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
	case "version":
		if a.Version != b.Version {
			return a.Version < b.Version
		}
	case "created":
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
	case "updated":
		if !a.Updated.Equal(b.Updated) {
			return a.Updated.Before(b.Updated)
		}
	}
	return a.ID < b.ID
}

func matchesFilter(app App, filter ListFilter) bool {
	if app.Deleted && !filter.IncludeDeleted {
		return false
	}
	if filter.Owner != "" && app.Owner != filter.Owner {
		return false
	}
	if filter.Enabled != nil && app.Enabled != *filter.Enabled {
		return false
	}
	if filter.AppType != "" && app.AppType != filter.AppType {
		return false
	}
	if filter.Tag != "" {
		found := false
		for _, t := range app.Tags {
			if t == filter.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CreateApp persists a new head row, first version snapshot and history.
func (s *MemoryStore) CreateApp(_ context.Context, app App, hc HistoryContext) (App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hk := headKey(app.Tenant, app.ID)
	if _, exists := s.heads[hk]; exists {
		return App{}, errors.Conflict("app already exists").WithDetails("id", app.ID)
	}

	now := time.Now().UTC()
	app.Created = now
	app.Updated = now

	head := &memHead{
		seqID:         s.nextSeq(),
		tenant:        app.Tenant,
		id:            app.ID,
		owner:         app.Owner,
		enabled:       app.Enabled,
		deleted:       false,
		latestVersion: app.Version,
		importRefID:   app.ImportRefID,
		created:       now,
		updated:       now,
	}
	app.SeqID = head.seqID
	app.VersionSeqID = s.nextSeq()

	s.heads[hk] = head
	s.versions[versionKey(app.Tenant, app.ID, app.Version)] = app.Copy()

	item := hc.newHistoryItem(app.Version)
	item.Description = CreateChangeDescription(app)
	s.appendHistory(hk, item)
	return app, nil
}

// PutApp appends a new immutable version snapshot for an existing head.
func (s *MemoryStore) PutApp(_ context.Context, current, updated App, hc HistoryContext) (App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hk := headKey(updated.Tenant, updated.ID)
	head, ok := s.heads[hk]
	if !ok {
		return App{}, errors.NotFound("app not found").WithDetails("id", updated.ID)
	}
	vk := versionKey(updated.Tenant, updated.ID, updated.Version)
	if _, exists := s.versions[vk]; exists {
		return App{}, errors.Conflict("app version already exists").WithDetails("version", updated.Version)
	}

	cd := Diff(current, updated, nil)
	now := time.Now().UTC()
	updated.Created = now
	updated.Updated = now
	updated.SeqID = head.seqID
	updated.VersionSeqID = s.nextSeq()

	head.latestVersion = updated.Version
	head.updated = now
	s.versions[vk] = updated.Copy()

	if cd != nil {
		item := hc.newHistoryItem(updated.Version)
		item.Description = cd.JSON()
		s.appendHistory(hk, item)
	}
	return updated, nil
}

// PatchApp reconciles and mutates the current version row in place. A patch
// that changes nothing writes neither state nor history.
func (s *MemoryStore) PatchApp(_ context.Context, current App, patch PatchApp, hc HistoryContext) (App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hk := headKey(current.Tenant, current.ID)
	if _, ok := s.heads[hk]; !ok {
		return App{}, errors.NotFound("app not found").WithDetails("id", current.ID)
	}
	vk := versionKey(current.Tenant, current.ID, current.Version)
	if _, ok := s.versions[vk]; !ok {
		return App{}, errors.NotFound("app version not found").WithDetails("version", current.Version)
	}

	next := Reconcile(current, patch)
	cd := Diff(current, next, &patch)
	if cd == nil {
		return current, nil
	}

	next.Updated = time.Now().UTC()
	s.versions[vk] = next.Copy()

	item := hc.newHistoryItem(next.Version)
	item.Description = cd.JSON()
	s.appendHistory(hk, item)
	return next, nil
}

// UpdateAppOwner transfers ownership on the head row.
func (s *MemoryStore) UpdateAppOwner(_ context.Context, tenant, id, newOwner string, hc HistoryContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[headKey(tenant, id)]
	if !ok {
		return errors.NotFound("app not found").WithDetails("id", id)
	}
	if head.owner == newOwner {
		return nil
	}
	oldOwner := head.owner
	head.owner = newOwner
	head.updated = time.Now().UTC()

	item := hc.newHistoryItem(head.latestVersion)
	item.Description = OwnerChangeDescription(id, oldOwner, newOwner)
	s.appendHistory(headKey(tenant, id), item)
	return nil
}

// UpdateEnabled flips the enablement flag on the head row.
func (s *MemoryStore) UpdateEnabled(_ context.Context, tenant, id string, enabled bool, hc HistoryContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[headKey(tenant, id)]
	if !ok {
		return errors.NotFound("app not found").WithDetails("id", id)
	}
	if head.enabled == enabled {
		return nil
	}
	head.enabled = enabled
	head.updated = time.Now().UTC()

	cd := &ChangeDescription{
		AppID:            id,
		AppVersion:       head.latestVersion,
		AttributeChanges: map[string]FieldChange{"enabled": {Old: !enabled, New: enabled}},
	}
	item := hc.newHistoryItem(head.latestVersion)
	item.Description = cd.JSON()
	s.appendHistory(headKey(tenant, id), item)
	return nil
}

// SetDeleted flips the soft-delete flag, returning the affected row count.
func (s *MemoryStore) SetDeleted(_ context.Context, tenant, id string, deleted bool, hc HistoryContext) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.heads[headKey(tenant, id)]
	if !ok {
		return 0, errors.NotFound("app not found").WithDetails("id", id)
	}
	if head.deleted == deleted {
		return 0, nil
	}
	head.deleted = deleted
	head.updated = time.Now().UTC()

	cd := &ChangeDescription{
		AppID:            id,
		AppVersion:       head.latestVersion,
		AttributeChanges: map[string]FieldChange{"deleted": {Old: !deleted, New: deleted}},
	}
	item := hc.newHistoryItem(head.latestVersion)
	item.Description = cd.JSON()
	s.appendHistory(headKey(tenant, id), item)
	return 1, nil
}

// HardDeleteApp removes the head, all versions and the history. Removing an
// absent app is a no-op.
func (s *MemoryStore) HardDeleteApp(_ context.Context, tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hk := headKey(tenant, id)
	if _, ok := s.heads[hk]; !ok {
		return nil
	}
	delete(s.heads, hk)
	delete(s.history, hk)
	prefix := tenant + "/" + id + "/"
	for vk := range s.versions {
		if strings.HasPrefix(vk, prefix) {
			delete(s.versions, vk)
		}
	}
	return nil
}

// GetAppHistory returns the append-only change log, oldest first.
func (s *MemoryStore) GetAppHistory(_ context.Context, tenant, id string) ([]AppHistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hk := headKey(tenant, id)
	if _, ok := s.heads[hk]; !ok {
		return nil, errors.NotFound("app not found").WithDetails("id", id)
	}
	return append([]AppHistoryItem(nil), s.history[hk]...), nil
}

// WriteHistory appends a standalone audit entry.
func (s *MemoryStore) WriteHistory(_ context.Context, tenant, id string, item AppHistoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hk := headKey(tenant, id)
	if _, ok := s.heads[hk]; !ok {
		return errors.NotFound("app not found").WithDetails("id", id)
	}
	s.appendHistory(hk, item)
	return nil
}

// AppCounts summarizes registered apps per tenant and state.
func (s *MemoryStore) AppCounts(_ context.Context) ([]TenantAppCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]map[string]int)
	for _, head := range s.heads {
		state := "enabled"
		switch {
		case head.deleted:
			state = "deleted"
		case !head.enabled:
			state = "disabled"
		}
		if counts[head.tenant] == nil {
			counts[head.tenant] = make(map[string]int)
		}
		counts[head.tenant][state]++
	}

	var out []TenantAppCount
	for tenant, states := range counts {
		for state, n := range states {
			out = append(out, TenantAppCount{Tenant: tenant, State: state, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].State < out[j].State
	})
	return out, nil
}

func (s *MemoryStore) appendHistory(hk string, item AppHistoryItem) {
	item.SeqID = s.nextSeq()
	s.history[hk] = append(s.history[hk], item)
}

// MemoryPerms is an in-memory PermissionClient for tests and local runs.
type MemoryPerms struct {
	mu     sync.RWMutex
	grants map[string]map[Permission]bool
}

// NewMemoryPerms creates an empty in-memory permission client.
func NewMemoryPerms() *MemoryPerms {
	return &MemoryPerms{grants: make(map[string]map[Permission]bool)}
}

func permKey(tenant, appID, user string) string { return tenant + "/" + appID + "/" + user }

// Grant adds permissions for a user on an app.
func (p *MemoryPerms) Grant(_ context.Context, tenant, appID, user string, perms []Permission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := permKey(tenant, appID, user)
	if p.grants[key] == nil {
		p.grants[key] = make(map[Permission]bool)
	}
	for _, perm := range perms {
		p.grants[key][perm] = true
	}
	return nil
}

// Revoke removes permissions for a user on an app.
func (p *MemoryPerms) Revoke(_ context.Context, tenant, appID, user string, perms []Permission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := permKey(tenant, appID, user)
	for _, perm := range perms {
		delete(p.grants[key], perm)
	}
	return nil
}

// List returns the permissions a user holds on an app.
func (p *MemoryPerms) List(_ context.Context, tenant, appID, user string) ([]Permission, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Permission
	for perm := range p.grants[permKey(tenant, appID, user)] {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
