package apps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jobforge/appcatalog/internal/errors"
)

// List pagination bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ClampLimit bounds a caller-supplied limit to [1, max], substituting def
// for zero or negative values.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// orderableFields is the whitelist of fields a list request may sort on.
var orderableFields = map[string]bool{
	"id":      true,
	"owner":   true,
	"version": true,
	"created": true,
	"updated": true,
}

// ParseOrderBy validates a caller-supplied orderBy value of the form
// "field", "field(asc)" or "field(desc)". An empty value orders by id
// ascending. Fields outside the whitelist are an InvalidArgument.
func ParseOrderBy(raw string) (field string, desc bool, err error) {
	if raw == "" {
		return "id", false, nil
	}
	field = raw
	switch {
	case strings.HasSuffix(raw, "(asc)"):
		field = strings.TrimSuffix(raw, "(asc)")
	case strings.HasSuffix(raw, "(desc)"):
		field = strings.TrimSuffix(raw, "(desc)")
		desc = true
	}
	if !orderableFields[field] {
		return "", false, errors.InvalidArgument(fmt.Sprintf("unsupported orderBy field %q", field)).
			WithDetails("orderBy", raw)
	}
	return field, desc, nil
}

// ListFilter narrows and paginates a list/search request.
type ListFilter struct {
	Owner          string
	Enabled        *bool
	AppType        AppType
	Tag            string
	IncludeDeleted bool
	Limit          int
	Skip           int
	OrderBy        string
	StartAfter     string
}

// HistoryContext carries who performed an operation, for history attribution.
type HistoryContext struct {
	Caller    Caller
	Operation AppOperation
}

// newHistoryItem builds the base history record for an operation.
func (hc HistoryContext) newHistoryItem(appVersion string) AppHistoryItem {
	return AppHistoryItem{
		AppVersion: appVersion,
		OboTenant:  hc.Caller.Tenant,
		OboUser:    hc.Caller.User,
		JWTTenant:  hc.Caller.JWTTenant,
		JWTUser:    hc.Caller.JWTUser,
		Operation:  hc.Operation,
		Created:    time.Now().UTC(),
	}
}

// TenantAppCount is one row of the catalog stats summary.
type TenantAppCount struct {
	Tenant string
	State  string
	Count  int
}

// Store is the persistence collaborator. Every mutating method executes as
// one atomic unit: read current state, reconcile, diff, write the head and
// version rows, and append the history row together, so a crash can never
// leave a history entry without a matching state change. Missing targets
// surface as a NotFound service error, distinguished from all other
// failures.
type Store interface {
	// GetAppByName returns the latest version of (tenant, id).
	GetAppByName(ctx context.Context, tenant, id string) (App, error)
	// GetAppVersion returns one specific version snapshot.
	GetAppVersion(ctx context.Context, tenant, id, version string) (App, error)
	// ListApps returns a page of latest-version apps plus the total count.
	ListApps(ctx context.Context, tenant string, filter ListFilter) ([]App, int, error)

	// CreateApp persists a new head row, its first version snapshot and the
	// create history entry. Duplicate (tenant,id,version) is a Conflict.
	CreateApp(ctx context.Context, app App, hc HistoryContext) (App, error)
	// PutApp persists a full update as a new immutable version snapshot of
	// an existing head row, with its history entry.
	PutApp(ctx context.Context, current, updated App, hc HistoryContext) (App, error)
	// PatchApp reconciles patch against current, mutates the current version
	// row in place and appends the history entry. A patch that changes
	// nothing writes no history.
	PatchApp(ctx context.Context, current App, patch PatchApp, hc HistoryContext) (App, error)

	UpdateAppOwner(ctx context.Context, tenant, id, newOwner string, hc HistoryContext) error
	UpdateEnabled(ctx context.Context, tenant, id string, enabled bool, hc HistoryContext) error
	// SetDeleted flips the soft-delete flag, returning affected row count.
	SetDeleted(ctx context.Context, tenant, id string, deleted bool, hc HistoryContext) (int64, error)
	// HardDeleteApp removes the head row, all versions, history and shares.
	HardDeleteApp(ctx context.Context, tenant, id string) error

	GetAppHistory(ctx context.Context, tenant, id string) ([]AppHistoryItem, error)
	// WriteHistory appends a standalone audit entry (permission grants and
	// revokes, which are not field patches).
	WriteHistory(ctx context.Context, tenant, id string, item AppHistoryItem) error

	// AppCounts summarizes registered apps per tenant and state for the
	// stats collector.
	AppCounts(ctx context.Context) ([]TenantAppCount, error)
}

// PermissionClient is the permission/sharing collaborator. The catalog only
// drives it and records the audit trail; enforcement details live elsewhere.
type PermissionClient interface {
	Grant(ctx context.Context, tenant, appID, targetUser string, perms []Permission) error
	Revoke(ctx context.Context, tenant, appID, targetUser string, perms []Permission) error
	List(ctx context.Context, tenant, appID, targetUser string) ([]Permission, error)
}
