package apps

import (
	"context"
	"fmt"
	"time"

	"github.com/jobforge/appcatalog/internal/errors"
	"github.com/jobforge/appcatalog/internal/logging"
	"github.com/jobforge/appcatalog/internal/metrics"
)

// Event describes one committed catalog mutation, published for watchers.
type Event struct {
	Tenant    string       `json:"tenant"`
	AppID     string       `json:"appId"`
	Version   string       `json:"appVersion,omitempty"`
	Operation AppOperation `json:"operation"`
	User      string       `json:"user"`
	Time      time.Time    `json:"time"`
}

// EventPublisher receives committed mutation events. Publish must not block.
type EventPublisher interface {
	Publish(Event)
}

// Service orchestrates catalog operations against the store and the
// permission collaborator. All core transformations (reconcile, diff,
// projection) stay pure; the service supplies identity, validation and
// event publication around them.
type Service struct {
	store  Store
	perms  PermissionClient
	events EventPublisher
	log    *logging.Logger
}

// NewService constructs the catalog service.
func NewService(store Store, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("apps")
	}
	return &Service{store: store, log: log}
}

// AttachPermissionClient wires the permission/sharing collaborator.
func (s *Service) AttachPermissionClient(perms PermissionClient) { s.perms = perms }

// AttachEventPublisher wires the change-event broker.
func (s *Service) AttachEventPublisher(events EventPublisher) { s.events = events }

func (s *Service) publish(caller Caller, op AppOperation, appID, version string) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		Tenant:    caller.Tenant,
		AppID:     appID,
		Version:   version,
		Operation: op,
		User:      caller.User,
		Time:      time.Now().UTC(),
	})
}

func (s *Service) historyContext(caller Caller, op AppOperation) HistoryContext {
	return HistoryContext{Caller: caller, Operation: op}
}

// Create registers a new app version. The caller's identity resolves owner
// substitution; tags/notes defaults apply before storage.
func (s *Service) Create(ctx context.Context, caller Caller, app App) (App, error) {
	app.Tenant = caller.Tenant
	if err := ValidateNewApp(app); err != nil {
		metrics.RecordAppOperation(string(OpCreate), err)
		return App{}, err
	}

	app.Enabled = true
	app.Deleted = false
	CheckAndSetDefaults(&app)
	app.Owner = ResolveOwner(app.Owner, caller.User)

	created, err := s.store.CreateApp(ctx, app, s.historyContext(caller, OpCreate))
	metrics.RecordAppOperation(string(OpCreate), err)
	if err != nil {
		return App{}, errors.Wrap(err, "createApp", caller.Tenant, app.ID)
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"app_id":  created.ID,
		"version": created.Version,
		"owner":   created.Owner,
	}).Info("app created")
	s.publish(caller, OpCreate, created.ID, created.Version)
	return created, nil
}

// Get returns the latest version of an app.
func (s *Service) Get(ctx context.Context, caller Caller, id string) (App, error) {
	return s.store.GetAppByName(ctx, caller.Tenant, id)
}

// GetVersion returns one specific version snapshot.
func (s *Service) GetVersion(ctx context.Context, caller Caller, id, version string) (App, error) {
	return s.store.GetAppVersion(ctx, caller.Tenant, id, version)
}

// List returns a page of apps for the caller's tenant plus the total count.
func (s *Service) List(ctx context.Context, caller Caller, filter ListFilter) ([]App, int, error) {
	if _, _, err := ParseOrderBy(filter.OrderBy); err != nil {
		return nil, 0, err
	}
	filter.Limit = ClampLimit(filter.Limit, DefaultListLimit, MaxListLimit)
	if filter.Skip < 0 {
		filter.Skip = 0
	}
	return s.store.ListApps(ctx, caller.Tenant, filter)
}

// Put applies a full update to an existing app id, producing a new immutable
// version snapshot. The target version string must not already exist.
func (s *Service) Put(ctx context.Context, caller Caller, id string, updated App) (App, error) {
	updated.Tenant = caller.Tenant
	updated.ID = id
	if err := ValidateNewApp(updated); err != nil {
		metrics.RecordAppOperation(string(OpModify), err)
		return App{}, err
	}

	current, err := s.store.GetAppByName(ctx, caller.Tenant, id)
	if err != nil {
		metrics.RecordAppOperation(string(OpModify), err)
		return App{}, err
	}

	// Identity and ownership never change through a full update.
	updated.Owner = current.Owner
	updated.Enabled = current.Enabled
	updated.Deleted = current.Deleted
	updated.ImportRefID = current.ImportRefID
	CheckAndSetDefaults(&updated)

	result, err := s.store.PutApp(ctx, current, updated, s.historyContext(caller, OpModify))
	metrics.RecordAppOperation(string(OpModify), err)
	if err != nil {
		return App{}, errors.Wrap(err, "putApp", caller.Tenant, id)
	}

	logFields := map[string]interface{}{
		"app_id":  id,
		"version": result.Version,
	}
	if cd := Diff(current, result, nil); cd != nil {
		logFields["change"] = cd.ScrubbedText()
	}
	s.log.WithContext(ctx).WithFields(logFields).Info("app updated")
	s.publish(caller, OpModify, id, result.Version)
	return result, nil
}

// Patch applies a sparse update to one version of an app. The version row is
// mutated in place; a history entry is written only when something changed.
func (s *Service) Patch(ctx context.Context, caller Caller, id, version string, patch PatchApp) (App, error) {
	if err := ValidateAppID(id); err != nil {
		metrics.RecordAppOperation(string(OpModify), err)
		return App{}, err
	}

	current, err := s.store.GetAppVersion(ctx, caller.Tenant, id, version)
	if err != nil {
		metrics.RecordAppOperation(string(OpModify), err)
		return App{}, err
	}

	// A patch must not land the app in a state create would reject.
	if err := ValidateNewApp(Reconcile(current, patch)); err != nil {
		metrics.RecordAppOperation(string(OpModify), err)
		return App{}, err
	}

	result, err := s.store.PatchApp(ctx, current, patch, s.historyContext(caller, OpModify))
	metrics.RecordAppOperation(string(OpModify), err)
	if err != nil {
		return App{}, errors.Wrap(err, "patchApp", caller.Tenant, id)
	}

	logFields := map[string]interface{}{
		"app_id":  id,
		"version": version,
	}
	if cd := Diff(current, result, &patch); cd != nil {
		logFields["change"] = cd.ScrubbedText()
	}
	s.log.WithContext(ctx).WithFields(logFields).Info("app patched")
	s.publish(caller, OpModify, id, version)
	return result, nil
}

// ChangeOwner transfers ownership. The ${apiUserId} token in newOwner
// resolves to the caller.
func (s *Service) ChangeOwner(ctx context.Context, caller Caller, id, newOwner string) error {
	newOwner = ResolveOwner(newOwner, caller.User)
	err := s.store.UpdateAppOwner(ctx, caller.Tenant, id, newOwner, s.historyContext(caller, OpChangeOwner))
	metrics.RecordAppOperation(string(OpChangeOwner), err)
	if err != nil {
		return errors.Wrap(err, "changeOwner", caller.Tenant, id)
	}
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"app_id":    id,
		"new_owner": newOwner,
	}).Info("app owner changed")
	s.publish(caller, OpChangeOwner, id, "")
	return nil
}

// Enable marks the app available for job submission.
func (s *Service) Enable(ctx context.Context, caller Caller, id string) error {
	return s.setEnabled(ctx, caller, id, true, OpEnable)
}

// Disable blocks new job submissions against the app.
func (s *Service) Disable(ctx context.Context, caller Caller, id string) error {
	return s.setEnabled(ctx, caller, id, false, OpDisable)
}

func (s *Service) setEnabled(ctx context.Context, caller Caller, id string, enabled bool, op AppOperation) error {
	err := s.store.UpdateEnabled(ctx, caller.Tenant, id, enabled, s.historyContext(caller, op))
	metrics.RecordAppOperation(string(op), err)
	if err != nil {
		return errors.Wrap(err, string(op), caller.Tenant, id)
	}
	s.publish(caller, op, id, "")
	return nil
}

// SoftDelete marks the app deleted; reversible via Restore.
func (s *Service) SoftDelete(ctx context.Context, caller Caller, id string) (int64, error) {
	rows, err := s.store.SetDeleted(ctx, caller.Tenant, id, true, s.historyContext(caller, OpSoftDelete))
	metrics.RecordAppOperation(string(OpSoftDelete), err)
	if err != nil {
		return 0, errors.Wrap(err, "softDelete", caller.Tenant, id)
	}
	s.publish(caller, OpSoftDelete, id, "")
	return rows, nil
}

// Restore reverses a soft delete.
func (s *Service) Restore(ctx context.Context, caller Caller, id string) (int64, error) {
	rows, err := s.store.SetDeleted(ctx, caller.Tenant, id, false, s.historyContext(caller, OpRestore))
	metrics.RecordAppOperation(string(OpRestore), err)
	if err != nil {
		return 0, errors.Wrap(err, "restore", caller.Tenant, id)
	}
	s.publish(caller, OpRestore, id, "")
	return rows, nil
}

// HardDelete irreversibly removes the app, all versions, history and shares.
func (s *Service) HardDelete(ctx context.Context, caller Caller, id string) error {
	err := s.store.HardDeleteApp(ctx, caller.Tenant, id)
	metrics.RecordAppOperation(string(OpHardDelete), err)
	if err != nil {
		return errors.Wrap(err, "hardDelete", caller.Tenant, id)
	}
	s.log.WithContext(ctx).WithField("app_id", id).Info("app hard-deleted")
	s.publish(caller, OpHardDelete, id, "")
	return nil
}

// GetHistory returns the append-only change log for an app.
func (s *Service) GetHistory(ctx context.Context, caller Caller, id string) ([]AppHistoryItem, error) {
	return s.store.GetAppHistory(ctx, caller.Tenant, id)
}

var errPermsUnavailable = errors.Internal("permission service not configured", nil)

// GrantPerms grants permissions to a target user and records the audit entry.
func (s *Service) GrantPerms(ctx context.Context, caller Caller, id, targetUser string, perms []Permission) error {
	return s.changePerms(ctx, caller, id, targetUser, perms, OpGrantPerms)
}

// RevokePerms revokes permissions from a target user and records the audit
// entry.
func (s *Service) RevokePerms(ctx context.Context, caller Caller, id, targetUser string, perms []Permission) error {
	return s.changePerms(ctx, caller, id, targetUser, perms, OpRevokePerms)
}

func (s *Service) changePerms(ctx context.Context, caller Caller, id, targetUser string, perms []Permission, op AppOperation) error {
	if s.perms == nil {
		return errPermsUnavailable
	}
	if targetUser == "" {
		return errors.InvalidArgument("target user is required")
	}
	for _, p := range perms {
		switch p {
		case PermRead, PermModify, PermExecute:
		default:
			return errors.InvalidArgument(fmt.Sprintf("invalid permission %q", p))
		}
	}

	// Verify the app exists before touching the permission service.
	app, err := s.store.GetAppByName(ctx, caller.Tenant, id)
	if err != nil {
		return err
	}

	if op == OpGrantPerms {
		err = s.perms.Grant(ctx, caller.Tenant, id, targetUser, perms)
	} else {
		err = s.perms.Revoke(ctx, caller.Tenant, id, targetUser, perms)
	}
	metrics.RecordAppOperation(string(op), err)
	if err != nil {
		return errors.Wrap(err, string(op), caller.Tenant, id)
	}

	item := s.historyContext(caller, op).newHistoryItem(app.Version)
	item.Description = PermsChangeDescription(id, targetUser, perms)
	if err := s.store.WriteHistory(ctx, caller.Tenant, id, item); err != nil {
		return errors.Wrap(err, string(op), caller.Tenant, id)
	}
	s.publish(caller, op, id, "")
	return nil
}

// ListPerms returns the permissions held by a user on an app.
func (s *Service) ListPerms(ctx context.Context, caller Caller, id, targetUser string) ([]Permission, error) {
	if s.perms == nil {
		return nil, errPermsUnavailable
	}
	if _, err := s.store.GetAppByName(ctx, caller.Tenant, id); err != nil {
		return nil, err
	}
	return s.perms.List(ctx, caller.Tenant, id, targetUser)
}
