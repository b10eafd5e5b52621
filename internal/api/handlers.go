package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/jobforge/appcatalog/internal/apps"
	"github.com/jobforge/appcatalog/internal/errors"
	"github.com/jobforge/appcatalog/internal/httputil"
	"github.com/jobforge/appcatalog/internal/logging"
	"github.com/jobforge/appcatalog/internal/middleware"
)

// appHandlers carries the catalog service into the HTTP handlers.
type appHandlers struct {
	service *apps.Service
	log     *logging.Logger
}

func caller(r *http.Request) apps.Caller {
	ident := middleware.GetIdentity(r.Context())
	return apps.Caller{
		Tenant:    ident.Tenant,
		User:      ident.User,
		JWTTenant: ident.JWTTenant,
		JWTUser:   ident.JWTUser,
	}
}

// parseSelect splits the select query parameter into field names.
func parseSelect(r *http.Request) []string {
	raw := r.URL.Query().Get("select")
	if raw == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func (h *appHandlers) create(w http.ResponseWriter, r *http.Request) {
	var app apps.App
	if err := httputil.DecodeJSON(r, &app); err != nil {
		httputil.WriteError(w, err)
		return
	}
	created, err := h.service.Create(r.Context(), caller(r), app)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, apps.Project(created, parseSelect(r)))
}

func (h *appHandlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := apps.ListFilter{
		Owner:          q.Get("owner"),
		AppType:        apps.AppType(q.Get("appType")),
		Tag:            q.Get("tag"),
		IncludeDeleted: q.Get("showDeleted") == "true",
		Limit:          intParam(r, "limit", apps.DefaultListLimit),
		Skip:           intParam(r, "skip", 0),
		OrderBy:        q.Get("orderBy"),
		StartAfter:     q.Get("startAfter"),
	}
	if raw := q.Get("enabled"); raw != "" {
		enabled := raw == "true"
		filter.Enabled = &enabled
	}

	result, total, err := h.service.List(r.Context(), caller(r), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	selectList := parseSelect(r)
	projected := make([]map[string]interface{}, 0, len(result))
	for _, app := range result {
		projected = append(projected, apps.Project(app, selectList))
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.ListResponse{
		Result: projected,
		Metadata: httputil.Pagination{
			RecordCount:    len(projected),
			RecordLimit:    filter.Limit,
			RecordsSkipped: filter.Skip,
			OrderBy:        filter.OrderBy,
			StartAfter:     filter.StartAfter,
			TotalCount:     total,
		},
	})
}

func (h *appHandlers) get(w http.ResponseWriter, r *http.Request) {
	app, err := h.service.Get(r.Context(), caller(r), mux.Vars(r)["appId"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, apps.Project(app, parseSelect(r)))
}

func (h *appHandlers) getVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	app, err := h.service.GetVersion(r.Context(), caller(r), vars["appId"], vars["appVersion"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, apps.Project(app, parseSelect(r)))
}

func (h *appHandlers) put(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var app apps.App
	if err := httputil.DecodeJSON(r, &app); err != nil {
		httputil.WriteError(w, err)
		return
	}
	// The path names the target version; a conflicting body version is an
	// error rather than silently ignored.
	if app.Version != "" && app.Version != vars["appVersion"] {
		httputil.WriteError(w, errors.InvalidArgument("version in body does not match path"))
		return
	}
	app.Version = vars["appVersion"]

	updated, err := h.service.Put(r.Context(), caller(r), vars["appId"], app)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, apps.Project(updated, parseSelect(r)))
}

func (h *appHandlers) patch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var patch apps.PatchApp
	if err := httputil.DecodeJSON(r, &patch); err != nil {
		httputil.WriteError(w, err)
		return
	}
	updated, err := h.service.Patch(r.Context(), caller(r), vars["appId"], vars["appVersion"], patch)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, apps.Project(updated, parseSelect(r)))
}

func (h *appHandlers) changeOwner(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.ChangeOwner(r.Context(), caller(r), vars["appId"], vars["newOwner"]); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "owner changed"})
}

func (h *appHandlers) enable(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Enable(r.Context(), caller(r), mux.Vars(r)["appId"]); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "app enabled"})
}

func (h *appHandlers) disable(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Disable(r.Context(), caller(r), mux.Vars(r)["appId"]); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "app disabled"})
}

func (h *appHandlers) softDelete(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.SoftDelete(r.Context(), caller(r), mux.Vars(r)["appId"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"changes": changed})
}

func (h *appHandlers) restore(w http.ResponseWriter, r *http.Request) {
	changed, err := h.service.Restore(r.Context(), caller(r), mux.Vars(r)["appId"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"changes": changed})
}

func (h *appHandlers) purge(w http.ResponseWriter, r *http.Request) {
	if err := h.service.HardDelete(r.Context(), caller(r), mux.Vars(r)["appId"]); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "app purged"})
}

func (h *appHandlers) history(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.GetHistory(r.Context(), caller(r), mux.Vars(r)["appId"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if items == nil {
		items = []apps.AppHistoryItem{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"result": items})
}

type permsPayload struct {
	Permissions []apps.Permission `json:"permissions"`
}

func (h *appHandlers) grantPerms(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload permsPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.GrantPerms(r.Context(), caller(r), vars["appId"], vars["username"], payload.Permissions); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "permissions granted"})
}

func (h *appHandlers) revokePerms(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var payload permsPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.RevokePerms(r.Context(), caller(r), vars["appId"], vars["username"], payload.Permissions); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "permissions revoked"})
}

func (h *appHandlers) listPerms(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	perms, err := h.service.ListPerms(r.Context(), caller(r), vars["appId"], vars["username"])
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if perms == nil {
		perms = []apps.Permission{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"permissions": perms})
}
