package apps

import (
	"math"
	"time"
)

// Select list sentinels.
const (
	SelectAll     = "allAttributes"
	SelectSummary = "summaryAttributes"
)

// maxJobsDisplay is what an Unlimited sentinel projects to. Storage keeps
// -1 so later patches and diffs can still tell "no limit" from an explicit
// value; only the outbound document carries the max-value form.
const maxJobsDisplay = math.MaxInt32

// fieldSpec binds a display field name to its extractor.
type fieldSpec struct {
	name    string
	extract func(App) interface{}
}

// displayFields is the declarative registry of every displayable field, in
// the fixed declaration order used for the full view. Adding a field here is
// the single step needed to make it selectable.
var displayFields = []fieldSpec{
	{"tenant", func(a App) interface{} { return a.Tenant }},
	{"id", func(a App) interface{} { return a.ID }},
	{"version", func(a App) interface{} { return a.Version }},
	{"description", func(a App) interface{} { return a.Description }},
	{"appType", func(a App) interface{} { return string(a.AppType) }},
	{"owner", func(a App) interface{} { return a.Owner }},
	{"enabled", func(a App) interface{} { return a.Enabled }},
	{"containerized", func(a App) interface{} { return a.Containerized }},
	{"runtime", func(a App) interface{} { return string(a.Runtime) }},
	{"runtimeVersion", func(a App) interface{} { return a.RuntimeVersion }},
	{"containerImage", func(a App) interface{} { return a.ContainerImage }},
	{"maxJobs", func(a App) interface{} { return displayLimit(a.MaxJobs) }},
	{"maxJobsPerUser", func(a App) interface{} { return displayLimit(a.MaxJobsPerUser) }},
	{"strictFileInputs", func(a App) interface{} { return a.StrictFileInputs }},
	{"jobAttributes", func(a App) interface{} { return a.JobAttributes }},
	{"parameterSet", func(a App) interface{} { return a.ParameterSet }},
	{"fileInputs", func(a App) interface{} { return a.FileInputs }},
	{"subscriptions", func(a App) interface{} { return a.Subscriptions }},
	{"tags", func(a App) interface{} { return a.Tags }},
	{"notes", func(a App) interface{} { return a.Notes }},
	{"importRefId", func(a App) interface{} { return a.ImportRefID }},
	{"deleted", func(a App) interface{} { return a.Deleted }},
	{"created", func(a App) interface{} { return a.Created.UTC().Format(time.RFC3339) }},
	{"updated", func(a App) interface{} { return a.Updated.UTC().Format(time.RFC3339) }},
}

// summaryFieldNames is the fixed identity/status subset selected by the
// summaryAttributes sentinel.
var summaryFieldNames = []string{"tenant", "id", "version", "owner", "enabled", "appType"}

var fieldIndex = buildFieldIndex()

func buildFieldIndex() map[string]func(App) interface{} {
	idx := make(map[string]func(App) interface{}, len(displayFields))
	for _, f := range displayFields {
		idx[f.name] = f.extract
	}
	return idx
}

func displayLimit(v int) int {
	if v == Unlimited {
		return maxJobsDisplay
	}
	return v
}

// Project builds the output document for an app shaped by the caller's
// select list. An empty list or the allAttributes sentinel yields the full
// view; summaryAttributes seeds the fixed summary subset before the
// remaining entries are processed. Unknown field names are ignored. The id
// field is always present so every response stays traceable to its app.
func Project(app App, selectList []string) map[string]interface{} {
	if len(selectList) == 0 || contains(selectList, SelectAll) {
		return projectNames(app, allFieldNames())
	}

	var names []string
	seen := make(map[string]bool)
	add := func(name string) {
		if _, known := fieldIndex[name]; known && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, entry := range selectList {
		if entry == SelectSummary {
			for _, name := range summaryFieldNames {
				add(name)
			}
			continue
		}
		add(entry)
	}
	add("id")

	return projectNames(app, names)
}

func projectNames(app App, names []string) map[string]interface{} {
	doc := make(map[string]interface{}, len(names))
	for _, name := range names {
		doc[name] = fieldIndex[name](app)
	}
	return doc
}

func allFieldNames() []string {
	names := make([]string, len(displayFields))
	for i, f := range displayFields {
		names[i] = f.name
	}
	return names
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
