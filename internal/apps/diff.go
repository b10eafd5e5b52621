package apps

import (
	"encoding/json"
	"reflect"
	"sort"
)

// FieldChange records one attribute transition.
type FieldChange struct {
	Old interface{} `json:"oldValue"`
	New interface{} `json:"newValue"`
}

// ChangeDescription is the structured delta between two app states, persisted
// with the matching history entry.
type ChangeDescription struct {
	AppID            string                 `json:"appId"`
	AppVersion       string                 `json:"appVersion"`
	AttributeChanges map[string]FieldChange `json:"attributeChanges"`
}

// JSON renders the change description as a raw JSON document.
func (cd *ChangeDescription) JSON() json.RawMessage {
	b, err := json.Marshal(cd)
	if err != nil {
		// All values originate from JSON-decodable app fields.
		return json.RawMessage(`{}`)
	}
	return b
}

const scrubMask = "*****"

// Scrubbed returns a copy safe for log output: notes content and environment
// variable values may carry credentials and are masked.
func (cd *ChangeDescription) Scrubbed() *ChangeDescription {
	out := &ChangeDescription{
		AppID:            cd.AppID,
		AppVersion:       cd.AppVersion,
		AttributeChanges: make(map[string]FieldChange, len(cd.AttributeChanges)),
	}
	for name, ch := range cd.AttributeChanges {
		switch name {
		case "notes", "parameterSet.envVariables":
			out.AttributeChanges[name] = FieldChange{Old: scrubMask, New: scrubMask}
		default:
			out.AttributeChanges[name] = ch
		}
	}
	return out
}

// ScrubbedText renders the scrubbed change description for audit logging.
func (cd *ChangeDescription) ScrubbedText() string {
	b, err := json.Marshal(cd.Scrubbed())
	if err != nil {
		return "{}"
	}
	return string(b)
}

// diffBuilder accumulates detected changes.
type diffBuilder struct {
	changes map[string]FieldChange
}

// scalar records a change when compare is set and the values differ.
func (d *diffBuilder) scalar(name string, compare bool, oldV, newV interface{}) {
	if !compare || oldV == newV {
		return
	}
	d.changes[name] = FieldChange{Old: oldV, New: newV}
}

// deep records a change using deep value equality.
func (d *diffBuilder) deep(name string, compare bool, oldV, newV interface{}) {
	if !compare || reflect.DeepEqual(oldV, newV) {
		return
	}
	d.changes[name] = FieldChange{Old: oldV, New: newV}
}

// set records a change for an unordered string list: both sides are sorted
// before comparison so reordering alone is never a change. The recorded
// values keep the caller-supplied order.
func (d *diffBuilder) set(name string, compare bool, oldV, newV []string) {
	if !compare || sortedEqual(oldV, newV) {
		return
	}
	d.changes[name] = FieldChange{Old: oldV, New: newV}
}

func sortedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Diff computes the structured field-level change description between an
// original and an updated app. When patch is non-nil, patchable fields the
// patch did not touch are skipped: a patch that never named a field can
// never be reported as changing it. Non-patchable fields (owner, enabled,
// deleted) are always compared. Returns nil when no field differs — callers
// must not write a history row in that case.
func Diff(original, updated App, patch *PatchApp) *ChangeDescription {
	d := &diffBuilder{changes: make(map[string]FieldChange)}

	// touched reports whether a patchable field participates in this diff.
	touched := func(set bool) bool { return patch == nil || set }

	d.scalar("description", touched(patch != nil && patch.Description != nil), original.Description, updated.Description)
	d.scalar("runtime", touched(patch != nil && patch.Runtime != nil), original.Runtime, updated.Runtime)
	d.scalar("runtimeVersion", touched(patch != nil && patch.RuntimeVersion != nil), original.RuntimeVersion, updated.RuntimeVersion)
	d.scalar("containerImage", touched(patch != nil && patch.ContainerImage != nil), original.ContainerImage, updated.ContainerImage)
	d.scalar("maxJobs", touched(patch != nil && patch.MaxJobs != nil), original.MaxJobs, updated.MaxJobs)
	d.scalar("maxJobsPerUser", touched(patch != nil && patch.MaxJobsPerUser != nil), original.MaxJobsPerUser, updated.MaxJobsPerUser)
	d.scalar("strictFileInputs", touched(patch != nil && patch.StrictFileInputs != nil), original.StrictFileInputs, updated.StrictFileInputs)

	// Not patchable: compared on every diff regardless of patch presence.
	// Version participates so a full update to a new version string always
	// yields a change entry even when every other attribute is identical.
	d.scalar("version", true, original.Version, updated.Version)
	d.scalar("owner", true, original.Owner, updated.Owner)
	d.scalar("enabled", true, original.Enabled, updated.Enabled)
	d.scalar("deleted", true, original.Deleted, updated.Deleted)

	diffJobAttributes(d, original.JobAttributes, updated.JobAttributes, patch)
	diffParameterSet(d, original.ParameterSet, updated.ParameterSet, patch)

	d.deep("fileInputs", touched(patch != nil && patch.FileInputs != nil), original.FileInputs, updated.FileInputs)
	d.deep("subscriptions", touched(patch != nil && patch.Subscriptions != nil), original.Subscriptions, updated.Subscriptions)
	d.set("tags", touched(patch != nil && patch.Tags != nil), original.Tags, updated.Tags)
	d.deep("notes", touched(patch != nil && patch.Notes != nil), original.Notes, updated.Notes)

	if len(d.changes) == 0 {
		return nil
	}
	return &ChangeDescription{
		AppID:            updated.ID,
		AppVersion:       updated.Version,
		AttributeChanges: d.changes,
	}
}

func diffJobAttributes(d *diffBuilder, o, u JobAttributes, patch *PatchApp) {
	var jp *JobAttributesPatch
	if patch != nil {
		jp = patch.JobAttributes
		if jp == nil {
			// The patch never touched jobAttributes at all.
			jp = &JobAttributesPatch{}
		}
	}
	touched := func(set bool) bool { return patch == nil || set }

	d.scalar("jobAttributes.jobDescription", touched(jp != nil && jp.JobDescription != nil), o.JobDescription, u.JobDescription)
	d.scalar("jobAttributes.dynamicExecSystem", touched(jp != nil && jp.DynamicExecSystem != nil), o.DynamicExecSystem, u.DynamicExecSystem)
	d.set("jobAttributes.execSystemConstraints", touched(jp != nil && jp.ExecSystemConstraints != nil), o.ExecSystemConstraints, u.ExecSystemConstraints)
	d.scalar("jobAttributes.execSystemId", touched(jp != nil && jp.ExecSystemID != nil), o.ExecSystemID, u.ExecSystemID)
	d.scalar("jobAttributes.execSystemExecDir", touched(jp != nil && jp.ExecSystemExecDir != nil), o.ExecSystemExecDir, u.ExecSystemExecDir)
	d.scalar("jobAttributes.execSystemInputDir", touched(jp != nil && jp.ExecSystemInputDir != nil), o.ExecSystemInputDir, u.ExecSystemInputDir)
	d.scalar("jobAttributes.execSystemOutputDir", touched(jp != nil && jp.ExecSystemOutputDir != nil), o.ExecSystemOutputDir, u.ExecSystemOutputDir)
	d.scalar("jobAttributes.execSystemLogicalQueue", touched(jp != nil && jp.ExecSystemLogicalQ != nil), o.ExecSystemLogicalQ, u.ExecSystemLogicalQ)
	d.scalar("jobAttributes.archiveSystemId", touched(jp != nil && jp.ArchiveSystemID != nil), o.ArchiveSystemID, u.ArchiveSystemID)
	d.scalar("jobAttributes.archiveSystemDir", touched(jp != nil && jp.ArchiveSystemDir != nil), o.ArchiveSystemDir, u.ArchiveSystemDir)
	d.scalar("jobAttributes.archiveOnAppError", touched(jp != nil && jp.ArchiveOnAppError != nil), o.ArchiveOnAppError, u.ArchiveOnAppError)
	d.scalar("jobAttributes.nodeCount", touched(jp != nil && jp.NodeCount != nil), o.NodeCount, u.NodeCount)
	d.scalar("jobAttributes.coresPerNode", touched(jp != nil && jp.CoresPerNode != nil), o.CoresPerNode, u.CoresPerNode)
	d.scalar("jobAttributes.memoryMB", touched(jp != nil && jp.MemoryMB != nil), o.MemoryMB, u.MemoryMB)
	d.scalar("jobAttributes.maxMinutes", touched(jp != nil && jp.MaxMinutes != nil), o.MaxMinutes, u.MaxMinutes)
	d.set("jobAttributes.jobTags", touched(jp != nil && jp.JobTags != nil), o.JobTags, u.JobTags)
}

func diffParameterSet(d *diffBuilder, o, u ParameterSet, patch *PatchApp) {
	var pp *ParameterSetPatch
	if patch != nil {
		pp = patch.ParameterSet
		if pp == nil {
			pp = &ParameterSetPatch{}
		}
	}
	touched := func(set bool) bool { return patch == nil || set }

	// Argument and env lists are ordered; their comparison is order-sensitive.
	d.deep("parameterSet.appArgs", touched(pp != nil && pp.AppArgs != nil), o.AppArgs, u.AppArgs)
	d.deep("parameterSet.containerArgs", touched(pp != nil && pp.ContainerArgs != nil), o.ContainerArgs, u.ContainerArgs)
	d.deep("parameterSet.schedulerOptions", touched(pp != nil && pp.SchedulerOptions != nil), o.SchedulerOptions, u.SchedulerOptions)
	d.deep("parameterSet.envVariables", touched(pp != nil && pp.EnvVariables != nil), o.EnvVariables, u.EnvVariables)

	var fp *ArchiveFilterPatch
	var lp *LogConfigPatch
	if pp != nil {
		fp = pp.ArchiveFilter
		if fp == nil {
			fp = &ArchiveFilterPatch{}
		}
		lp = pp.LogConfig
		if lp == nil {
			lp = &LogConfigPatch{}
		}
	}
	d.set("parameterSet.archiveFilter.includes", touched(fp != nil && fp.Includes != nil), o.ArchiveFilter.Includes, u.ArchiveFilter.Includes)
	d.set("parameterSet.archiveFilter.excludes", touched(fp != nil && fp.Excludes != nil), o.ArchiveFilter.Excludes, u.ArchiveFilter.Excludes)
	d.scalar("parameterSet.archiveFilter.includeLaunchFiles", touched(fp != nil && fp.IncludeLaunchFiles != nil), o.ArchiveFilter.IncludeLaunchFiles, u.ArchiveFilter.IncludeLaunchFiles)
	d.scalar("parameterSet.logConfig.stdoutFilename", touched(lp != nil && lp.StdoutFilename != nil), o.LogConfig.StdoutFilename, u.LogConfig.StdoutFilename)
	d.scalar("parameterSet.logConfig.stderrFilename", touched(lp != nil && lp.StderrFilename != nil), o.LogConfig.StderrFilename, u.LogConfig.StderrFilename)
}

// CreateChangeDescription builds the history document for an app create:
// the full created state with credential-bearing fields masked.
func CreateChangeDescription(app App) json.RawMessage {
	doc := map[string]interface{}{
		"appId":      app.ID,
		"appVersion": app.Version,
		"created":    scrubApp(app),
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// scrubApp masks notes content and env variable values in a full-app document.
func scrubApp(app App) map[string]interface{} {
	raw, err := json.Marshal(app)
	if err != nil {
		return map[string]interface{}{}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]interface{}{}
	}
	if _, ok := doc["notes"]; ok {
		doc["notes"] = scrubMask
	}
	if ps, ok := doc["parameterSet"].(map[string]interface{}); ok {
		if envs, ok := ps["envVariables"].([]interface{}); ok {
			for _, e := range envs {
				if kv, ok := e.(map[string]interface{}); ok {
					kv["value"] = scrubMask
				}
			}
		}
	}
	return doc
}

// PermsChangeDescription builds the history document for a permission grant
// or revoke, which is not a generic field patch.
func PermsChangeDescription(appID, targetUser string, perms []Permission) json.RawMessage {
	doc := map[string]interface{}{
		"appId":       appID,
		"targetUser":  targetUser,
		"permissions": perms,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// OwnerChangeDescription builds the history document for an ownership change.
func OwnerChangeDescription(appID, oldOwner, newOwner string) json.RawMessage {
	doc := map[string]interface{}{
		"appId": appID,
		"change": map[string]interface{}{
			"owner": FieldChange{Old: oldOwner, New: newOwner},
		},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
