// Package apps implements the tenant-scoped application catalog: versioned
// App definitions, the patch/update reconciler, the change-diff engine and
// the selective field projection used to shape API responses.
package apps

import (
	"encoding/json"
	"time"
)

// AppType classifies how an application runs on the execution system.
type AppType string

const (
	AppTypeBatch AppType = "BATCH"
	AppTypeFork  AppType = "FORK"
)

// Runtime identifies the container runtime for a containerized app.
type Runtime string

const (
	RuntimeDocker      Runtime = "DOCKER"
	RuntimeSingularity Runtime = "SINGULARITY"
)

// NotifMechanismType identifies a notification delivery mechanism.
type NotifMechanismType string

const (
	NotifWebhook NotifMechanismType = "WEBHOOK"
	NotifEmail   NotifMechanismType = "EMAIL"
	NotifQueue   NotifMechanismType = "QUEUE"
	NotifActor   NotifMechanismType = "ACTOR"
)

// AppOperation enumerates the auditable operations recorded in history.
type AppOperation string

const (
	OpCreate      AppOperation = "create"
	OpRead        AppOperation = "read"
	OpModify      AppOperation = "modify"
	OpExecute     AppOperation = "execute"
	OpEnable      AppOperation = "enable"
	OpDisable     AppOperation = "disable"
	OpSoftDelete  AppOperation = "softDelete"
	OpRestore     AppOperation = "restore"
	OpHardDelete  AppOperation = "hardDelete"
	OpChangeOwner AppOperation = "changeOwner"
	OpGetPerms    AppOperation = "getPerms"
	OpGrantPerms  AppOperation = "grantPerms"
	OpRevokePerms AppOperation = "revokePerms"
)

// Permission is an access level grantable per (tenant, appId, user).
type Permission string

const (
	PermRead    Permission = "READ"
	PermModify  Permission = "MODIFY"
	PermExecute Permission = "EXECUTE"
)

const (
	// OwnerToken is the substitution token resolved to the authenticated
	// caller at mutation commit time.
	OwnerToken = "${apiUserId}"

	// Unlimited is the stored sentinel meaning "unbounded / use system
	// default" for job-sizing integer fields. It must survive reconcile and
	// diff untouched; it is only translated at projection time.
	Unlimited = -1
)

// App is a tenant-scoped, versioned definition of a runnable job template.
type App struct {
	// SeqID identifies the per-(tenant,id) head row; VersionSeqID identifies
	// the specific version snapshot. Neither is part of the wire format.
	SeqID        int64 `json:"-"`
	VersionSeqID int64 `json:"-"`

	Tenant           string                 `json:"tenant"`
	ID               string                 `json:"id"`
	Version          string                 `json:"version"`
	Description      string                 `json:"description"`
	AppType          AppType                `json:"appType"`
	Owner            string                 `json:"owner"`
	Enabled          bool                   `json:"enabled"`
	Containerized    bool                   `json:"containerized"`
	Runtime          Runtime                `json:"runtime"`
	RuntimeVersion   string                 `json:"runtimeVersion"`
	ContainerImage   string                 `json:"containerImage"`
	MaxJobs          int                    `json:"maxJobs"`
	MaxJobsPerUser   int                    `json:"maxJobsPerUser"`
	StrictFileInputs bool                   `json:"strictFileInputs"`
	JobAttributes    JobAttributes          `json:"jobAttributes"`
	ParameterSet     ParameterSet           `json:"parameterSet"`
	FileInputs       []FileInput            `json:"fileInputs"`
	Subscriptions    []NotifSubscription    `json:"subscriptions"`
	Tags             []string               `json:"tags"`
	Notes            map[string]interface{} `json:"notes"`
	ImportRefID      string                 `json:"importRefId,omitempty"`
	Deleted          bool                   `json:"deleted"`
	Created          time.Time              `json:"created"`
	Updated          time.Time              `json:"updated"`
}

// JobAttributes holds the job defaults applied when the app is launched.
type JobAttributes struct {
	JobDescription        string   `json:"jobDescription"`
	DynamicExecSystem     bool     `json:"dynamicExecSystem"`
	ExecSystemConstraints []string `json:"execSystemConstraints"`
	ExecSystemID          string   `json:"execSystemId"`
	ExecSystemExecDir     string   `json:"execSystemExecDir"`
	ExecSystemInputDir    string   `json:"execSystemInputDir"`
	ExecSystemOutputDir   string   `json:"execSystemOutputDir"`
	ExecSystemLogicalQ    string   `json:"execSystemLogicalQueue"`
	ArchiveSystemID       string   `json:"archiveSystemId"`
	ArchiveSystemDir      string   `json:"archiveSystemDir"`
	ArchiveOnAppError     bool     `json:"archiveOnAppError"`
	NodeCount             int      `json:"nodeCount"`
	CoresPerNode          int      `json:"coresPerNode"`
	MemoryMB              int      `json:"memoryMB"`
	MaxMinutes            int      `json:"maxMinutes"`
	JobTags               []string `json:"jobTags"`
}

// ParameterSet groups the argument and environment defaults for a version.
type ParameterSet struct {
	AppArgs          []ArgSpec      `json:"appArgs"`
	ContainerArgs    []ArgSpec      `json:"containerArgs"`
	SchedulerOptions []ArgSpec      `json:"schedulerOptions"`
	EnvVariables     []KeyValuePair `json:"envVariables"`
	ArchiveFilter    ArchiveFilter  `json:"archiveFilter"`
	LogConfig        LogConfig      `json:"logConfig"`
}

// ArgSpec describes one command-line argument default.
type ArgSpec struct {
	Arg         string `json:"arg"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// KeyValuePair is one ordered key=value environment entry.
type KeyValuePair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ArchiveFilter selects which job output files are archived.
type ArchiveFilter struct {
	Includes           []string `json:"includes"`
	Excludes           []string `json:"excludes"`
	IncludeLaunchFiles bool     `json:"includeLaunchFiles"`
}

// LogConfig redirects job stdout/stderr.
type LogConfig struct {
	StdoutFilename string `json:"stdoutFilename"`
	StderrFilename string `json:"stderrFilename"`
}

// FileInput describes a staged input file for a job.
type FileInput struct {
	SourceURL     string         `json:"sourceUrl"`
	TargetPath    string         `json:"targetPath"`
	InPlace       bool           `json:"inPlace"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Required      bool           `json:"required"`
	KeyValuePairs []KeyValuePair `json:"keyValuePairs,omitempty"`
}

// NotifSubscription subscribes a filter to one or more delivery mechanisms.
type NotifSubscription struct {
	Filter     string           `json:"filter"`
	Mechanisms []NotifMechanism `json:"notificationMechanisms"`
}

// NotifMechanism is one delivery target of a subscription.
type NotifMechanism struct {
	Type         NotifMechanismType `json:"mechanism"`
	WebhookURL   string             `json:"webhookUrl,omitempty"`
	EmailAddress string             `json:"emailAddress,omitempty"`
}

// AppHistoryItem is one immutable audit record. Records are append-only and
// removed only when the owning app is hard-deleted.
type AppHistoryItem struct {
	SeqID       int64           `json:"-"`
	AppVersion  string          `json:"appVersion"`
	OboTenant   string          `json:"oboTenant"`
	OboUser     string          `json:"oboUser"`
	JWTTenant   string          `json:"jwtTenant"`
	JWTUser     string          `json:"jwtUser"`
	Operation   AppOperation    `json:"operation"`
	Description json.RawMessage `json:"description"`
	Created     time.Time       `json:"created"`
}

// Caller is the resolved request identity: the delegated on-behalf-of
// tenant/user plus the raw JWT tenant/user, consumed verbatim by owner
// substitution and history attribution.
type Caller struct {
	Tenant    string
	User      string
	JWTTenant string
	JWTUser   string
}

// Copy returns a deep copy of the app so callers can mutate the result
// without aliasing the original's slices and maps.
func (a App) Copy() App {
	out := a
	out.JobAttributes.ExecSystemConstraints = copyStrings(a.JobAttributes.ExecSystemConstraints)
	out.JobAttributes.JobTags = copyStrings(a.JobAttributes.JobTags)
	out.ParameterSet.AppArgs = copyArgSpecs(a.ParameterSet.AppArgs)
	out.ParameterSet.ContainerArgs = copyArgSpecs(a.ParameterSet.ContainerArgs)
	out.ParameterSet.SchedulerOptions = copyArgSpecs(a.ParameterSet.SchedulerOptions)
	out.ParameterSet.EnvVariables = copyKeyValuePairs(a.ParameterSet.EnvVariables)
	out.ParameterSet.ArchiveFilter.Includes = copyStrings(a.ParameterSet.ArchiveFilter.Includes)
	out.ParameterSet.ArchiveFilter.Excludes = copyStrings(a.ParameterSet.ArchiveFilter.Excludes)
	out.FileInputs = copyFileInputs(a.FileInputs)
	out.Subscriptions = copySubscriptions(a.Subscriptions)
	out.Tags = copyStrings(a.Tags)
	out.Notes = copyNotes(a.Notes)
	return out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func copyArgSpecs(in []ArgSpec) []ArgSpec {
	if in == nil {
		return nil
	}
	return append([]ArgSpec(nil), in...)
}

func copyKeyValuePairs(in []KeyValuePair) []KeyValuePair {
	if in == nil {
		return nil
	}
	return append([]KeyValuePair(nil), in...)
}

func copyFileInputs(in []FileInput) []FileInput {
	if in == nil {
		return nil
	}
	out := make([]FileInput, len(in))
	for i, fi := range in {
		out[i] = fi
		out[i].KeyValuePairs = copyKeyValuePairs(fi.KeyValuePairs)
	}
	return out
}

func copySubscriptions(in []NotifSubscription) []NotifSubscription {
	if in == nil {
		return nil
	}
	out := make([]NotifSubscription, len(in))
	for i, sub := range in {
		out[i] = sub
		out[i].Mechanisms = append([]NotifMechanism(nil), sub.Mechanisms...)
	}
	return out
}

// copyNotes deep-copies the opaque notes tree. The tree only ever contains
// JSON-decoded values (maps, slices, scalars).
func copyNotes(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = copyJSONValue(v)
	}
	return out
}

func copyJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyNotes(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyJSONValue(e)
		}
		return out
	default:
		return v
	}
}
