package apps

// PatchApp is a sparse update descriptor. Every field is optional: a nil
// field means "leave unchanged", a non-nil field replaces the current value.
// List-valued fields replace the current list wholesale; nested sub-objects
// merge at their own field granularity. PatchApp is never persisted; it only
// drives the reconciler and the diff engine.
type PatchApp struct {
	Description      *string                `json:"description"`
	Runtime          *Runtime               `json:"runtime"`
	RuntimeVersion   *string                `json:"runtimeVersion"`
	ContainerImage   *string                `json:"containerImage"`
	MaxJobs          *int                   `json:"maxJobs"`
	MaxJobsPerUser   *int                   `json:"maxJobsPerUser"`
	StrictFileInputs *bool                  `json:"strictFileInputs"`
	JobAttributes    *JobAttributesPatch    `json:"jobAttributes"`
	ParameterSet     *ParameterSetPatch     `json:"parameterSet"`
	FileInputs       []FileInput            `json:"fileInputs"`
	Subscriptions    []NotifSubscription    `json:"subscriptions"`
	Tags             []string               `json:"tags"`
	Notes            map[string]interface{} `json:"notes"`
}

// JobAttributesPatch mirrors JobAttributes with null-means-unchanged fields.
type JobAttributesPatch struct {
	JobDescription        *string  `json:"jobDescription"`
	DynamicExecSystem     *bool    `json:"dynamicExecSystem"`
	ExecSystemConstraints []string `json:"execSystemConstraints"`
	ExecSystemID          *string  `json:"execSystemId"`
	ExecSystemExecDir     *string  `json:"execSystemExecDir"`
	ExecSystemInputDir    *string  `json:"execSystemInputDir"`
	ExecSystemOutputDir   *string  `json:"execSystemOutputDir"`
	ExecSystemLogicalQ    *string  `json:"execSystemLogicalQueue"`
	ArchiveSystemID       *string  `json:"archiveSystemId"`
	ArchiveSystemDir      *string  `json:"archiveSystemDir"`
	ArchiveOnAppError     *bool    `json:"archiveOnAppError"`
	NodeCount             *int     `json:"nodeCount"`
	CoresPerNode          *int     `json:"coresPerNode"`
	MemoryMB              *int     `json:"memoryMB"`
	MaxMinutes            *int     `json:"maxMinutes"`
	JobTags               []string `json:"jobTags"`
}

// ParameterSetPatch mirrors ParameterSet. Argument lists replace wholesale;
// the nested filter and log config merge field-by-field so omitting one
// field cannot clear its siblings.
type ParameterSetPatch struct {
	AppArgs          []ArgSpec           `json:"appArgs"`
	ContainerArgs    []ArgSpec           `json:"containerArgs"`
	SchedulerOptions []ArgSpec           `json:"schedulerOptions"`
	EnvVariables     []KeyValuePair      `json:"envVariables"`
	ArchiveFilter    *ArchiveFilterPatch `json:"archiveFilter"`
	LogConfig        *LogConfigPatch     `json:"logConfig"`
}

// ArchiveFilterPatch mirrors ArchiveFilter with null-means-unchanged fields.
type ArchiveFilterPatch struct {
	Includes           []string `json:"includes"`
	Excludes           []string `json:"excludes"`
	IncludeLaunchFiles *bool    `json:"includeLaunchFiles"`
}

// LogConfigPatch mirrors LogConfig with null-means-unchanged fields.
type LogConfigPatch struct {
	StdoutFilename *string `json:"stdoutFilename"`
	StderrFilename *string `json:"stderrFilename"`
}

// IsEmpty reports whether the patch touches no field at all.
func (p PatchApp) IsEmpty() bool {
	return p.Description == nil && p.Runtime == nil && p.RuntimeVersion == nil &&
		p.ContainerImage == nil && p.MaxJobs == nil && p.MaxJobsPerUser == nil &&
		p.StrictFileInputs == nil && p.JobAttributes == nil && p.ParameterSet == nil &&
		p.FileInputs == nil && p.Subscriptions == nil && p.Tags == nil && p.Notes == nil
}

// Reconcile merges a current app and a patch into the next-state app. It is
// a pure function: current is not mutated, and reconciling with an empty
// patch returns a value equal to current (default filling is a no-op for
// any app that already passed through defaults once).
func Reconcile(current App, patch PatchApp) App {
	next := current.Copy()

	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Runtime != nil {
		next.Runtime = *patch.Runtime
	}
	if patch.RuntimeVersion != nil {
		next.RuntimeVersion = *patch.RuntimeVersion
	}
	if patch.ContainerImage != nil {
		next.ContainerImage = *patch.ContainerImage
	}
	if patch.MaxJobs != nil {
		next.MaxJobs = *patch.MaxJobs
	}
	if patch.MaxJobsPerUser != nil {
		next.MaxJobsPerUser = *patch.MaxJobsPerUser
	}
	if patch.StrictFileInputs != nil {
		next.StrictFileInputs = *patch.StrictFileInputs
	}
	if patch.JobAttributes != nil {
		next.JobAttributes = reconcileJobAttributes(next.JobAttributes, *patch.JobAttributes)
	}
	if patch.ParameterSet != nil {
		next.ParameterSet = reconcileParameterSet(next.ParameterSet, *patch.ParameterSet)
	}
	if patch.FileInputs != nil {
		next.FileInputs = copyFileInputs(patch.FileInputs)
	}
	if patch.Subscriptions != nil {
		next.Subscriptions = copySubscriptions(patch.Subscriptions)
	}
	if patch.Tags != nil {
		next.Tags = copyStrings(patch.Tags)
	}
	if patch.Notes != nil {
		next.Notes = copyNotes(patch.Notes)
	}

	CheckAndSetDefaults(&next)
	return next
}

func reconcileJobAttributes(cur JobAttributes, p JobAttributesPatch) JobAttributes {
	if p.JobDescription != nil {
		cur.JobDescription = *p.JobDescription
	}
	if p.DynamicExecSystem != nil {
		cur.DynamicExecSystem = *p.DynamicExecSystem
	}
	if p.ExecSystemConstraints != nil {
		cur.ExecSystemConstraints = copyStrings(p.ExecSystemConstraints)
	}
	if p.ExecSystemID != nil {
		cur.ExecSystemID = *p.ExecSystemID
	}
	if p.ExecSystemExecDir != nil {
		cur.ExecSystemExecDir = *p.ExecSystemExecDir
	}
	if p.ExecSystemInputDir != nil {
		cur.ExecSystemInputDir = *p.ExecSystemInputDir
	}
	if p.ExecSystemOutputDir != nil {
		cur.ExecSystemOutputDir = *p.ExecSystemOutputDir
	}
	if p.ExecSystemLogicalQ != nil {
		cur.ExecSystemLogicalQ = *p.ExecSystemLogicalQ
	}
	if p.ArchiveSystemID != nil {
		cur.ArchiveSystemID = *p.ArchiveSystemID
	}
	if p.ArchiveSystemDir != nil {
		cur.ArchiveSystemDir = *p.ArchiveSystemDir
	}
	if p.ArchiveOnAppError != nil {
		cur.ArchiveOnAppError = *p.ArchiveOnAppError
	}
	if p.NodeCount != nil {
		cur.NodeCount = *p.NodeCount
	}
	if p.CoresPerNode != nil {
		cur.CoresPerNode = *p.CoresPerNode
	}
	if p.MemoryMB != nil {
		cur.MemoryMB = *p.MemoryMB
	}
	if p.MaxMinutes != nil {
		cur.MaxMinutes = *p.MaxMinutes
	}
	if p.JobTags != nil {
		cur.JobTags = copyStrings(p.JobTags)
	}
	return cur
}

func reconcileParameterSet(cur ParameterSet, p ParameterSetPatch) ParameterSet {
	if p.AppArgs != nil {
		cur.AppArgs = copyArgSpecs(p.AppArgs)
	}
	if p.ContainerArgs != nil {
		cur.ContainerArgs = copyArgSpecs(p.ContainerArgs)
	}
	if p.SchedulerOptions != nil {
		cur.SchedulerOptions = copyArgSpecs(p.SchedulerOptions)
	}
	if p.EnvVariables != nil {
		cur.EnvVariables = copyKeyValuePairs(p.EnvVariables)
	}
	if p.ArchiveFilter != nil {
		if p.ArchiveFilter.Includes != nil {
			cur.ArchiveFilter.Includes = copyStrings(p.ArchiveFilter.Includes)
		}
		if p.ArchiveFilter.Excludes != nil {
			cur.ArchiveFilter.Excludes = copyStrings(p.ArchiveFilter.Excludes)
		}
		if p.ArchiveFilter.IncludeLaunchFiles != nil {
			cur.ArchiveFilter.IncludeLaunchFiles = *p.ArchiveFilter.IncludeLaunchFiles
		}
	}
	if p.LogConfig != nil {
		if p.LogConfig.StdoutFilename != nil {
			cur.LogConfig.StdoutFilename = *p.LogConfig.StdoutFilename
		}
		if p.LogConfig.StderrFilename != nil {
			cur.LogConfig.StderrFilename = *p.LogConfig.StderrFilename
		}
	}
	return cur
}
