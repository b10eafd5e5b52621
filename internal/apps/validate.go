package apps

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jobforge/appcatalog/internal/errors"
)

// appIDPattern is the URI-safe character set allowed in app ids.
var appIDPattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)

// ValidateAppID rejects ids containing characters outside the URI-safe set.
func ValidateAppID(id string) error {
	if id == "" {
		return errors.InvalidArgument("app id is required")
	}
	if !appIDPattern.MatchString(id) {
		return errors.InvalidArgument("app id contains characters outside [A-Za-z0-9._~-]").
			WithDetails("id", id)
	}
	return nil
}

// ValidateNewApp checks the constraints enforced before create and full
// update, ahead of any persistence call.
func ValidateNewApp(app App) error {
	if err := ValidateAppID(app.ID); err != nil {
		return err
	}
	if app.Version == "" {
		return errors.InvalidArgument("app version is required")
	}
	if app.Tenant == "" {
		return errors.InvalidArgument("tenant is required")
	}
	switch app.AppType {
	case AppTypeBatch, AppTypeFork:
	default:
		return errors.InvalidArgument(fmt.Sprintf("invalid appType %q", app.AppType))
	}
	if app.Containerized {
		switch app.Runtime {
		case RuntimeDocker, RuntimeSingularity:
		default:
			return errors.InvalidArgument(fmt.Sprintf("invalid runtime %q for containerized app", app.Runtime))
		}
		if app.ContainerImage == "" {
			return errors.InvalidArgument("containerImage is required for containerized apps")
		}
	}
	for _, sub := range app.Subscriptions {
		for _, m := range sub.Mechanisms {
			switch m.Type {
			case NotifWebhook, NotifEmail, NotifQueue, NotifActor:
			default:
				return errors.InvalidArgument(fmt.Sprintf("invalid notification mechanism %q", m.Type))
			}
		}
	}
	return nil
}

// ResolveOwner substitutes the ${apiUserId} token with the authenticated
// caller. A blank owner also resolves to the caller. Applied only at
// mutation commit, never at read time.
func ResolveOwner(owner, caller string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" || owner == OwnerToken {
		return caller
	}
	return owner
}

// CheckAndSetDefaults normalizes an app in place: tags and notes are never
// nil in a persisted or returned app, enabled defaults are handled at
// construction, and blank owners fall back to the substitution token so the
// commit path resolves them. Numeric job-sizing fields keep their existing
// sentinel and are never coerced here.
func CheckAndSetDefaults(app *App) {
	if app.Tags == nil {
		app.Tags = []string{}
	}
	if app.Notes == nil {
		app.Notes = map[string]interface{}{}
	}
	if strings.TrimSpace(app.Owner) == "" {
		app.Owner = OwnerToken
	}
	if app.JobAttributes.ExecSystemConstraints == nil {
		app.JobAttributes.ExecSystemConstraints = []string{}
	}
	if app.JobAttributes.JobTags == nil {
		app.JobAttributes.JobTags = []string{}
	}
	if app.ParameterSet.AppArgs == nil {
		app.ParameterSet.AppArgs = []ArgSpec{}
	}
	if app.ParameterSet.ContainerArgs == nil {
		app.ParameterSet.ContainerArgs = []ArgSpec{}
	}
	if app.ParameterSet.SchedulerOptions == nil {
		app.ParameterSet.SchedulerOptions = []ArgSpec{}
	}
	if app.ParameterSet.EnvVariables == nil {
		app.ParameterSet.EnvVariables = []KeyValuePair{}
	}
	if app.ParameterSet.ArchiveFilter.Includes == nil {
		app.ParameterSet.ArchiveFilter.Includes = []string{}
	}
	if app.ParameterSet.ArchiveFilter.Excludes == nil {
		app.ParameterSet.ArchiveFilter.Excludes = []string{}
	}
	if app.FileInputs == nil {
		app.FileInputs = []FileInput{}
	}
	if app.Subscriptions == nil {
		app.Subscriptions = []NotifSubscription{}
	}
}
