package metashare

import (
	"fmt"
)

type ToastVariant string

const (
	ToastVariantInfo  ToastVariant = ""
	ToastVariantError ToastVariant = "error"
)

// a user-facing notification
type Toast struct {
	Id                  string
	Heading             string
	Details             string
	LinkText            string
	LinkUrl             string
	OpenLinkInNewWindow bool
	Variant             ToastVariant
}

func NewToast(heading string) *Toast {
	return &Toast{
		Id:      NewId(),
		Heading: heading,
	}
}

func NewErrorToast(heading string, details string) *Toast {
	return &Toast{
		Id:      NewId(),
		Heading: heading,
		Details: details,
		Variant: ToastVariantError,
	}
}

// resolves a task display name. `*State` is a TaskFinder.
type TaskFinder interface {
	FindTask(taskId string) *Task
}

// ActingUserId is the user whose action the push reports.
// Server initiated changes to an org are attributed to the org owner.
func ActingUserId(event Event) string {
	switch v := event.(type) {
	case *RepositoryPushEvent:
		return v.OriginatingUserId
	case *ProjectPushEvent:
		return v.OriginatingUserId
	case *TaskPushEvent:
		return v.OriginatingUserId
	case *OrgPushEvent:
		if v.OriginatingUserId != "" {
			return v.OriginatingUserId
		}
		if v.Model == nil {
			return ""
		}
		return v.Model.Owner
	default:
		return ""
	}
}

// RouteNotification returns the toast for the acting user's own session, or nil.
// Collaborators receive the same push and see only the merged state.
func RouteNotification(event Event, currentUserId string, tasks TaskFinder) *Toast {
	if currentUserId == "" || ActingUserId(event) != currentUserId {
		return nil
	}
	switch v := event.(type) {
	case *OrgPushEvent:
		if v.Model == nil {
			return nil
		}
		return orgToast(v, tasks)
	case *TaskPushEvent:
		if v.Model == nil {
			return nil
		}
		return taskToast(v)
	case *ProjectPushEvent:
		if v.Model == nil {
			return nil
		}
		return projectToast(v)
	case *RepositoryPushEvent:
		if v.Model == nil {
			return nil
		}
		return repositoryToast(v)
	default:
		return nil
	}
}

func orgToast(event *OrgPushEvent, tasks TaskFinder) *Toast {
	org := event.Model
	var task *Task
	if tasks != nil && org.Task != "" {
		task = tasks.FindTask(org.Task)
	}
	// appends the task clause when the task is loaded
	withTask := func(base string, preposition string) string {
		if task == nil {
			return base + "."
		}
		return fmt.Sprintf("%s %s task “%s”.", base, preposition, task.Name)
	}
	orgName := fmt.Sprintf("%s org", org.OrgType)

	switch event.Type {
	case PushOrgProvisioned:
		toast := NewToast(withTask(fmt.Sprintf("Successfully created %s", orgName), "for"))
		if org.Url != "" {
			toast.LinkText = "View your new org."
			toast.LinkUrl = org.Url
			toast.OpenLinkInNewWindow = true
		}
		return toast
	case PushOrgProvisionFailed:
		return NewErrorToast(
			withTask(fmt.Sprintf("Uh oh. There was an error creating your new %s", orgName), "for"),
			event.Message,
		)
	case PushOrgUpdateFailed:
		return NewErrorToast(
			withTask("Uh oh. There was an error checking for changes on your scratch org", "for"),
			event.Message,
		)
	case PushOrgDeleted:
		if event.Message != "" {
			// the org is gone but the server reported a problem along the way
			return NewErrorToast(
				"Uh oh. There was an error communicating with your scratch org.",
				event.Message,
			)
		}
		return NewToast(withTask(fmt.Sprintf("Successfully deleted %s", orgName), "for"))
	case PushOrgDeleteFailed:
		return NewErrorToast(
			withTask(fmt.Sprintf("Uh oh. There was an error deleting your %s", orgName), "for"),
			event.Message,
		)
	case PushOrgCommitted:
		return NewToast(withTask("Successfully retrieved changes from your scratch org", "on"))
	case PushOrgCommitFailed:
		return NewErrorToast(
			withTask("Uh oh. There was an error retrieving changes from your scratch org", "on"),
			event.Message,
		)
	case PushOrgRefreshed:
		return NewToast(withTask("Successfully refreshed your scratch org", "on"))
	case PushOrgRefreshFailed:
		return NewErrorToast(
			withTask("Uh oh. There was an error refreshing your scratch org", "on"),
			event.Message,
		)
	case PushOrgReassigned:
		return NewToast(withTask("Successfully reassigned your scratch org", "on"))
	case PushOrgReassignFailed:
		return NewErrorToast(
			withTask("Uh oh. There was an error reassigning your scratch org", "on"),
			event.Message,
		)
	default:
		// updates and removals are silent
		return nil
	}
}

func taskToast(event *TaskPushEvent) *Toast {
	task := event.Model
	switch event.Type {
	case PushTaskPrCreated:
		toast := NewToast(fmt.Sprintf("Successfully submitted task for testing: “%s”.", task.Name))
		if task.PrUrl != "" {
			toast.LinkText = "View pull request."
			toast.LinkUrl = task.PrUrl
			toast.OpenLinkInNewWindow = true
		}
		return toast
	case PushTaskPrCreateFailed:
		return NewErrorToast(
			fmt.Sprintf("Uh oh. There was an error submitting task for testing: “%s”.", task.Name),
			event.Message,
		)
	case PushTaskReviewSubmitted:
		return NewToast(fmt.Sprintf("Successfully submitted review for task: “%s”.", task.Name))
	case PushTaskReviewSubmitFailed:
		return NewErrorToast(
			fmt.Sprintf("Uh oh. There was an error submitting review for task: “%s”.", task.Name),
			event.Message,
		)
	default:
		return nil
	}
}

func projectToast(event *ProjectPushEvent) *Toast {
	project := event.Model
	switch event.Type {
	case PushProjectPrCreated:
		toast := NewToast(fmt.Sprintf("Successfully submitted project for review on GitHub: “%s”.", project.Name))
		if project.PrUrl != "" {
			toast.LinkText = "View pull request."
			toast.LinkUrl = project.PrUrl
			toast.OpenLinkInNewWindow = true
		}
		return toast
	case PushProjectPrCreateFailed:
		return NewErrorToast(
			fmt.Sprintf("Uh oh. There was an error submitting project for review on GitHub: “%s”.", project.Name),
			event.Message,
		)
	default:
		return nil
	}
}

func repositoryToast(event *RepositoryPushEvent) *Toast {
	switch event.Type {
	case PushRepositoryUpdateError:
		return NewErrorToast(
			fmt.Sprintf("Uh oh. There was an error re-syncing collaborators for this repository: “%s”.", event.Model.Name),
			event.Message,
		)
	default:
		return nil
	}
}

var objectTypeNames = map[ObjectType]string{
	ObjectTypeUser:       "user",
	ObjectTypeRepository: "repository",
	ObjectTypeProject:    "project",
	ObjectTypeTask:       "task",
	ObjectTypeOrg:        "scratch org",
	ObjectTypeCommit:     "commit",
}

// MutationFailedToast is the toast for a failed local mutation.
// The server message is used as details when there is one.
func MutationFailedToast(objectType ObjectType, operation string, err error) *Toast {
	name, ok := objectTypeNames[objectType]
	if !ok {
		name = string(objectType)
	}
	var details string
	if err != nil {
		details = errorDetails(err)
	}
	return NewErrorToast(
		fmt.Sprintf("Uh oh. There was an error trying to %s this %s.", operation, name),
		details,
	)
}
