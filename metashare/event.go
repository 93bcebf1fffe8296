package metashare

import (
	"fmt"
	"time"
)

// Event is the closed set of state changes the store merges.
// HTTP mutations and decoded push frames produce the same event shapes.
type Event interface {
	EventName() string
	event()
}

// the phase of a local request lifecycle.
// exactly one of succeeded or failed follows every started.
type Phase string

const (
	PhaseStarted   Phase = "STARTED"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
)

type Filters map[string]string

// one page of a list fetch. non-paginated list responses have an empty `Next`.
type Page struct {
	Results []Model
	Next    string
}

type FetchObjectsEvent struct {
	Phase      Phase
	ObjectType ObjectType
	Url        string
	Filters    Filters
	Reset      bool
	// set on PhaseSucceeded
	Page *Page
}

type FetchObjectEvent struct {
	Phase      Phase
	ObjectType ObjectType
	Url        string
	Filters    Filters
	// set on PhaseSucceeded. nil means the server had no match for the filters.
	Object Model
}

type CreateObjectEvent struct {
	Phase      Phase
	ObjectType ObjectType
	Url        string
	Data       any
	Object     Model
}

type UpdateObjectEvent struct {
	Phase      Phase
	ObjectType ObjectType
	Url        string
	Data       any
	Object     Model
}

type DeleteObjectEvent struct {
	Phase      Phase
	ObjectType ObjectType
	Url        string
	Object     Model
	// the soft delete stamp applied on PhaseSucceeded
	QueuedAt time.Time
}

// push event types as named on the wire
type PushEventType string

const (
	PushReposRefreshed PushEventType = "USER_REPOS_REFRESH"

	PushRepositoryUpdated     PushEventType = "REPOSITORY_UPDATE"
	PushRepositoryUpdateError PushEventType = "REPOSITORY_UPDATE_ERROR"

	PushProjectUpdated        PushEventType = "PROJECT_UPDATE"
	PushProjectPrCreated      PushEventType = "PROJECT_CREATE_PR"
	PushProjectPrCreateFailed PushEventType = "PROJECT_CREATE_PR_FAILED"

	PushTaskUpdated            PushEventType = "TASK_UPDATE"
	PushTaskPrCreated          PushEventType = "TASK_CREATE_PR"
	PushTaskPrCreateFailed     PushEventType = "TASK_CREATE_PR_FAILED"
	PushTaskReviewSubmitted    PushEventType = "TASK_SUBMIT_REVIEW"
	PushTaskReviewSubmitFailed PushEventType = "TASK_SUBMIT_REVIEW_FAILED"

	PushOrgProvisioned     PushEventType = "SCRATCH_ORG_PROVISION"
	PushOrgProvisionFailed PushEventType = "SCRATCH_ORG_PROVISION_FAILED"
	PushOrgUpdated         PushEventType = "SCRATCH_ORG_UPDATE"
	PushOrgUpdateFailed    PushEventType = "SCRATCH_ORG_FETCH_CHANGES_FAILED"
	PushOrgDeleted         PushEventType = "SCRATCH_ORG_DELETE"
	PushOrgRemoved         PushEventType = "SCRATCH_ORG_REMOVE"
	PushOrgDeleteFailed    PushEventType = "SCRATCH_ORG_DELETE_FAILED"
	PushOrgRefreshed       PushEventType = "SCRATCH_ORG_REFRESH"
	PushOrgRefreshFailed   PushEventType = "SCRATCH_ORG_REFRESH_FAILED"
	PushOrgCommitted       PushEventType = "SCRATCH_ORG_COMMIT_CHANGES"
	PushOrgCommitFailed    PushEventType = "SCRATCH_ORG_COMMIT_CHANGES_FAILED"
	PushOrgReassigned      PushEventType = "SCRATCH_ORG_REASSIGN"
	PushOrgReassignFailed  PushEventType = "SCRATCH_ORG_REASSIGN_FAILED"
)

// fields common to every model-carrying push frame
type PushOrigin struct {
	Type PushEventType
	// empty when the change was server initiated
	OriginatingUserId string
	Message           string
}

type ReposRefreshedEvent struct{}

type RepositoryPushEvent struct {
	PushOrigin
	Model *Repository
}

type ProjectPushEvent struct {
	PushOrigin
	Model *Project
}

type TaskPushEvent struct {
	PushOrigin
	Model *Task
}

type OrgPushEvent struct {
	PushOrigin
	Model *Org
}

// independent tracks of in-flight work on one org
type OrgConcern string

const (
	ConcernRefreshChanges OrgConcern = "REFRESH_CHANGES"
	ConcernCaptureChanges OrgConcern = "CAPTURE_CHANGES"
	ConcernRefreshOrg     OrgConcern = "REFRESH_ORG"
	ConcernReassignUser   OrgConcern = "REASSIGN_USER"
)

var orgConcerns = []OrgConcern{
	ConcernRefreshChanges,
	ConcernCaptureChanges,
	ConcernRefreshOrg,
	ConcernReassignUser,
}

// org concern state machine is:
// OrgRequested
//
//	-> OrgAccepted (server queued the work, snapshot is authoritative)
//	-> OrgSucceeded (terminal)
//	-> OrgRejected (terminal)
type OrgPhase string

const (
	OrgRequested OrgPhase = "REQUESTED"
	OrgAccepted  OrgPhase = "ACCEPTED"
	OrgSucceeded OrgPhase = "SUCCEEDED"
	OrgRejected  OrgPhase = "REJECTED"
)

func (self OrgPhase) IsTerminal() bool {
	switch self {
	case OrgSucceeded, OrgRejected:
		return true
	default:
		return false
	}
}

type OrgConcernEvent struct {
	Concern OrgConcern
	Phase   OrgPhase
	Org     *Org
	Message string
}

type RepositoriesRefreshEvent struct {
	Phase Phase
}

type GitHubUsersRefreshEvent struct {
	Phase      Phase
	Repository *Repository
}

type UserLoggedInEvent struct {
	User *User
}

type UserRefreshedEvent struct {
	User *User
}

type UserLoggedOutEvent struct{}

// a full refetch invalidates every cached resource
type RefetchDataSucceededEvent struct{}

type SocketConnectionEvent struct {
	Connected bool
}

type ToastAddedEvent struct {
	Toast *Toast
}

type ToastRemovedEvent struct {
	ToastId string
}

func (self *FetchObjectsEvent) EventName() string {
	return fmt.Sprintf("FETCH_OBJECTS_%s", self.Phase)
}
func (self *FetchObjectEvent) EventName() string {
	return fmt.Sprintf("FETCH_OBJECT_%s", self.Phase)
}
func (self *CreateObjectEvent) EventName() string {
	return fmt.Sprintf("CREATE_OBJECT_%s", self.Phase)
}
func (self *UpdateObjectEvent) EventName() string {
	return fmt.Sprintf("UPDATE_OBJECT_%s", self.Phase)
}
func (self *DeleteObjectEvent) EventName() string {
	return fmt.Sprintf("DELETE_OBJECT_%s", self.Phase)
}
func (self *ReposRefreshedEvent) EventName() string { return string(PushReposRefreshed) }
func (self *RepositoryPushEvent) EventName() string { return string(self.Type) }
func (self *ProjectPushEvent) EventName() string    { return string(self.Type) }
func (self *TaskPushEvent) EventName() string       { return string(self.Type) }
func (self *OrgPushEvent) EventName() string        { return string(self.Type) }
func (self *OrgConcernEvent) EventName() string {
	return fmt.Sprintf("SCRATCH_ORG_%s_%s", self.Concern, self.Phase)
}
func (self *RepositoriesRefreshEvent) EventName() string {
	return fmt.Sprintf("REFRESH_REPOS_%s", self.Phase)
}
func (self *GitHubUsersRefreshEvent) EventName() string {
	return fmt.Sprintf("REFRESH_GH_USERS_%s", self.Phase)
}
func (self *UserLoggedInEvent) EventName() string         { return "USER_LOGGED_IN" }
func (self *UserRefreshedEvent) EventName() string        { return "USER_REFRESHED" }
func (self *UserLoggedOutEvent) EventName() string        { return "USER_LOGGED_OUT" }
func (self *RefetchDataSucceededEvent) EventName() string { return "REFETCH_DATA_SUCCEEDED" }
func (self *SocketConnectionEvent) EventName() string {
	if self.Connected {
		return "SOCKET_CONNECTED"
	}
	return "SOCKET_DISCONNECTED"
}
func (self *ToastAddedEvent) EventName() string   { return "TOAST_ADDED" }
func (self *ToastRemovedEvent) EventName() string { return "TOAST_REMOVED" }

func (self *FetchObjectsEvent) event()         {}
func (self *FetchObjectEvent) event()          {}
func (self *CreateObjectEvent) event()         {}
func (self *UpdateObjectEvent) event()         {}
func (self *DeleteObjectEvent) event()         {}
func (self *ReposRefreshedEvent) event()       {}
func (self *RepositoryPushEvent) event()       {}
func (self *ProjectPushEvent) event()          {}
func (self *TaskPushEvent) event()             {}
func (self *OrgPushEvent) event()              {}
func (self *OrgConcernEvent) event()           {}
func (self *RepositoriesRefreshEvent) event()  {}
func (self *GitHubUsersRefreshEvent) event()   {}
func (self *UserLoggedInEvent) event()         {}
func (self *UserRefreshedEvent) event()        {}
func (self *UserLoggedOutEvent) event()        {}
func (self *RefetchDataSucceededEvent) event() {}
func (self *SocketConnectionEvent) event()     {}
func (self *ToastAddedEvent) event()           {}
func (self *ToastRemovedEvent) event()         {}
