package metashare

import (
	"time"
)

// resource kinds as named on the push wire and in api url keys
type ObjectType string

const (
	ObjectTypeUser       ObjectType = "user"
	ObjectTypeRepository ObjectType = "repository"
	ObjectTypeProject    ObjectType = "project"
	ObjectTypeTask       ObjectType = "task"
	ObjectTypeOrg        ObjectType = "scratch_org"
	ObjectTypeCommit     ObjectType = "scratch_org_commit"
)

type OrgType string

const (
	OrgTypeDev OrgType = "Dev"
	OrgTypeQa  OrgType = "QA"
)

func (self OrgType) IsValid() bool {
	switch self {
	case OrgTypeDev, OrgTypeQa:
		return true
	default:
		return false
	}
}

type ProjectStatus string

const (
	ProjectStatusPlanned    ProjectStatus = "Planned"
	ProjectStatusInProgress ProjectStatus = "In progress"
	ProjectStatusReview     ProjectStatus = "Review"
	ProjectStatusMerged     ProjectStatus = "Merged"
)

type TaskStatus string

const (
	TaskStatusPlanned    TaskStatus = "Planned"
	TaskStatusInProgress TaskStatus = "In progress"
	TaskStatusCompleted  TaskStatus = "Completed"
	TaskStatusCanceled   TaskStatus = "Canceled"
)

type ReviewStatus string

const (
	ReviewStatusNone             ReviewStatus = ""
	ReviewStatusApproved         ReviewStatus = "Approved"
	ReviewStatusChangesRequested ReviewStatus = "Changes requested"
)

// every stored entity is addressable by id
type Model interface {
	ModelId() string
}

// entities that are routed by slug keep their slug history
// a nil interface or a typed nil pointer
func isNilModel(model Model) bool {
	switch v := model.(type) {
	case nil:
		return true
	case *Repository:
		return v == nil
	case *Project:
		return v == nil
	case *Task:
		return v == nil
	case *Org:
		return v == nil
	case *User:
		return v == nil
	default:
		return false
	}
}

type SluggedModel interface {
	Model
	CurrentSlug() string
	HistoricalSlugs() []string
}

type GitHubUser struct {
	Id        string `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type Repository struct {
	Id                         string       `json:"id"`
	Slug                       string       `json:"slug"`
	OldSlugs                   []string     `json:"old_slugs"`
	Name                       string       `json:"name"`
	Description                string       `json:"description"`
	RepoUrl                    string       `json:"repo_url"`
	RepoOwner                  string       `json:"repo_owner"`
	RepoName                   string       `json:"repo_name"`
	BranchPrefix               string       `json:"branch_prefix,omitempty"`
	IsManaged                  bool         `json:"is_managed"`
	GitHubUsers                []GitHubUser `json:"github_users"`
	CurrentlyRefreshingGhUsers bool         `json:"currently_refreshing_gh_users"`
}

func (self *Repository) ModelId() string           { return self.Id }
func (self *Repository) CurrentSlug() string       { return self.Slug }
func (self *Repository) HistoricalSlugs() []string { return self.OldSlugs }

type Project struct {
	Id                  string        `json:"id"`
	Slug                string        `json:"slug"`
	OldSlugs            []string      `json:"old_slugs"`
	Repository          string        `json:"repository"`
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	Status              ProjectStatus `json:"status"`
	BranchName          string        `json:"branch_name"`
	BranchUrl           string        `json:"branch_url,omitempty"`
	PrUrl               string        `json:"pr_url,omitempty"`
	PrIsOpen            bool          `json:"pr_is_open"`
	PrIsMerged          bool          `json:"pr_is_merged"`
	HasUnmergedCommits  bool          `json:"has_unmerged_commits"`
	CurrentlyCreatingPr bool          `json:"currently_creating_pr"`
	GitHubUsers         []GitHubUser  `json:"github_users"`
}

func (self *Project) ModelId() string           { return self.Id }
func (self *Project) CurrentSlug() string       { return self.Slug }
func (self *Project) HistoricalSlugs() []string { return self.OldSlugs }

type CommitAuthor struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Username  string `json:"username,omitempty"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type Commit struct {
	Id        string       `json:"id"`
	Message   string       `json:"message"`
	Author    CommitAuthor `json:"author"`
	Timestamp time.Time    `json:"timestamp"`
	Url       string       `json:"url,omitempty"`
}

type Task struct {
	Id                        string       `json:"id"`
	Slug                      string       `json:"slug"`
	OldSlugs                  []string     `json:"old_slugs"`
	Project                   string       `json:"project"`
	Name                      string       `json:"name"`
	Description               string       `json:"description"`
	Status                    TaskStatus   `json:"status"`
	AssignedDev               *GitHubUser  `json:"assigned_dev"`
	AssignedQa                *GitHubUser  `json:"assigned_qa"`
	ReviewValid               bool         `json:"review_valid"`
	ReviewStatus              ReviewStatus `json:"review_status"`
	ReviewSubmittedAt         *time.Time   `json:"review_submitted_at"`
	ReviewSha                 string       `json:"review_sha,omitempty"`
	BranchName                string       `json:"branch_name"`
	BranchUrl                 string       `json:"branch_url,omitempty"`
	PrUrl                     string       `json:"pr_url,omitempty"`
	PrIsOpen                  bool         `json:"pr_is_open"`
	HasUnmergedCommits        bool         `json:"has_unmerged_commits"`
	Commits                   []Commit     `json:"commits"`
	OriginSha                 string       `json:"origin_sha,omitempty"`
	CurrentlyCreatingPr       bool         `json:"currently_creating_pr"`
	CurrentlySubmittingReview bool         `json:"currently_submitting_review"`
}

func (self *Task) ModelId() string           { return self.Id }
func (self *Task) CurrentSlug() string       { return self.Slug }
func (self *Task) HistoricalSlugs() []string { return self.OldSlugs }

// directory -> changed member names
type Changeset map[string][]string

func (self Changeset) Total() int {
	total := 0
	for _, members := range self {
		total += len(members)
	}
	return total
}

type Org struct {
	Id                          string              `json:"id"`
	Task                        string              `json:"task"`
	OrgType                     OrgType             `json:"org_type"`
	Owner                       string              `json:"owner"`
	OwnerGhUsername             string              `json:"owner_gh_username,omitempty"`
	LastModifiedAt              *time.Time          `json:"last_modified_at"`
	ExpiresAt                   *time.Time          `json:"expires_at"`
	LatestCommit                string              `json:"latest_commit"`
	LatestCommitUrl             string              `json:"latest_commit_url,omitempty"`
	LatestCommitAt              *time.Time          `json:"latest_commit_at"`
	LastCheckedUnsavedChangesAt *time.Time          `json:"last_checked_unsaved_changes_at"`
	Url                         string              `json:"url,omitempty"`
	IsCreated                   bool                `json:"is_created"`
	UnsavedChanges              Changeset           `json:"unsaved_changes"`
	HasUnsavedChanges           bool                `json:"has_unsaved_changes"`
	TotalUnsavedChanges         int                 `json:"total_unsaved_changes"`
	IgnoredChanges              Changeset           `json:"ignored_changes"`
	HasIgnoredChanges           bool                `json:"has_ignored_changes"`
	TotalIgnoredChanges         int                 `json:"total_ignored_changes"`
	CurrentlyRefreshingChanges  bool                `json:"currently_refreshing_changes"`
	CurrentlyCapturingChanges   bool                `json:"currently_capturing_changes"`
	CurrentlyRefreshingOrg      bool                `json:"currently_refreshing_org"`
	CurrentlyReassigningUser    bool                `json:"currently_reassigning_user"`
	HasBeenVisited              bool                `json:"has_been_visited"`
	DeleteQueuedAt              *time.Time          `json:"delete_queued_at"`
	ValidTargetDirectories      map[string][]string `json:"valid_target_directories,omitempty"`
}

func (self *Org) ModelId() string { return self.Id }

func (self *Org) IsDeleteQueued() bool {
	return self.DeleteQueuedAt != nil
}

// the server sends totals, but a partial model may only carry the changesets
func (self *Org) UnsavedTotal() int {
	if self.TotalUnsavedChanges == 0 {
		return self.UnsavedChanges.Total()
	}
	return self.TotalUnsavedChanges
}

func (self *Org) IgnoredTotal() int {
	if self.TotalIgnoredChanges == 0 {
		return self.IgnoredChanges.Total()
	}
	return self.TotalIgnoredChanges
}

// the session identity. there is at most one per process.
type User struct {
	Id                     string  `json:"id"`
	Username               string  `json:"username"`
	Email                  string  `json:"email,omitempty"`
	AvatarUrl              string  `json:"avatar_url,omitempty"`
	GitHubLogin            string  `json:"github_login,omitempty"`
	ValidTokenFor          *string `json:"valid_token_for"`
	SfUsername             string  `json:"sf_username,omitempty"`
	IsDevhubEnabled        bool    `json:"is_devhub_enabled"`
	CurrentlyFetchingRepos bool    `json:"currently_fetching_repos"`
}

func (self *User) ModelId() string { return self.Id }

func (self *User) IsSalesforceConnected() bool {
	return self.ValidTokenFor != nil && *self.ValidTokenFor != ""
}

// comparable
type Subscription struct {
	Model ObjectType `json:"model"`
	Id    string     `json:"id"`
}

func (self Subscription) String() string {
	return string(self.Model) + "." + self.Id
}
