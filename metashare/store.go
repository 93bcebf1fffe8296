package metashare

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// filter keys that name the parent of a child list
const (
	FilterRepository = "repository"
	FilterProject    = "project"
	FilterTask       = "task"
	FilterSlug       = "slug"
)

// the zero-to-two orgs of one task
type TaskOrgs struct {
	Dev     *Org
	Qa      *Org
	Fetched bool
}

func (self *TaskOrgs) Get(orgType OrgType) *Org {
	if self == nil {
		return nil
	}
	switch orgType {
	case OrgTypeDev:
		return self.Dev
	case OrgTypeQa:
		return self.Qa
	default:
		return nil
	}
}

func (self *TaskOrgs) with(orgType OrgType, org *Org) *TaskOrgs {
	next := &TaskOrgs{}
	if self != nil {
		*next = *self
	}
	switch orgType {
	case OrgTypeDev:
		next.Dev = org
	case OrgTypeQa:
		next.Qa = org
	}
	return next
}

// State is an immutable snapshot. Every reduction returns a new state and
// shares the unchanged parts with the previous one.
type State struct {
	Repositories           *ObjectList[*Repository]
	RepositoriesRefreshing bool
	// repository id -> projects
	Projects map[string]*ObjectList[*Project]
	// project id -> tasks
	Tasks map[string]*ObjectList[*Task]
	// task id -> orgs. keyed by task id whether or not the task is loaded.
	Orgs map[string]*TaskOrgs

	User            *User
	SocketConnected bool
	Toasts          []*Toast
}

func NewState() *State {
	return &State{
		Repositories: &ObjectList[*Repository]{},
		Projects:     map[string]*ObjectList[*Project]{},
		Tasks:        map[string]*ObjectList[*Task]{},
		Orgs:         map[string]*TaskOrgs{},
	}
}

func (self *State) ProjectsFor(repositoryId string) *ObjectList[*Project] {
	return self.Projects[repositoryId]
}

func (self *State) TasksFor(projectId string) *ObjectList[*Task] {
	return self.Tasks[projectId]
}

func (self *State) OrgsFor(taskId string) *TaskOrgs {
	return self.Orgs[taskId]
}

func (self *State) Org(taskId string, orgType OrgType) *Org {
	return self.Orgs[taskId].Get(orgType)
}

func (self *State) FindRepository(repositoryId string) *Repository {
	repository, _ := self.Repositories.Find(repositoryId)
	return repository
}

func (self *State) FindProject(projectId string) *Project {
	for _, projects := range self.Projects {
		if project, ok := projects.Find(projectId); ok {
			return project
		}
	}
	return nil
}

func (self *State) FindTask(taskId string) *Task {
	for _, tasks := range self.Tasks {
		if task, ok := tasks.Find(taskId); ok {
			return task
		}
	}
	return nil
}

// FindOrg searches every task slot for the org id
func (self *State) FindOrg(orgId string) *Org {
	for _, orgs := range self.Orgs {
		if orgs.Dev != nil && orgs.Dev.Id == orgId {
			return orgs.Dev
		}
		if orgs.Qa != nil && orgs.Qa.Id == orgId {
			return orgs.Qa
		}
	}
	return nil
}

func (self *State) clone() *State {
	next := *self
	return &next
}

// drops every resource mapping. the session and connection state survive.
func (self *State) withoutResources() *State {
	next := self.clone()
	next.Repositories = &ObjectList[*Repository]{}
	next.RepositoriesRefreshing = false
	next.Projects = map[string]*ObjectList[*Project]{}
	next.Tasks = map[string]*ObjectList[*Task]{}
	next.Orgs = map[string]*TaskOrgs{}
	return next
}

func (self *State) withProjects(repositoryId string, projects *ObjectList[*Project]) *State {
	next := self.clone()
	next.Projects = maps.Clone(self.Projects)
	next.Projects[repositoryId] = projects
	return next
}

func (self *State) withTasks(projectId string, tasks *ObjectList[*Task]) *State {
	next := self.clone()
	next.Tasks = maps.Clone(self.Tasks)
	next.Tasks[projectId] = tasks
	return next
}

func (self *State) withTaskOrgs(taskId string, orgs *TaskOrgs) *State {
	next := self.clone()
	next.Orgs = maps.Clone(self.Orgs)
	next.Orgs[taskId] = orgs
	return next
}

func (self *State) withRepository(repository *Repository) *State {
	if repository == nil {
		return self
	}
	next := self.clone()
	next.Repositories = self.Repositories.withObject(repository)
	return next
}

// upsert materializes the parent collection when it is missing
func (self *State) withModel(model Model) *State {
	if isNilModel(model) {
		return self
	}
	switch v := model.(type) {
	case *Repository:
		return self.withRepository(v)
	case *Project:
		return self.withProjects(v.Repository, self.Projects[v.Repository].withObject(v))
	case *Task:
		return self.withTasks(v.Project, self.Tasks[v.Project].withObject(v))
	case *Org:
		return self.withOrg(v)
	case *User:
		next := self.clone()
		next.User = v
		return next
	default:
		glog.V(1).Infof("[store]no collection for %T\n", model)
		return self
	}
}

func (self *State) withoutModel(model Model) *State {
	if isNilModel(model) {
		return self
	}
	switch v := model.(type) {
	case *Repository:
		next := self.clone()
		next.Repositories = self.Repositories.withoutObject(v.Id)
		return next
	case *Project:
		if _, ok := self.Projects[v.Repository]; !ok {
			return self
		}
		return self.withProjects(v.Repository, self.Projects[v.Repository].withoutObject(v.Id))
	case *Task:
		if _, ok := self.Tasks[v.Project]; !ok {
			return self
		}
		return self.withTasks(v.Project, self.Tasks[v.Project].withoutObject(v.Id))
	case *Org:
		return self.withoutOrg(v)
	default:
		return self
	}
}

func (self *State) withToast(toast *Toast) *State {
	if slices.ContainsFunc(self.Toasts, func(existing *Toast) bool {
		return existing.Id == toast.Id
	}) {
		return self
	}
	next := self.clone()
	next.Toasts = append(slices.Clone(self.Toasts), toast)
	return next
}

func (self *State) withoutToast(toastId string) *State {
	next := self.clone()
	next.Toasts = slices.DeleteFunc(slices.Clone(self.Toasts), func(toast *Toast) bool {
		return toast.Id == toastId
	})
	return next
}

// Reduce merges one event. It never fails: events it does not handle return `state` unchanged.
// The same rules apply whether the event came from a fetch, a local mutation, or a push frame.
func Reduce(state *State, event Event) *State {
	switch v := event.(type) {
	case *FetchObjectsEvent:
		if v.Phase != PhaseSucceeded || v.Page == nil {
			return state
		}
		return state.withPage(v.ObjectType, v.Filters, v.Page, v.Reset)

	case *FetchObjectEvent:
		if v.Phase != PhaseSucceeded {
			return state
		}
		if isNilModel(v.Object) {
			return state.withNotFound(v.ObjectType, v.Filters)
		}
		return state.withModel(v.Object)

	case *CreateObjectEvent:
		if v.Phase != PhaseSucceeded || isNilModel(v.Object) {
			return state
		}
		return state.withModel(v.Object)

	case *UpdateObjectEvent:
		if v.Phase != PhaseSucceeded || isNilModel(v.Object) {
			return state
		}
		return state.withModel(v.Object)

	case *DeleteObjectEvent:
		if v.Phase != PhaseSucceeded || isNilModel(v.Object) {
			return state
		}
		if org, ok := v.Object.(*Org); ok {
			return state.withOrgDeleteQueued(org, v.QueuedAt)
		}
		return state.withoutModel(v.Object)

	case *ReposRefreshedEvent:
		next := state.clone()
		next.RepositoriesRefreshing = false
		return next

	case *RepositoryPushEvent:
		if v.Model == nil {
			return state
		}
		return state.withRepository(v.Model)

	case *ProjectPushEvent:
		if v.Model == nil {
			return state
		}
		return state.withModel(v.Model)

	case *TaskPushEvent:
		if v.Model == nil {
			return state
		}
		return state.withModel(v.Model)

	case *OrgPushEvent:
		if v.Model == nil {
			return state
		}
		return state.withOrgPush(v)

	case *OrgConcernEvent:
		return state.withOrgConcern(v)

	case *RepositoriesRefreshEvent:
		switch v.Phase {
		case PhaseStarted:
			next := state.clone()
			next.RepositoriesRefreshing = true
			return next
		case PhaseFailed:
			next := state.clone()
			next.RepositoriesRefreshing = false
			return next
		default:
			// cleared by the push that follows
			return state
		}

	case *GitHubUsersRefreshEvent:
		if v.Repository == nil {
			return state
		}
		var refreshing bool
		switch v.Phase {
		case PhaseStarted:
			refreshing = true
		case PhaseFailed:
			refreshing = false
		default:
			// the repository push snapshot is authoritative from here
			return state
		}
		repository, ok := state.Repositories.Find(v.Repository.Id)
		if !ok {
			repository = v.Repository
		}
		nextRepository := *repository
		nextRepository.CurrentlyRefreshingGhUsers = refreshing
		return state.withRepository(&nextRepository)

	case *UserLoggedInEvent:
		next := state.clone()
		next.User = v.User
		return next

	case *UserRefreshedEvent:
		next := state.clone()
		next.User = v.User
		return next

	case *UserLoggedOutEvent:
		next := state.withoutResources()
		next.User = nil
		return next

	case *RefetchDataSucceededEvent:
		return state.withoutResources()

	case *SocketConnectionEvent:
		if state.SocketConnected == v.Connected {
			return state
		}
		next := state.clone()
		next.SocketConnected = v.Connected
		return next

	case *ToastAddedEvent:
		if v.Toast == nil {
			return state
		}
		return state.withToast(v.Toast)

	case *ToastRemovedEvent:
		return state.withoutToast(v.ToastId)

	default:
		return state
	}
}

func (self *State) withPage(objectType ObjectType, filters Filters, page *Page, reset bool) *State {
	switch objectType {
	case ObjectTypeRepository:
		next := self.clone()
		next.Repositories = self.Repositories.withPage(
			typedObjects[*Repository](page.Results),
			page.Next,
			reset,
		)
		return next
	case ObjectTypeProject:
		repositoryId, ok := filters[FilterRepository]
		if !ok {
			glog.V(1).Infof("[store]project page without repository filter\n")
			return self
		}
		return self.withProjects(repositoryId, self.Projects[repositoryId].withPage(
			typedObjects[*Project](page.Results),
			page.Next,
			reset,
		))
	case ObjectTypeTask:
		projectId, ok := filters[FilterProject]
		if !ok {
			glog.V(1).Infof("[store]task page without project filter\n")
			return self
		}
		return self.withTasks(projectId, self.Tasks[projectId].withPage(
			typedObjects[*Task](page.Results),
			page.Next,
			reset,
		))
	case ObjectTypeOrg:
		return self.withOrgPage(filters, typedObjects[*Org](page.Results))
	default:
		return self
	}
}

func (self *State) withNotFound(objectType ObjectType, filters Filters) *State {
	slug := filters[FilterSlug]
	switch objectType {
	case ObjectTypeRepository:
		next := self.clone()
		next.Repositories = self.Repositories.withNotFound(slug)
		return next
	case ObjectTypeProject:
		repositoryId := filters[FilterRepository]
		return self.withProjects(repositoryId, self.Projects[repositoryId].withNotFound(slug))
	case ObjectTypeTask:
		projectId := filters[FilterProject]
		return self.withTasks(projectId, self.Tasks[projectId].withNotFound(slug))
	default:
		return self
	}
}

// Store serializes reductions and notifies listeners with each new state.
type Store struct {
	stateLock sync.Mutex
	state     *State

	listeners *CallbackList[func(event Event, state *State)]
}

func NewStore() *Store {
	return &Store{
		state:     NewState(),
		listeners: NewCallbackList[func(event Event, state *State)](),
	}
}

func (self *Store) Dispatch(event Event) {
	if event == nil {
		return
	}
	logDispatch(event)

	var state *State
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.state = Reduce(self.state, event)
		state = self.state
	}()

	for _, listener := range self.listeners.Get() {
		HandleError(func() {
			listener(event, state)
		})
	}
}

func (self *Store) State() *State {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// returns a function that removes the listener
func (self *Store) AddListener(listener func(event Event, state *State)) func() {
	id := self.listeners.Add(listener)
	return func() {
		self.listeners.Remove(id)
	}
}
