package metashare

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testRequest struct {
	method string
	url    string
	body   any
}

type testResponse struct {
	body string
	err  error
}

// an in-memory Requester keyed by "METHOD url"
type testRequester struct {
	stateLock sync.Mutex
	responses map[string]testResponse
	requests  []testRequest
}

func newTestRequester() *testRequester {
	return &testRequester{
		responses: map[string]testResponse{},
	}
}

func (self *testRequester) Respond(method string, url string, body string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.responses[method+" "+url] = testResponse{body: body}
}

func (self *testRequester) Fail(method string, url string, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.responses[method+" "+url] = testResponse{err: err}
}

func (self *testRequester) Requests() []testRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]testRequest{}, self.requests...)
}

func (self *testRequester) Request(ctx context.Context, method string, url string, body any) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.requests = append(self.requests, testRequest{
		method: method,
		url:    url,
		body:   body,
	})
	response, ok := self.responses[method+" "+url]
	if !ok {
		return nil, &ApiError{StatusCode: 404, Message: "Not found."}
	}
	if response.err != nil {
		return nil, response.err
	}
	return []byte(response.body), nil
}

type testSubscriber struct {
	stateLock    sync.Mutex
	subscribed   []Subscription
	unsubscribed []Subscription
}

func (self *testSubscriber) Subscribe(sub Subscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscribed = append(self.subscribed, sub)
}

func (self *testSubscriber) Unsubscribe(sub Subscription) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.unsubscribed = append(self.unsubscribed, sub)
}

// records every dispatched event and merges it
type testDispatcher struct {
	store  *Store
	events []Event
}

func newTestDispatcher() *testDispatcher {
	return &testDispatcher{
		store: NewStore(),
	}
}

func (self *testDispatcher) Dispatch(event Event) {
	self.events = append(self.events, event)
	self.store.Dispatch(event)
}

func (self *testDispatcher) Names() []string {
	names := []string{}
	for _, event := range self.events {
		names = append(names, event.EventName())
	}
	return names
}

const testApiUrl = "https://metashare.test"

func newTestActions() (*Actions, *testRequester, *testDispatcher, *testSubscriber) {
	requester := newTestRequester()
	dispatcher := newTestDispatcher()
	subscriber := &testSubscriber{}
	actions := NewActions(requester, DefaultApiUrls(testApiUrl), dispatcher.Dispatch, subscriber)
	return actions, requester, dispatcher, subscriber
}

func TestFetchObjectsPages(t *testing.T) {
	ctx := context.Background()
	actions, requester, dispatcher, subscriber := newTestActions()

	requester.Respond(
		"GET",
		testApiUrl+"/api/tasks/?project=p1",
		`{"results": [{"id": "t1", "project": "p1"}, {"id": "t2", "project": "p1"}], "next": "url2"}`,
	)
	requester.Respond(
		"GET",
		"url2",
		`{"results": [{"id": "t3", "project": "p1"}], "next": null}`,
	)

	page, err := actions.FetchObjects(ctx, &FetchObjectsArgs{
		ObjectType: ObjectTypeTask,
		Filters:    Filters{FilterProject: "p1"},
		Reset:      true,
		Subscribe: SubscribeWhen(func(object Model) bool {
			return object.ModelId() == "t2"
		}),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(page.Results), 2)
	assert.Equal(t, page.Next, "url2")

	_, err = actions.FetchObjects(ctx, &FetchObjectsArgs{
		ObjectType: ObjectTypeTask,
		Filters:    Filters{FilterProject: "p1"},
		Url:        page.Next,
	})
	assert.Equal(t, err, nil)

	state := dispatcher.store.State()
	assert.Equal(t, taskIds(state.TasksFor("p1")), []string{"t1", "t2", "t3"})
	assert.Equal(t, state.TasksFor("p1").Next, "")
	assert.Equal(t, dispatcher.Names(), []string{
		"FETCH_OBJECTS_STARTED",
		"FETCH_OBJECTS_SUCCEEDED",
		"FETCH_OBJECTS_STARTED",
		"FETCH_OBJECTS_SUCCEEDED",
	})
	assert.Equal(t, subscriber.subscribed, []Subscription{{Model: ObjectTypeTask, Id: "t2"}})
}

func TestFetchObjectsArrayResponse(t *testing.T) {
	actions, requester, dispatcher, _ := newTestActions()
	requester.Respond("GET", testApiUrl+"/api/repositories/", `[{"id": "r1"}, {"id": "r2"}]`)

	page, err := actions.FetchObjects(context.Background(), &FetchObjectsArgs{
		ObjectType: ObjectTypeRepository,
		Reset:      true,
		Subscribe:  SubscribeNever,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, page.Next, "")
	assert.Equal(t, len(dispatcher.store.State().Repositories.Objects), 2)
}

func TestFetchObjectsFailure(t *testing.T) {
	actions, requester, dispatcher, _ := newTestActions()
	apiErr := &ApiError{StatusCode: 500, Message: "Server error."}
	requester.Fail("GET", testApiUrl+"/api/projects/?repository=r1", apiErr)

	page, err := actions.FetchObjects(context.Background(), &FetchObjectsArgs{
		ObjectType: ObjectTypeProject,
		Filters:    Filters{FilterRepository: "r1"},
	})
	assert.Equal(t, page, nil)
	assert.Equal(t, errors.Is(err, apiErr), true)
	assert.Equal(t, dispatcher.Names(), []string{"FETCH_OBJECTS_STARTED", "FETCH_OBJECTS_FAILED"})
	assert.Equal(t, dispatcher.store.State().ProjectsFor("r1"), nil)
}

func TestNoUrlFails(t *testing.T) {
	requester := newTestRequester()
	dispatcher := newTestDispatcher()
	actions := NewActions(requester, NewApiUrls(testApiUrl), dispatcher.Dispatch, nil)

	_, err := actions.CreateObject(context.Background(), &CreateObjectArgs{
		ObjectType: ObjectTypeTask,
		Data:       map[string]string{"name": "T"},
	})
	assert.Equal(t, errors.Is(err, ErrNoUrl), true)
	assert.Equal(t, dispatcher.Names(), []string{"CREATE_OBJECT_STARTED", "CREATE_OBJECT_FAILED"})
	assert.Equal(t, len(requester.Requests()), 0)
}

func TestFetchObjectNotFound(t *testing.T) {
	actions, requester, dispatcher, _ := newTestActions()
	requester.Respond("GET", testApiUrl+"/api/projects/?repository=r1&slug=gone", `{"results": [], "next": null}`)
	requester.Respond("GET", testApiUrl+"/api/projects/?repository=r1&slug=here", `[{"id": "p1", "repository": "r1", "slug": "here"}]`)

	object, err := actions.FetchObject(context.Background(), &FetchObjectArgs{
		ObjectType: ObjectTypeProject,
		Filters:    Filters{FilterRepository: "r1", FilterSlug: "gone"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, object, nil)

	object, err = actions.FetchObject(context.Background(), &FetchObjectArgs{
		ObjectType: ObjectTypeProject,
		Filters:    Filters{FilterRepository: "r1", FilterSlug: "here"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, object.ModelId(), "p1")

	projects := dispatcher.store.State().ProjectsFor("r1")
	assert.Equal(t, projects.NotFound, []string{"gone"})
	assert.Equal(t, len(projects.Objects), 1)
}

func TestCreateObjectSubscribes(t *testing.T) {
	actions, requester, dispatcher, subscriber := newTestActions()
	requester.Respond("POST", testApiUrl+"/api/scratch-orgs/", `{"id": "o1", "task": "t1", "org_type": "Dev", "owner": "u1"}`)

	object, err := actions.CreateObject(context.Background(), &CreateObjectArgs{
		ObjectType: ObjectTypeOrg,
		Data:       map[string]string{"task": "t1", "org_type": "Dev"},
		Subscribe:  SubscribeAlways,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, object.ModelId(), "o1")
	assert.Equal(t, dispatcher.store.State().Org("t1", OrgTypeDev).Id, "o1")
	assert.Equal(t, subscriber.subscribed, []Subscription{{Model: ObjectTypeOrg, Id: "o1"}})

	requests := requester.Requests()
	assert.Equal(t, len(requests), 1)
	assert.Equal(t, requests[0].method, "POST")
}

func TestUpdateObject(t *testing.T) {
	actions, requester, dispatcher, _ := newTestActions()
	requester.Respond("PUT", testApiUrl+"/api/tasks/t1/", `{"id": "t1", "project": "p1", "name": "Renamed"}`)
	requester.Respond("PATCH", testApiUrl+"/api/tasks/t1/", `{"id": "t1", "project": "p1", "name": "Patched"}`)

	_, err := actions.UpdateObject(context.Background(), &UpdateObjectArgs{
		ObjectType: ObjectTypeTask,
		Id:         "t1",
		Data:       map[string]string{"name": "Renamed"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, dispatcher.store.State().FindTask("t1").Name, "Renamed")

	_, err = actions.UpdateObject(context.Background(), &UpdateObjectArgs{
		ObjectType: ObjectTypeTask,
		Id:         "t1",
		Data:       map[string]string{"name": "Patched"},
		Patch:      true,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, dispatcher.store.State().FindTask("t1").Name, "Patched")
	assert.Equal(t, len(dispatcher.store.State().TasksFor("p1").Objects), 1)
}

func TestDeleteOrgQueues(t *testing.T) {
	actions, requester, dispatcher, subscriber := newTestActions()
	queuedAt := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	actions.now = func() time.Time {
		return queuedAt
	}
	org := &Org{Id: "o1", Task: "t1", OrgType: OrgTypeDev}
	dispatcher.Dispatch(&CreateObjectEvent{Phase: PhaseSucceeded, ObjectType: ObjectTypeOrg, Object: org})
	requester.Respond("DELETE", testApiUrl+"/api/scratch-orgs/o1/", ``)

	err := actions.DeleteObject(context.Background(), &DeleteObjectArgs{
		ObjectType: ObjectTypeOrg,
		Object:     org,
		Subscribe:  SubscribeAlways,
	})
	assert.Equal(t, err, nil)

	deleting := dispatcher.store.State().Org("t1", OrgTypeDev)
	assert.Equal(t, deleting.IsDeleteQueued(), true)
	assert.Equal(t, *deleting.DeleteQueuedAt, queuedAt)
	assert.Equal(t, subscriber.subscribed, []Subscription{{Model: ObjectTypeOrg, Id: "o1"}})
}

func TestDeleteFailureKeepsObject(t *testing.T) {
	actions, requester, dispatcher, subscriber := newTestActions()
	org := &Org{Id: "o1", Task: "t1", OrgType: OrgTypeDev}
	dispatcher.Dispatch(&CreateObjectEvent{Phase: PhaseSucceeded, ObjectType: ObjectTypeOrg, Object: org})
	requester.Fail("DELETE", testApiUrl+"/api/scratch-orgs/o1/", &ApiError{StatusCode: 403, Message: "Forbidden."})

	err := actions.DeleteObject(context.Background(), &DeleteObjectArgs{
		ObjectType: ObjectTypeOrg,
		Object:     org,
		Subscribe:  SubscribeAlways,
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, dispatcher.store.State().Org("t1", OrgTypeDev).IsDeleteQueued(), false)
	assert.Equal(t, len(subscriber.subscribed), 0)
	assert.Equal(t, dispatcher.Names(), []string{"CREATE_OBJECT_SUCCEEDED", "DELETE_OBJECT_STARTED", "DELETE_OBJECT_FAILED"})
}

func TestSubscribePolicy(t *testing.T) {
	object := &Task{Id: "t1"}
	assert.Equal(t, SubscribeAlways.Applies(object), true)
	assert.Equal(t, SubscribeNever.Applies(object), false)
	assert.Equal(t, SubscribePolicy{}.Applies(object), false)
	assert.Equal(t, SubscribeAlways.Applies(nil), false)
	assert.Equal(t, SubscribeWhen(func(object Model) bool {
		return object.ModelId() == "t1"
	}).Applies(object), true)
}

func TestOrgConcernActions(t *testing.T) {
	actions, requester, dispatcher, _ := newTestActions()
	org := &Org{Id: "o1", Task: "t1", OrgType: OrgTypeDev, Owner: "u1"}
	dispatcher.Dispatch(&CreateObjectEvent{Phase: PhaseSucceeded, ObjectType: ObjectTypeOrg, Object: org})

	// accepted without a body keeps the concern in flight
	requester.Respond("POST", testApiUrl+"/api/scratch-orgs/o1/refresh/", ``)
	_, err := actions.RefreshOrg(context.Background(), org)
	assert.Equal(t, err, nil)
	assert.Equal(t, dispatcher.store.State().Org("t1", OrgTypeDev).CurrentlyRefreshingOrg, true)

	requester.Respond(
		"GET",
		testApiUrl+"/api/scratch-orgs/o1/?get_unsaved_changes=true",
		`{"id": "o1", "task": "t1", "org_type": "Dev", "owner": "u1", "currently_refreshing_changes": true}`,
	)
	accepted, err := actions.RefetchOrg(context.Background(), org)
	assert.Equal(t, err, nil)
	assert.Equal(t, accepted.CurrentlyRefreshingChanges, true)
	current := dispatcher.store.State().Org("t1", OrgTypeDev)
	assert.Equal(t, current.CurrentlyRefreshingChanges, true)
	assert.Equal(t, current.CurrentlyRefreshingOrg, true)

	requester.Fail("POST", testApiUrl+"/api/scratch-orgs/o1/commit/", &ApiError{StatusCode: 400, Message: "No changes."})
	_, err = actions.CommitChanges(context.Background(), org, &CommitChangesArgs{
		CommitMessage: "message",
		Changes:       map[string][]string{"ApexClass": {"Foo"}},
	})
	assert.NotEqual(t, err, nil)
	current = dispatcher.store.State().Org("t1", OrgTypeDev)
	assert.Equal(t, current.CurrentlyCapturingChanges, false)
	assert.Equal(t, current.CurrentlyRefreshingOrg, true)

	rejected := dispatcher.events[len(dispatcher.events)-1].(*OrgConcernEvent)
	assert.Equal(t, rejected.Phase, OrgRejected)
	assert.Equal(t, rejected.Message, "No changes.")
}

func TestRefreshRepositories(t *testing.T) {
	actions, requester, dispatcher, _ := newTestActions()
	requester.Respond("POST", testApiUrl+"/api/user/refresh/", ``)

	err := actions.RefreshRepositories(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, dispatcher.store.State().RepositoriesRefreshing, true)

	requester.Fail("POST", testApiUrl+"/api/user/refresh/", errors.New("offline"))
	err = actions.RefreshRepositories(context.Background())
	assert.NotEqual(t, err, nil)
	assert.Equal(t, dispatcher.store.State().RepositoriesRefreshing, false)
}

func TestRefreshGitHubUsers(t *testing.T) {
	actions, requester, dispatcher, _ := newTestActions()
	repository := &Repository{Id: "r1"}
	dispatcher.Dispatch(&RepositoryPushEvent{PushOrigin: PushOrigin{Type: PushRepositoryUpdated}, Model: repository})
	requester.Respond("POST", testApiUrl+"/api/repositories/r1/refresh_github_users/", ``)

	err := actions.RefreshGitHubUsers(context.Background(), repository)
	assert.Equal(t, err, nil)
	assert.Equal(t, dispatcher.store.State().FindRepository("r1").CurrentlyRefreshingGhUsers, true)
}
