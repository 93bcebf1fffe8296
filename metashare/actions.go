package metashare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
)

var ErrNoUrl = errors.New("No URL found for object.")
var ErrUnknownObjectType = errors.New("Unknown object type.")

// the subscribe side of the push transport
type Subscriber interface {
	Subscribe(sub Subscription)
	Unsubscribe(sub Subscription)
}

// SubscribePolicy decides which returned objects are subscribed to.
// The zero value never subscribes.
type SubscribePolicy struct {
	always    bool
	predicate func(object Model) bool
}

var SubscribeNever = SubscribePolicy{}
var SubscribeAlways = SubscribePolicy{always: true}

func SubscribeWhen(predicate func(object Model) bool) SubscribePolicy {
	return SubscribePolicy{
		predicate: predicate,
	}
}

func (self SubscribePolicy) Applies(object Model) bool {
	if object == nil {
		return false
	}
	if self.always {
		return true
	}
	if self.predicate != nil {
		return self.predicate(object)
	}
	return false
}

// Actions is the mutation dispatcher. Every operation dispatches a started event,
// then exactly one of succeeded or failed, and returns the error of a failure to the caller.
// Actions never retry.
type Actions struct {
	requester  Requester
	urls       *ApiUrls
	dispatch   func(event Event)
	subscriber Subscriber
	now        func() time.Time
}

// `subscriber` may be nil, in which case subscribe policies have no effect
func NewActions(
	requester Requester,
	urls *ApiUrls,
	dispatch func(event Event),
	subscriber Subscriber,
) *Actions {
	return &Actions{
		requester:  requester,
		urls:       urls,
		dispatch:   dispatch,
		subscriber: subscriber,
		now:        time.Now,
	}
}

// lifecycle runs `do` between a started event and its one terminal event
func lifecycle[R any](
	self *Actions,
	event func(phase Phase, result R) Event,
	do func() (R, error),
) (R, error) {
	var empty R
	self.dispatch(event(PhaseStarted, empty))
	result, err := do()
	if err != nil {
		self.dispatch(event(PhaseFailed, empty))
		return empty, err
	}
	self.dispatch(event(PhaseSucceeded, result))
	return result, nil
}

func (self *Actions) url(objectType ObjectType, kind UrlKind, id string) (string, error) {
	url, ok := self.urls.Url(objectType, kind, id)
	if !ok {
		glog.Infof("[actions]no %s url for %s\n", kind, objectType)
		return "", fmt.Errorf("%w (%s)", ErrNoUrl, objectType)
	}
	return url, nil
}

func (self *Actions) subscribe(policy SubscribePolicy, objectType ObjectType, objects ...Model) {
	if self.subscriber == nil {
		return
	}
	for _, object := range objects {
		if policy.Applies(object) {
			self.subscriber.Subscribe(Subscription{
				Model: objectType,
				Id:    object.ModelId(),
			})
		}
	}
}

type FetchObjectsArgs struct {
	ObjectType ObjectType
	Filters    Filters
	// a continuation url. when empty the list url with the filters is used.
	Url       string
	Reset     bool
	Subscribe SubscribePolicy
}

// FetchObjects fetches one page of children for the parent named in the filters
func (self *Actions) FetchObjects(ctx context.Context, args *FetchObjectsArgs) (*Page, error) {
	url := args.Url
	event := func(phase Phase, page *Page) Event {
		return &FetchObjectsEvent{
			Phase:      phase,
			ObjectType: args.ObjectType,
			Url:        url,
			Filters:    args.Filters,
			Reset:      args.Reset,
			Page:       page,
		}
	}
	return lifecycle(self, event, func() (*Page, error) {
		if url == "" {
			baseUrl, err := self.url(args.ObjectType, UrlList, "")
			if err != nil {
				return nil, err
			}
			url = WithQuery(baseUrl, args.Filters)
		}
		body, err := self.requester.Request(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		page, err := decodePage(args.ObjectType, body)
		if err != nil {
			return nil, err
		}
		self.subscribe(args.Subscribe, args.ObjectType, page.Results...)
		return page, nil
	})
}

type FetchObjectArgs struct {
	ObjectType ObjectType
	Filters    Filters
	Url        string
}

// FetchObject returns the first match for the filters, or nil when there is none
func (self *Actions) FetchObject(ctx context.Context, args *FetchObjectArgs) (Model, error) {
	url := args.Url
	event := func(phase Phase, object Model) Event {
		return &FetchObjectEvent{
			Phase:      phase,
			ObjectType: args.ObjectType,
			Url:        url,
			Filters:    args.Filters,
			Object:     object,
		}
	}
	return lifecycle(self, event, func() (Model, error) {
		if url == "" {
			baseUrl, err := self.url(args.ObjectType, UrlList, "")
			if err != nil {
				return nil, err
			}
			url = WithQuery(baseUrl, args.Filters)
		}
		body, err := self.requester.Request(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return decodeFirst(args.ObjectType, body)
	})
}

type CreateObjectArgs struct {
	ObjectType ObjectType
	Data       any
	Url        string
	Subscribe  SubscribePolicy
}

func (self *Actions) CreateObject(ctx context.Context, args *CreateObjectArgs) (Model, error) {
	url := args.Url
	event := func(phase Phase, object Model) Event {
		return &CreateObjectEvent{
			Phase:      phase,
			ObjectType: args.ObjectType,
			Url:        url,
			Data:       args.Data,
			Object:     object,
		}
	}
	return lifecycle(self, event, func() (Model, error) {
		if url == "" {
			var err error
			url, err = self.url(args.ObjectType, UrlList, "")
			if err != nil {
				return nil, err
			}
		}
		body, err := self.requester.Request(ctx, http.MethodPost, url, args.Data)
		if err != nil {
			return nil, err
		}
		object, err := decodeObject(args.ObjectType, body)
		if err != nil {
			return nil, err
		}
		self.subscribe(args.Subscribe, args.ObjectType, object)
		return object, nil
	})
}

type UpdateObjectArgs struct {
	ObjectType ObjectType
	Id         string
	Data       any
	// partial update. the default replaces the object.
	Patch bool
	Url   string
}

func (self *Actions) UpdateObject(ctx context.Context, args *UpdateObjectArgs) (Model, error) {
	url := args.Url
	event := func(phase Phase, object Model) Event {
		return &UpdateObjectEvent{
			Phase:      phase,
			ObjectType: args.ObjectType,
			Url:        url,
			Data:       args.Data,
			Object:     object,
		}
	}
	return lifecycle(self, event, func() (Model, error) {
		if url == "" {
			var err error
			url, err = self.url(args.ObjectType, UrlDetail, args.Id)
			if err != nil {
				return nil, err
			}
		}
		method := http.MethodPut
		if args.Patch {
			method = http.MethodPatch
		}
		body, err := self.requester.Request(ctx, method, url, args.Data)
		if err != nil {
			return nil, err
		}
		return decodeObject(args.ObjectType, body)
	})
}

type DeleteObjectArgs struct {
	ObjectType ObjectType
	Object     Model
	Url        string
	// subscribe to the deleted object so the delete-confirmed push is received
	Subscribe SubscribePolicy
}

// DeleteObject requests the delete. On success orgs are only marked delete queued;
// the delete push removes them.
func (self *Actions) DeleteObject(ctx context.Context, args *DeleteObjectArgs) error {
	url := args.Url
	var queuedAt time.Time
	event := func(phase Phase, _ struct{}) Event {
		return &DeleteObjectEvent{
			Phase:      phase,
			ObjectType: args.ObjectType,
			Url:        url,
			Object:     args.Object,
			QueuedAt:   queuedAt,
		}
	}
	_, err := lifecycle(self, event, func() (struct{}, error) {
		if args.Object == nil {
			return struct{}{}, fmt.Errorf("%w (%s)", ErrNoUrl, args.ObjectType)
		}
		if url == "" {
			var err error
			url, err = self.url(args.ObjectType, UrlDetail, args.Object.ModelId())
			if err != nil {
				return struct{}{}, err
			}
		}
		if _, err := self.requester.Request(ctx, http.MethodDelete, url, nil); err != nil {
			return struct{}{}, err
		}
		queuedAt = self.now()
		self.subscribe(args.Subscribe, args.ObjectType, args.Object)
		return struct{}{}, nil
	})
	return err
}

func newModel(objectType ObjectType) (Model, error) {
	switch objectType {
	case ObjectTypeUser:
		return &User{}, nil
	case ObjectTypeRepository:
		return &Repository{}, nil
	case ObjectTypeProject:
		return &Project{}, nil
	case ObjectTypeTask:
		return &Task{}, nil
	case ObjectTypeOrg:
		return &Org{}, nil
	default:
		return nil, fmt.Errorf("%w (%s)", ErrUnknownObjectType, objectType)
	}
}

func decodeObject(objectType ObjectType, body []byte) (Model, error) {
	object, err := newModel(objectType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, object); err != nil {
		return nil, err
	}
	return object, nil
}

func decodeObjects(objectType ObjectType, rawObjects []json.RawMessage) ([]Model, error) {
	objects := make([]Model, 0, len(rawObjects))
	for _, rawObject := range rawObjects {
		object, err := decodeObject(objectType, rawObject)
		if err != nil {
			return nil, err
		}
		objects = append(objects, object)
	}
	return objects, nil
}

type pageResponse struct {
	Results []json.RawMessage `json:"results"`
	Next    *string           `json:"next"`
}

// list responses are either paginated `{results, next}` or a bare array
func decodePage(objectType ObjectType, body []byte) (*Page, error) {
	trimmed := bytes.TrimSpace(body)
	var rawObjects []json.RawMessage
	var next string
	if 0 < len(trimmed) && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rawObjects); err != nil {
			return nil, err
		}
	} else {
		var response pageResponse
		if err := json.Unmarshal(trimmed, &response); err != nil {
			return nil, err
		}
		rawObjects = response.Results
		if response.Next != nil {
			next = *response.Next
		}
	}
	results, err := decodeObjects(objectType, rawObjects)
	if err != nil {
		return nil, err
	}
	return &Page{
		Results: results,
		Next:    next,
	}, nil
}

// a single fetch may return a page, an array, a bare object, or null
func decodeFirst(objectType ObjectType, body []byte) (Model, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, err
		}
		if _, ok := probe["results"]; !ok {
			return decodeObject(objectType, trimmed)
		}
	}
	page, err := decodePage(objectType, trimmed)
	if err != nil {
		return nil, err
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	return page.Results[0], nil
}
