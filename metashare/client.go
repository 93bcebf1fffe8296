package metashare

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/golang/glog"
)

type ClientSettings struct {
	PushTransportSettings *PushTransportSettings
	ApiClientSettings     *ApiClientSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		PushTransportSettings: DefaultPushTransportSettings(),
		ApiClientSettings:     DefaultApiClientSettings(),
	}
}

// Client owns one session: the store, the push connection, and the dispatcher.
// It is created at login and closed at the end of the process.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      *Store
	registry   *SubscriptionRegistry
	actions    *Actions
	subscriber Subscriber
	transport  *PushTransport

	stateLock     sync.Mutex
	currentUserId string
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, pushUrl string, token string) *Client {
	return NewClient(ctx, apiUrl, pushUrl, token, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	apiUrl string,
	pushUrl string,
	token string,
	settings *ClientSettings,
) *Client {
	apiClient := NewApiClient(token, settings.ApiClientSettings)
	registry := NewSubscriptionRegistry()

	client := newClient(ctx, apiClient, DefaultApiUrls(apiUrl), registry)

	if sessionJwt, err := ParseSessionJwtUnverified(token); err == nil {
		client.currentUserId = sessionJwt.UserId
	} else {
		glog.Infof("[client]session user unknown until login = %s\n", err)
	}

	client.transport = NewPushTransport(
		client.ctx,
		pushUrl,
		apiClient.AuthHeader(),
		registry,
		&PushTransportHandlers{
			OnMessage:   client.HandleMessage,
			OnConnected: client.handleConnected,
			OnReconnect: func() {
				glog.V(1).Infof("[client]push reconnected\n")
			},
			OnMaximum: func() {
				glog.Infof("[client]push gave up\n")
			},
		},
		settings.PushTransportSettings,
	)
	client.subscriber = client.transport
	return client
}

// newClient wires everything except the push connection
func newClient(
	ctx context.Context,
	requester Requester,
	urls *ApiUrls,
	registry *SubscriptionRegistry,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    NewStore(),
		registry: registry,
	}
	client.actions = NewActions(requester, urls, client.store.Dispatch, client)
	return client
}

func (self *Client) Store() *Store {
	return self.store
}

func (self *Client) Actions() *Actions {
	return self.actions
}

func (self *Client) Transport() *PushTransport {
	return self.transport
}

func (self *Client) CurrentUserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.currentUserId
}

func (self *Client) Subscribe(sub Subscription) {
	if self.subscriber != nil {
		self.subscriber.Subscribe(sub)
	}
}

func (self *Client) Unsubscribe(sub Subscription) {
	if self.subscriber != nil {
		self.subscriber.Unsubscribe(sub)
	}
}

// HandleMessage decodes one raw push frame, merges it,
// and routes the toast and follow-up work it implies.
func (self *Client) HandleMessage(message []byte) {
	event := DecodeMessage(message)
	if event == nil {
		return
	}

	// task names resolve against the state the event arrived into
	toast := RouteNotification(event, self.CurrentUserId(), self.store.State())
	if toast != nil {
		self.store.Dispatch(&ToastAddedEvent{
			Toast: toast,
		})
	}
	self.store.Dispatch(event)

	switch v := event.(type) {
	case *ReposRefreshedEvent:
		go HandleError(func() {
			_, err := self.actions.FetchObjects(self.ctx, &FetchObjectsArgs{
				ObjectType: ObjectTypeRepository,
				Reset:      true,
			})
			if err != nil {
				glog.Infof("[client]refetch repositories = %s\n", err)
			}
		})
	case *OrgPushEvent:
		switch v.Type {
		case PushOrgProvisioned,
			PushOrgProvisionFailed,
			PushOrgDeleted,
			PushOrgRemoved,
			PushOrgDeleteFailed:
			// the org subscription only exists to see these outcomes
			self.Unsubscribe(Subscription{
				Model: ObjectTypeOrg,
				Id:    v.Model.Id,
			})
		}
	}
}

func (self *Client) handleConnected(connected bool) {
	self.store.Dispatch(&SocketConnectionEvent{
		Connected: connected,
	})
}

func (self *Client) Login(user *User) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.currentUserId = user.Id
	}()
	self.store.Dispatch(&UserLoggedInEvent{
		User: user,
	})
}

// Logout clears the session state and reopens the push connection
// so no subscription outlives the identity that made it.
func (self *Client) Logout() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.currentUserId = ""
	}()
	self.registry.Reset()
	self.store.Dispatch(&UserLoggedOutEvent{})
	if self.transport != nil {
		if err := self.transport.Reconnect(); err != nil {
			glog.Infof("[client]reconnect = %s\n", err)
		}
	}
}

// RefetchAllData drops every cached resource after reloading the user.
// A missing session logs out.
func (self *Client) RefetchAllData(ctx context.Context) error {
	user, err := self.actions.RefreshUser(ctx)
	if err != nil {
		var apiErr *ApiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			self.Logout()
			return nil
		}
		return err
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.currentUserId = user.Id
	}()
	self.store.Dispatch(&RefetchDataSucceededEvent{})
	return nil
}

func (self *Client) AddToast(toast *Toast) {
	self.store.Dispatch(&ToastAddedEvent{
		Toast: toast,
	})
}

func (self *Client) RemoveToast(toastId string) {
	self.store.Dispatch(&ToastRemovedEvent{
		ToastId: toastId,
	})
}

// ReportMutationError turns a failed local mutation into an error toast
func (self *Client) ReportMutationError(objectType ObjectType, operation string, err error) {
	if err == nil {
		return
	}
	self.AddToast(MutationFailedToast(objectType, operation, err))
}

func (self *Client) Close() {
	self.cancel()
	if self.transport != nil {
		self.transport.Close()
	}
}
