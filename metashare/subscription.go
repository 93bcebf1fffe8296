package metashare

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type SubscriptionAction string

const (
	ActionSubscribe   SubscriptionAction = "SUBSCRIBE"
	ActionUnsubscribe SubscriptionAction = "UNSUBSCRIBE"
)

// outbound control frame
type SubscriptionFrame struct {
	Model  ObjectType         `json:"model"`
	Id     string             `json:"id"`
	Action SubscriptionAction `json:"action"`
}

func (self SubscriptionFrame) Subscription() Subscription {
	return Subscription{
		Model: self.Model,
		Id:    self.Id,
	}
}

// SubscriptionRegistry tracks what the client asked the server to push,
// and the control frames that could not be written because the socket was not open.
// Pending frames are keyed by subscription so the latest intent replaces an opposite pending action.
type SubscriptionRegistry struct {
	stateLock sync.Mutex
	active    map[Subscription]bool
	pending   map[Subscription]SubscriptionAction
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		active:  map[Subscription]bool{},
		pending: map[Subscription]SubscriptionAction{},
	}
}

// Subscribe records the subscription as active and returns the frame to send
func (self *SubscriptionRegistry) Subscribe(sub Subscription) SubscriptionFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.active[sub] = true
	glog.V(1).Infof("[sub]+%s\n", sub)
	return SubscriptionFrame{
		Model:  sub.Model,
		Id:     sub.Id,
		Action: ActionSubscribe,
	}
}

func (self *SubscriptionRegistry) Unsubscribe(sub Subscription) SubscriptionFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.active, sub)
	glog.V(1).Infof("[sub]-%s\n", sub)
	return SubscriptionFrame{
		Model:  sub.Model,
		Id:     sub.Id,
		Action: ActionUnsubscribe,
	}
}

// Buffer holds a frame until the next open
func (self *SubscriptionRegistry) Buffer(frame SubscriptionFrame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.pending[frame.Subscription()] = frame.Action
	glog.V(2).Infof("[sub]buffer %s %s\n", frame.Action, frame.Subscription())
}

// Drain empties the pending set. When `reconnect` is set, every active subscription
// that is not already pending is replayed as well, since the server forgets them with the connection.
// Order is arbitrary.
func (self *SubscriptionRegistry) Drain(reconnect bool) []SubscriptionFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending := self.pending
	self.pending = map[Subscription]SubscriptionAction{}

	if reconnect {
		for sub := range self.active {
			if _, ok := pending[sub]; !ok {
				pending[sub] = ActionSubscribe
			}
		}
	}

	frames := make([]SubscriptionFrame, 0, len(pending))
	for sub, action := range pending {
		frames = append(frames, SubscriptionFrame{
			Model:  sub.Model,
			Id:     sub.Id,
			Action: action,
		})
	}
	return frames
}

func (self *SubscriptionRegistry) IsSubscribed(sub Subscription) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.active[sub]
}

func (self *SubscriptionRegistry) Active() []Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.active)
}

func (self *SubscriptionRegistry) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.pending)
}

// Reset forgets every subscription. Used when the session identity changes.
func (self *SubscriptionRegistry) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.active = map[Subscription]bool{}
	self.pending = map[Subscription]SubscriptionAction{}
}
