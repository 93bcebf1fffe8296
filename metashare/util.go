package metashare

import (
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slices"
)

func NewId() string {
	return ulid.Make().String()
}

// HandleError runs `do` and returns the recovered panic value, if any.
// Callbacks supplied by callers run under this so they cannot take down a read loop.
func HandleError(do func()) (r any) {
	defer func() {
		if r = recover(); r != nil {
			glog.Errorf("[callback]recovered %T=%v\n%s", r, r, panicFrames(debug.Stack()))
		}
	}()
	do()
	return
}

// function names from a goroutine stack, innermost first, one per line
func panicFrames(stack []byte) string {
	frames := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line == "" || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "goroutine ") {
			continue
		}
		frames = append(frames, "  "+strings.TrimSpace(line))
	}
	return strings.Join(frames, "\n")
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	start := time.Now()
	glog.Infof("[%-8s]%s (%d)\n", "start", tag, start.UnixMilli())
	result, returnErr = do()
	end := time.Now()
	millis := float32(end.Sub(start)) / float32(time.Millisecond)
	if returnErr != nil {
		glog.Infof("[%-8s]%s (%.2fms) (%d) err = %s\n", "end", tag, millis, end.UnixMilli(), returnErr)
	} else {
		glog.Infof("[%-8s]%s (%.2fms) (%d)\n", "end", tag, millis, end.UnixMilli())
	}
	return
}

type callbackEntry[T any] struct {
	id       string
	callback T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := NewId()
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{
		id:       id,
		callback: callback,
	})
	self.callbacks = nextCallbacks
	return id
}

func (self *CallbackList[T]) Remove(id string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry callbackEntry[T]) bool {
		return entry.id == id
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

// a reconnect delay measured from when the previous attempt started
type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout - time.Since(self.startTime)
	if timeout <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(timeout)
}
