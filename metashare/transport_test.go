package metashare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

const testTimeout = 5 * time.Second

func testPushTransportSettings() *PushTransportSettings {
	settings := DefaultPushTransportSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	settings.ReopenPollInterval = 10 * time.Millisecond
	settings.DisconnectGracePeriod = 200 * time.Millisecond
	settings.PingTimeout = 1 * time.Second
	settings.WriteTimeout = 1 * time.Second
	settings.ReadTimeout = 0
	return settings
}

// an in-process push server that records the control frames it receives
type testPushServer struct {
	server *httptest.Server

	stateLock sync.Mutex
	reject    bool

	conns  chan *websocket.Conn
	frames chan SubscriptionFrame
	closes chan *websocket.CloseError
}

// connects block until `release` is closed. nil does not block.
func newTestPushServer(release <-chan struct{}) *testPushServer {
	s := &testPushServer{
		conns:  make(chan *websocket.Conn, 16),
		frames: make(chan SubscriptionFrame, 64),
		closes: make(chan *websocket.CloseError, 16),
	}
	upgrader := &websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if release != nil {
			<-release
		}
		s.stateLock.Lock()
		reject := s.reject
		s.stateLock.Unlock()
		if reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
		go func() {
			for {
				_, message, err := ws.ReadMessage()
				if err != nil {
					if closeErr, ok := err.(*websocket.CloseError); ok {
						s.closes <- closeErr
					}
					return
				}
				var frame SubscriptionFrame
				if err := json.Unmarshal(message, &frame); err == nil {
					s.frames <- frame
				}
			}
		}()
	}))
	return s
}

func (self *testPushServer) Url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testPushServer) Reject(reject bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reject = reject
}

func (self *testPushServer) Close() {
	self.server.Close()
}

func receiveConn(t *testing.T, s *testPushServer) *websocket.Conn {
	select {
	case ws := <-s.conns:
		return ws
	case <-time.After(testTimeout):
		t.Fatal("no connection")
		return nil
	}
}

func receiveFrame(t *testing.T, s *testPushServer) SubscriptionFrame {
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(testTimeout):
		t.Fatal("no frame")
		return SubscriptionFrame{}
	}
}

func assertNoFrame(t *testing.T, s *testPushServer) {
	select {
	case frame := <-s.frames:
		t.Fatalf("unexpected frame %v", frame)
	case <-time.After(200 * time.Millisecond):
	}
}

func signal(c chan struct{}) func() {
	return func() {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func waitSignal(t *testing.T, c chan struct{}, name string) {
	select {
	case <-c:
	case <-time.After(testTimeout):
		t.Fatalf("no %s", name)
	}
}

func TestTransportFlushesPendingOnOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	s := newTestPushServer(release)
	defer s.Close()

	opened := make(chan struct{}, 1)
	registry := NewSubscriptionRegistry()
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		registry,
		&PushTransportHandlers{
			OnOpen: signal(opened),
		},
		testPushTransportSettings(),
	)
	defer transport.Close()

	t1 := Subscription{Model: ObjectTypeTask, Id: "t1"}
	transport.Subscribe(t1)
	transport.Subscribe(t1)
	assert.Equal(t, transport.IsOpen(), false)

	close(release)
	receiveConn(t, s)
	waitSignal(t, opened, "open")

	frame := receiveFrame(t, s)
	assert.Equal(t, frame, SubscriptionFrame{Model: ObjectTypeTask, Id: "t1", Action: ActionSubscribe})
	assertNoFrame(t, s)

	assert.Equal(t, transport.State(), TransportOpen)
	assert.Equal(t, registry.PendingCount(), 0)

	// once open, frames are written directly
	transport.Unsubscribe(t1)
	frame = receiveFrame(t, s)
	assert.Equal(t, frame.Action, ActionUnsubscribe)
}

func TestTransportMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	defer s.Close()

	messages := make(chan string, 16)
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnMessage: func(message []byte) {
				messages <- string(message)
			},
		},
		testPushTransportSettings(),
	)
	defer transport.Close()

	ws := receiveConn(t, s)
	ws.WriteMessage(websocket.TextMessage, []byte(`{"ok": "subscribed"}`))
	// malformed frames are passed through
	ws.WriteMessage(websocket.TextMessage, []byte(`not json`))

	for _, expected := range []string{`{"ok": "subscribed"}`, `not json`} {
		select {
		case message := <-messages:
			assert.Equal(t, message, expected)
		case <-time.After(testTimeout):
			t.Fatal("no message")
		}
	}
}

func TestTransportReconnectReplays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	defer s.Close()

	opened := make(chan struct{}, 1)
	reconnected := make(chan struct{}, 1)
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnOpen:      signal(opened),
			OnReconnect: signal(reconnected),
		},
		testPushTransportSettings(),
	)
	defer transport.Close()

	ws := receiveConn(t, s)
	waitSignal(t, opened, "open")

	t1 := Subscription{Model: ObjectTypeTask, Id: "t1"}
	transport.Subscribe(t1)
	assert.Equal(t, receiveFrame(t, s).Id, "t1")

	// drop the connection without a close handshake
	ws.Close()

	receiveConn(t, s)
	waitSignal(t, reconnected, "reconnect")
	frame := receiveFrame(t, s)
	assert.Equal(t, frame, SubscriptionFrame{Model: ObjectTypeTask, Id: "t1", Action: ActionSubscribe})
	assertNoFrame(t, s)
}

func TestTransportManualReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	defer s.Close()

	reconnected := make(chan struct{}, 1)
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnReconnect: signal(reconnected),
		},
		testPushTransportSettings(),
	)
	defer transport.Close()

	receiveConn(t, s)
	for !transport.IsOpen() {
		time.Sleep(10 * time.Millisecond)
	}

	err := transport.Reconnect()
	assert.Equal(t, err, nil)

	select {
	case closeErr := <-s.closes:
		assert.Equal(t, closeErr.Code, websocket.CloseNormalClosure)
		assert.Equal(t, closeErr.Text, UserLoggedOutReason)
	case <-time.After(testTimeout):
		t.Fatal("no close")
	}

	receiveConn(t, s)
	waitSignal(t, reconnected, "reconnect")
}

func TestTransportDisconnectAfterGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	defer s.Close()

	connected := make(chan bool, 16)
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnConnected: func(c bool) {
				connected <- c
			},
		},
		testPushTransportSettings(),
	)
	defer transport.Close()

	ws := receiveConn(t, s)
	select {
	case c := <-connected:
		assert.Equal(t, c, true)
	case <-time.After(testTimeout):
		t.Fatal("no connected")
	}

	s.Reject(true)
	ws.Close()

	select {
	case c := <-connected:
		assert.Equal(t, c, false)
	case <-time.After(testTimeout):
		t.Fatal("no disconnected")
	}
	assert.Equal(t, transport.IsOpen(), false)

	s.Reject(false)
	receiveConn(t, s)
	select {
	case c := <-connected:
		assert.Equal(t, c, true)
	case <-time.After(testTimeout):
		t.Fatal("no reconnected")
	}
}

func TestTransportMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	pushUrl := s.Url()
	s.Close()

	maximum := make(chan struct{}, 1)
	errs := make(chan error, 16)
	settings := testPushTransportSettings()
	settings.ReconnectTimeout = 10 * time.Millisecond
	settings.MaxAttempts = 2
	transport := NewPushTransport(
		ctx,
		pushUrl,
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnMaximum: signal(maximum),
			OnError: func(err error) {
				errs <- err
			},
		},
		settings,
	)

	waitSignal(t, maximum, "maximum")
	select {
	case <-transport.Done():
	case <-time.After(testTimeout):
		t.Fatal("not done")
	}
	assert.Equal(t, transport.State(), TransportClosed)
	assert.Equal(t, len(errs), 2)

	// subscriptions after give up are held, never written
	transport.Subscribe(Subscription{Model: ObjectTypeTask, Id: "t1"})
	assert.Equal(t, transport.Reconnect(), ErrTransportClosed)
}

func TestTransportGiveUpSignalsDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	defer s.Close()

	maximum := make(chan struct{}, 1)
	connected := make(chan bool, 16)
	settings := testPushTransportSettings()
	// longer than the test waits, so only giving up can signal
	settings.DisconnectGracePeriod = time.Minute
	settings.MaxAttempts = 2
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnMaximum: signal(maximum),
			OnConnected: func(c bool) {
				connected <- c
			},
		},
		settings,
	)
	defer transport.Close()

	ws := receiveConn(t, s)
	select {
	case c := <-connected:
		assert.Equal(t, c, true)
	case <-time.After(testTimeout):
		t.Fatal("no connected")
	}

	s.Reject(true)
	ws.Close()

	waitSignal(t, maximum, "maximum")
	select {
	case c := <-connected:
		assert.Equal(t, c, false)
	case <-time.After(testTimeout):
		t.Fatal("no disconnected after give up")
	}
	<-transport.Done()
	assert.Equal(t, transport.State(), TransportClosed)

	// signaled once
	transport.Close()
	select {
	case c := <-connected:
		t.Fatalf("unexpected connected %t", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransportSubscribeDuringReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	defer s.Close()

	reconnected := make(chan struct{}, 1)
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnReconnect: signal(reconnected),
		},
		testPushTransportSettings(),
	)
	defer transport.Close()

	ws := receiveConn(t, s)
	for !transport.IsOpen() {
		time.Sleep(10 * time.Millisecond)
	}

	ws.Close()

	// subscribes race the close, the reopen, and the replay
	n := 32
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(i*5) * time.Millisecond)
			transport.Subscribe(Subscription{Model: ObjectTypeTask, Id: fmt.Sprintf("t%d", i)})
		}(i)
	}

	receiveConn(t, s)
	waitSignal(t, reconnected, "reconnect")
	wg.Wait()

	counts := map[string]int{}
	for {
		select {
		case frame := <-s.frames:
			counts[frame.Id] += 1
			continue
		case <-time.After(500 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, len(counts), n)
	for id, count := range counts {
		if count != 1 {
			t.Fatalf("%s sent %d times", id, count)
		}
	}
}

func TestTransportPanickingHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newTestPushServer(nil)
	defer s.Close()

	messages := make(chan string, 16)
	transport := NewPushTransport(
		ctx,
		s.Url(),
		nil,
		NewSubscriptionRegistry(),
		&PushTransportHandlers{
			OnMessage: func(message []byte) {
				if string(message) == "panic" {
					panic("handler failure")
				}
				messages <- string(message)
			},
		},
		testPushTransportSettings(),
	)
	defer transport.Close()

	ws := receiveConn(t, s)
	ws.WriteMessage(websocket.TextMessage, []byte("panic"))
	ws.WriteMessage(websocket.TextMessage, []byte("after"))

	select {
	case message := <-messages:
		assert.Equal(t, message, "after")
	case <-time.After(testTimeout):
		t.Fatal("read loop did not survive")
	}
}
