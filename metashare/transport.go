package metashare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// close reason sent when the session identity changes
const UserLoggedOutReason = "user logged out"

// transport state machine is:
// Disconnected
//
//	-> Connecting
//	-> Open
//	-> Reconnecting <-> Open
//	-> Closed (terminal)
type PushTransportState string

const (
	TransportDisconnected PushTransportState = "disconnected"
	TransportConnecting   PushTransportState = "connecting"
	TransportOpen         PushTransportState = "open"
	TransportReconnecting PushTransportState = "reconnecting"
	TransportClosed       PushTransportState = "closed"
)

func (self PushTransportState) IsTerminal() bool {
	return self == TransportClosed
}

var ErrNotOpen = errors.New("Transport is not open.")
var ErrTransportClosed = errors.New("Transport is closed.")

type PushTransportSettings struct {
	WsHandshakeTimeout time.Duration
	// delay between the start of one connect attempt and the next
	ReconnectTimeout time.Duration
	// how often a manual reconnect checks that the old connection is gone
	ReopenPollInterval time.Duration
	// how long the socket may stay closed before disconnected is signaled
	DisconnectGracePeriod time.Duration
	PingTimeout           time.Duration
	WriteTimeout          time.Duration
	// 0 disables the read deadline
	ReadTimeout time.Duration
	// consecutive failed connect attempts before giving up. 0 is unlimited.
	MaxAttempts int
}

func DefaultPushTransportSettings() *PushTransportSettings {
	pingTimeout := 15 * time.Second
	return &PushTransportSettings{
		WsHandshakeTimeout:    5 * time.Second,
		ReconnectTimeout:      1 * time.Second,
		ReopenPollInterval:    500 * time.Millisecond,
		DisconnectGracePeriod: 5 * time.Second,
		PingTimeout:           pingTimeout,
		WriteTimeout:          5 * time.Second,
		ReadTimeout:           3 * pingTimeout,
		MaxAttempts:           0,
	}
}

// every handler is optional. handlers run on transport goroutines under `HandleError`.
type PushTransportHandlers struct {
	// first open
	OnOpen func()
	// open after the connection was lost
	OnReconnect func()
	// raw inbound frame. malformed frames are passed through.
	OnMessage func(message []byte)
	// the attempt limit was exhausted and the transport closed
	OnMaximum func()
	OnClose   func(err error)
	OnError   func(err error)
	// the offline banner signal. false is only signaled after the grace period.
	OnConnected func(connected bool)
}

// PushTransport owns one logical push connection and reconnects it until closed.
// Subscription control frames issued while the socket is not open are held in the registry
// and flushed on the next open.
type PushTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	pushUrl  string
	header   http.Header
	registry *SubscriptionRegistry
	handlers *PushTransportHandlers

	settings *PushTransportSettings

	stateLock sync.Mutex
	state     PushTransportState
	ws        *websocket.Conn
	// set on any close, cleared on the open that follows
	lostConnection  bool
	manualReconnect bool
	connected       bool
	graceTimer      *time.Timer

	writeLock sync.Mutex

	reopen chan struct{}
}

func NewPushTransportWithDefaults(
	ctx context.Context,
	pushUrl string,
	header http.Header,
	registry *SubscriptionRegistry,
	handlers *PushTransportHandlers,
) *PushTransport {
	return NewPushTransport(
		ctx,
		pushUrl,
		header,
		registry,
		handlers,
		DefaultPushTransportSettings(),
	)
}

func NewPushTransport(
	ctx context.Context,
	pushUrl string,
	header http.Header,
	registry *SubscriptionRegistry,
	handlers *PushTransportHandlers,
	settings *PushTransportSettings,
) *PushTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	if handlers == nil {
		handlers = &PushTransportHandlers{}
	}
	transport := &PushTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		pushUrl:  pushUrl,
		header:   header,
		registry: registry,
		handlers: handlers,
		settings: settings,
		state:    TransportDisconnected,
		reopen:   make(chan struct{}, 1),
	}
	go transport.run()
	return transport
}

func (self *PushTransport) run() {
	defer func() {
		// closed is terminal, so a pending disconnect is signaled now rather than after the grace period
		fire := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.state = TransportClosed
			if self.graceTimer != nil {
				self.graceTimer.Stop()
				self.graceTimer = nil
			}
			if self.connected {
				self.connected = false
				fire = true
			}
		}()
		self.cancel()
		if fire {
			self.fireDisconnected()
		}
	}()

	attempts := 0
	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		self.stateLock.Lock()
		if self.lostConnection {
			self.state = TransportReconnecting
		} else {
			self.state = TransportConnecting
		}
		self.stateLock.Unlock()

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.pushUrl, self.header)
			return ws, err
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[ws]connect %s", self.pushUrl), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			attempts += 1
			glog.Infof("[ws]connect error (%d) = %s\n", attempts, err)
			self.fireError(err)

			self.stateLock.Lock()
			self.lostConnection = true
			self.stateLock.Unlock()
			self.beginGrace()

			if 0 < self.settings.MaxAttempts && self.settings.MaxAttempts <= attempts {
				glog.Infof("[ws]give up after %d attempts\n", attempts)
				if self.handlers.OnMaximum != nil {
					HandleError(self.handlers.OnMaximum)
				}
				return
			}
			select {
			case <-self.ctx.Done():
				return
			case <-self.reopen:
				continue
			case <-reconnect.After():
				continue
			}
		}
		attempts = 0

		self.handleOpen(ws)
		readErr := self.serve(ws)
		manual := self.handleClose(readErr)

		if manual {
			// a manual reconnect reopens as soon as the old connection is observed closed
			select {
			case <-self.ctx.Done():
				return
			case <-self.reopen:
			}
		} else {
			reconnect = NewReconnect(self.settings.ReconnectTimeout)
			select {
			case <-self.ctx.Done():
				return
			case <-self.reopen:
			case <-reconnect.After():
			}
		}
	}
}

func (self *PushTransport) handleOpen(ws *websocket.Conn) {
	var reconnected bool
	var frames []SubscriptionFrame
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		reconnected = self.lostConnection
		self.lostConnection = false
		self.state = TransportOpen
		self.ws = ws
		self.connected = true
		if self.graceTimer != nil {
			self.graceTimer.Stop()
			self.graceTimer = nil
		}
		// drained under the state lock so a concurrent send cannot buffer after the flush
		frames = self.registry.Drain(reconnected)
	}()

	if reconnected {
		glog.V(1).Infof("[ws]reconnected %s\n", self.pushUrl)
	} else {
		glog.V(1).Infof("[ws]connected %s\n", self.pushUrl)
	}

	for _, frame := range frames {
		if err := self.write(ws, frame); err != nil {
			glog.Infof("[ws]flush error = %s\n", err)
			self.registry.Buffer(frame)
		}
	}

	if self.handlers.OnConnected != nil {
		HandleError(func() {
			self.handlers.OnConnected(true)
		})
	}
	if reconnected {
		if self.handlers.OnReconnect != nil {
			HandleError(self.handlers.OnReconnect)
		}
	} else {
		if self.handlers.OnOpen != nil {
			HandleError(self.handlers.OnOpen)
		}
	}
}

// serve pumps frames until the connection fails or the transport is closed
func (self *PushTransport) serve(ws *websocket.Conn) error {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	if 0 < self.settings.ReadTimeout {
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})
	}

	go func() {
		defer handleCancel()

		ticker := time.NewTicker(self.settings.PingTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(self.settings.WriteTimeout)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ws]ping error = %s\n", err)
					return
				}
			}
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		defer handleCancel()

		for {
			if 0 < self.settings.ReadTimeout {
				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			}
			_, message, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			glog.V(2).Infof("[ws]<- %s\n", message)
			if self.handlers.OnMessage != nil {
				HandleError(func() {
					self.handlers.OnMessage(message)
				})
			}
		}
	}()

	<-handleCtx.Done()
	select {
	case <-self.ctx.Done():
		// closed by the owner
		deadline := time.Now().Add(self.settings.WriteTimeout)
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
	default:
	}
	// unblocks the reader
	ws.Close()
	return <-readErr
}

// returns true when the close was requested by `Reconnect`
func (self *PushTransport) handleClose(err error) bool {
	var manual bool
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.ws = nil
		self.lostConnection = true
		manual = self.manualReconnect
		self.manualReconnect = false
		select {
		case <-self.ctx.Done():
			self.state = TransportClosed
		default:
			self.state = TransportReconnecting
		}
	}()

	if manual {
		glog.V(1).Infof("[ws]closed for reconnect\n")
	} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		glog.V(1).Infof("[ws]closed = %s\n", err)
	} else {
		select {
		case <-self.ctx.Done():
		default:
			glog.Infof("[ws]closed with error = %s\n", err)
			self.fireError(err)
		}
	}

	if self.handlers.OnClose != nil {
		HandleError(func() {
			self.handlers.OnClose(err)
		})
	}
	self.beginGrace()
	return manual
}

// after the grace period with no reopen, signal disconnected once
func (self *PushTransport) beginGrace() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.graceTimer != nil || !self.connected {
		return
	}
	self.graceTimer = time.AfterFunc(self.settings.DisconnectGracePeriod, func() {
		fire := false
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			self.graceTimer = nil
			if self.state != TransportOpen && self.connected {
				self.connected = false
				fire = true
			}
		}()
		if fire {
			self.fireDisconnected()
		}
	})
}

func (self *PushTransport) fireDisconnected() {
	glog.Infof("[ws]disconnected\n")
	if self.handlers.OnConnected != nil {
		HandleError(func() {
			self.handlers.OnConnected(false)
		})
	}
}

func (self *PushTransport) fireError(err error) {
	if self.handlers.OnError != nil {
		HandleError(func() {
			self.handlers.OnError(err)
		})
	}
}

func (self *PushTransport) write(ws *websocket.Conn, frame SubscriptionFrame) error {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		return err
	}
	glog.V(2).Infof("[ws]-> %s\n", frameBytes)
	return nil
}

// send records the intent and writes the frame now if open, else buffers it for the next open.
// The registry update and the open check share the state lock with `handleOpen`,
// so a frame is either replayed by the open or written after it, never both.
func (self *PushTransport) send(update func() SubscriptionFrame) {
	var ws *websocket.Conn
	var frame SubscriptionFrame
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		frame = update()
		if self.state == TransportOpen && self.ws != nil {
			ws = self.ws
		} else {
			self.registry.Buffer(frame)
		}
	}()
	if ws == nil {
		return
	}
	if err := self.write(ws, frame); err != nil {
		glog.Infof("[ws]write error = %s\n", err)
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		// a newer connection already replayed the active set
		if self.ws == ws || self.state != TransportOpen {
			self.registry.Buffer(frame)
		}
	}
}

func (self *PushTransport) Subscribe(sub Subscription) {
	self.send(func() SubscriptionFrame {
		return self.registry.Subscribe(sub)
	})
}

func (self *PushTransport) Unsubscribe(sub Subscription) {
	self.send(func() SubscriptionFrame {
		return self.registry.Unsubscribe(sub)
	})
}

// Reconnect closes the current connection and opens a new one.
// The close and reopen may race, so the reopen waits until the old connection is observed closed.
func (self *PushTransport) Reconnect() error {
	var ws *websocket.Conn
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ws = self.ws
		if ws != nil {
			self.manualReconnect = true
		}
	}()

	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	default:
	}

	if ws != nil {
		glog.V(1).Infof("[ws]reconnect\n")
		deadline := time.Now().Add(self.settings.WriteTimeout)
		ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, UserLoggedOutReason),
			deadline,
		)
		// the peer may never echo the close
		time.AfterFunc(self.settings.WriteTimeout, func() {
			ws.Close()
		})
	}

	go func() {
		ticker := time.NewTicker(self.settings.ReopenPollInterval)
		defer ticker.Stop()
		for self.IsOpenOn(ws) {
			select {
			case <-self.ctx.Done():
				return
			case <-ticker.C:
			}
		}
		select {
		case self.reopen <- struct{}{}:
		default:
		}
	}()
	return nil
}

// IsOpenOn is true while `ws` is still the open connection
func (self *PushTransport) IsOpenOn(ws *websocket.Conn) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return ws != nil && self.state == TransportOpen && self.ws == ws
}

func (self *PushTransport) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state == TransportOpen
}

func (self *PushTransport) State() PushTransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

func (self *PushTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *PushTransport) Close() {
	self.cancel()
}
