package replica

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// Pushes updates to attached receivers over websockets. Each attach gets
// its own Conn, created on auth and discarded when the socket closes; a
// receiver that reconnects starts from an empty baseline and converges via
// a full resend joined on identity.
//
// Which receivers to serve and when to schedule them beyond the update
// monitor is the caller's concern. While receivers are attached, all
// storage mutation on the collection must go through `Collection.Update`;
// attached connections encode at any time.

type SenderTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	collection *Collection

	settings *TransportSettings

	upgrader *websocket.Upgrader
}

func NewSenderTransportWithDefaults(ctx context.Context, collection *Collection) *SenderTransport {
	return NewSenderTransport(ctx, collection, DefaultTransportSettings())
}

func NewSenderTransport(ctx context.Context, collection *Collection, settings *TransportSettings) *SenderTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SenderTransport{
		ctx:        cancelCtx,
		cancel:     cancel,
		collection: collection,
		settings:   settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
	}
}

// http.HandlerFunc
func (self *SenderTransport) HandleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}
	go self.serve(ws)
}

func (self *SenderTransport) serve(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[s]auth read error = %s\n", err)
		return
	}
	if messageType != websocket.BinaryMessage {
		glog.Infof("[s]auth error: unexpected message type\n")
		return
	}
	auth, err := DecodeReceiverAuth(authBytes)
	if err != nil {
		glog.Infof("[s]auth decode error = %s\n", err)
		return
	}
	receiverId, err := auth.ReceiverId()
	if err != nil {
		glog.Infof("[s]auth error = %s\n", err)
		return
	}

	// echo the auth to confirm attach
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return
	}

	conn := NewConn()
	glog.V(1).Infof("[s]attach %s as %s\n", receiverId, conn)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// drain the read side to notice the peer going away
	go func() {
		defer handleCancel()
		for {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			if _, _, err := ws.ReadMessage(); err != nil {
				glog.V(2).Infof("[s]%s<- closed = %s\n", receiverId, err)
				return
			}
		}
	}()

	send := func() error {
		b, err := self.collection.EncodeUpdate(conn)
		if err != nil {
			return err
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteMessage(websocket.BinaryMessage, b)
	}

	// arm before each send so a mark landing mid-send is not lost
	notify := self.collection.UpdateMonitor().NotifyChannel()

	// initial full state for this baseline
	if err := send(); err != nil {
		glog.Infof("[s]%s-> error = %s\n", receiverId, err)
		return
	}

	for {
		select {
		case <-handleCtx.Done():
			return
		case <-notify:
			notify = self.collection.UpdateMonitor().NotifyChannel()
			if err := send(); err != nil {
				glog.Infof("[s]%s-> error = %s\n", receiverId, err)
				return
			}
			glog.V(2).Infof("[s]%s->\n", receiverId)
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *SenderTransport) Close() {
	self.cancel()
}

type ApplyFunction func(result *ApplyResult, err error)

// ReceiverTransport dials the sender, authenticates, and applies pushed
// updates to the local collection copy. Reconnects with a fresh Conn after
// transport failures. A protocol violation tears the session down like any
// other connection failure; the receiver's state was not touched.
type ReceiverTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	collection *Collection
	url        string
	auth       *ReceiverAuth

	// external signal that the resolver made progress
	resolveMonitor *Monitor

	settings *TransportSettings

	// serializes apply against resolution sweeps
	applyLock sync.Mutex

	applyCallbacks *CallbackList[ApplyFunction]
}

func NewReceiverTransportWithDefaults(
	ctx context.Context,
	collection *Collection,
	url string,
	auth *ReceiverAuth,
) *ReceiverTransport {
	return NewReceiverTransport(ctx, collection, url, auth, nil, DefaultTransportSettings())
}

func NewReceiverTransport(
	ctx context.Context,
	collection *Collection,
	url string,
	auth *ReceiverAuth,
	resolveMonitor *Monitor,
	settings *TransportSettings,
) *ReceiverTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &ReceiverTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		collection:     collection,
		url:            url,
		auth:           auth,
		resolveMonitor: resolveMonitor,
		settings:       settings,
		applyCallbacks: NewCallbackList[ApplyFunction](),
	}
	go transport.run()
	if resolveMonitor != nil {
		go transport.sweep()
	}
	return transport
}

func (self *ReceiverTransport) AddApplyCallback(applyCallback ApplyFunction) func() {
	callbackId := self.applyCallbacks.Add(applyCallback)
	return func() {
		self.applyCallbacks.Remove(callbackId)
	}
}

func (self *ReceiverTransport) apply(result *ApplyResult, err error) {
	for _, applyCallback := range self.applyCallbacks.Get() {
		func() {
			defer recover()
			applyCallback(result, err)
		}()
	}
}

func (self *ReceiverTransport) sweep() {
	for {
		notify := self.resolveMonitor.NotifyChannel()
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
			self.applyLock.Lock()
			hasMore := self.collection.RunResolutionSweep()
			self.applyLock.Unlock()
			glog.V(2).Infof("[r]sweep hasMore=%t\n", hasMore)
		}
	}
}

func (self *ReceiverTransport) run() {
	defer self.cancel()

	authBytes := self.auth.Encode()

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, fmt.Errorf("Auth response error: bad bytes.")
					}
				default:
					return nil, fmt.Errorf("Auth response error.")
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[r]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		// base state does not survive the session
		conn := NewConn()
		self.receive(ws, conn)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *ReceiverTransport) receive(ws *websocket.Conn, conn *Conn) {
	defer ws.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[r]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[r]ping <-\n")
				continue
			}

			self.applyLock.Lock()
			result, err := self.collection.ApplyUpdate(conn, message)
			self.applyLock.Unlock()
			self.apply(result, err)
			if err != nil {
				// protocol violations and decode failures are connection
				// fatal. Nothing was applied.
				glog.Infof("[r]apply error = %s\n", err)
				return
			}
			glog.V(2).Infof("[r]<- applied added=%d changed=%d removed=%d\n", len(result.AddedIds), len(result.ChangedIds), len(result.RemovedIds))
		default:
			glog.V(2).Infof("[r]other=%d <-\n", messageType)
		}
	}
}

func (self *ReceiverTransport) Close() {
	self.cancel()
}
