// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/duvitech/iot-edge/pkg/ioerr"
	"github.com/duvitech/iot-edge/pkg/message"
	"github.com/duvitech/iot-edge/pkg/transport"
	"github.com/duvitech/iot-edge/pkg/wire"
)

// fakeModule is a minimal ModuleCapabilities + Starter implementation used
// to exercise the control-directive dispatch without a real remote module.
type fakeModule struct {
	mu          sync.Mutex
	created     int
	started     int
	destroyed   int
	received    []message.Message
	failCreate  bool
	handleValue any
}

func newFakeModule() *fakeModule {
	return &fakeModule{handleValue: "handle"}
}

func (m *fakeModule) Create(cfg []byte) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate {
		return nil, errors.New("create failed")
	}
	m.created++
	return m.handleValue, nil
}

func (m *fakeModule) Start(handle any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *fakeModule) Destroy(handle any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed++
	return nil
}

func (m *fakeModule) Receive(handle any, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, msg)
	return nil
}

func (m *fakeModule) snapshot() (created, started, destroyed int, received []message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]message.Message, len(m.received))
	copy(out, m.received)
	return m.created, m.started, m.destroyed, out
}

func hostAddrs(t *testing.T) (string, string) {
	t.Helper()
	n := time.Now().UnixNano()
	return fmt.Sprintf("inproc://host-test-ctl-%d", n), fmt.Sprintf("inproc://host-test-msg-%d", n)
}

// fakeProxyClient drives the control channel the way pkg/proxy does: it
// dials (the Host always listens) and exchanges Create/Start/Destroy/Reply
// frames.
type fakeProxyClient struct {
	ctl *transport.Endpoint
	msg *transport.Endpoint
}

func dialFakeProxy(t *testing.T, ctlAddr string) *fakeProxyClient {
	t.Helper()
	ctl, err := transport.Dial(ctlAddr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	if err := ctl.SetSendTimeout(200 * time.Millisecond); err != nil {
		t.Fatalf("set send timeout: %v", err)
	}
	if err := ctl.SetRecvTimeout(200 * time.Millisecond); err != nil {
		t.Fatalf("set recv timeout: %v", err)
	}
	return &fakeProxyClient{ctl: ctl}
}

func (c *fakeProxyClient) sendCreate(t *testing.T, messageURL string) *wire.ReplyFrame {
	t.Helper()
	frame := &wire.CreateFrame{GatewayMessageVersion: wire.Version, URI: messageURL, URIType: wire.SocketTypePair}
	if err := c.ctl.Send(wire.EncodeFrame(frame)); err != nil {
		t.Fatalf("send create: %v", err)
	}
	return c.recvReply(t)
}

func (c *fakeProxyClient) sendStart(t *testing.T) *wire.ReplyFrame {
	t.Helper()
	if err := c.ctl.Send(wire.EncodeFrame(&wire.StartFrame{})); err != nil {
		t.Fatalf("send start: %v", err)
	}
	return c.recvReply(t)
}

func (c *fakeProxyClient) sendDestroy(t *testing.T) *wire.ReplyFrame {
	t.Helper()
	if err := c.ctl.Send(wire.EncodeFrame(&wire.DestroyFrame{})); err != nil {
		t.Fatalf("send destroy: %v", err)
	}
	return c.recvReply(t)
}

func (c *fakeProxyClient) recvReply(t *testing.T) *wire.ReplyFrame {
	t.Helper()
	data, err := c.ctl.Recv()
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	f, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	reply, ok := f.(*wire.ReplyFrame)
	if !ok {
		t.Fatalf("expected ReplyFrame, got %T", f)
	}
	return reply
}

func TestAttachRejectsNilModule(t *testing.T) {
	ctlAddr, _ := hostAddrs(t)
	_, err := Attach(nil, "conn-1", Config{ControlURL: ctlAddr})
	if err == nil {
		t.Fatal("Attach should reject a nil module")
	}
}

func TestAttachRejectsEmptyConnectionID(t *testing.T) {
	ctlAddr, _ := hostAddrs(t)
	_, err := Attach(newFakeModule(), "", Config{ControlURL: ctlAddr})
	if err == nil {
		t.Fatal("Attach should reject an empty connection id")
	}
}

func TestDoWorkDrivesCreateStartDestroy(t *testing.T) {
	ctlAddr, msgAddr := hostAddrs(t)
	mod := newFakeModule()

	h, err := Attach(mod, NewAttachmentID(), Config{ControlURL: ctlAddr})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer h.Detach()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				h.DoWork()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	client := dialFakeProxy(t, ctlAddr)
	defer client.ctl.Close()

	if reply := client.sendCreate(t, msgAddr); reply.Status != 0 {
		t.Fatalf("create reply status = %d, want 0", reply.Status)
	}
	if reply := client.sendStart(t); reply.Status != 0 {
		t.Fatalf("start reply status = %d, want 0", reply.Status)
	}

	created, started, _, _ := mod.snapshot()
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	if started != 1 {
		t.Fatalf("started = %d, want 1", started)
	}

	if reply := client.sendDestroy(t); reply.Status != 0 {
		t.Fatalf("destroy reply status = %d, want 0", reply.Status)
	}
	_, _, destroyed, _ := mod.snapshot()
	if destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", destroyed)
	}
}

func TestHostAliveReflectsAttachmentState(t *testing.T) {
	ctlAddr, msgAddr := hostAddrs(t)
	mod := newFakeModule()

	h, err := Attach(mod, NewAttachmentID(), Config{ControlURL: ctlAddr})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := h.Alive(); !errors.Is(err, ioerr.ErrNotAttached) {
		t.Fatalf("Alive before Create: got %v, want ErrNotAttached", err)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				h.DoWork()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	client := dialFakeProxy(t, ctlAddr)
	defer client.ctl.Close()

	if reply := client.sendCreate(t, msgAddr); reply.Status != 0 {
		t.Fatalf("create reply status = %d, want 0", reply.Status)
	}
	if err := h.Alive(); err != nil {
		t.Fatalf("Alive after Create: %v", err)
	}

	close(stop)
	if err := h.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := h.Alive(); !errors.Is(err, ioerr.ErrClosed) {
		t.Fatalf("Alive after Detach: got %v, want ErrClosed", err)
	}
}

func TestDoWorkReplyStatusNonZeroOnCreateFailure(t *testing.T) {
	ctlAddr, msgAddr := hostAddrs(t)
	mod := newFakeModule()
	mod.failCreate = true

	h, err := Attach(mod, NewAttachmentID(), Config{ControlURL: ctlAddr})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer h.Detach()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				h.DoWork()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	client := dialFakeProxy(t, ctlAddr)
	defer client.ctl.Close()

	reply := client.sendCreate(t, msgAddr)
	if reply.Status == 0 {
		t.Fatal("create reply status should be non-zero when module.Create fails")
	}
}

func TestDataChannelDeliversToModule(t *testing.T) {
	ctlAddr, msgAddr := hostAddrs(t)
	mod := newFakeModule()

	h, err := Attach(mod, NewAttachmentID(), Config{ControlURL: ctlAddr})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer h.Detach()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				h.DoWork()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	client := dialFakeProxy(t, ctlAddr)
	defer client.ctl.Close()
	if reply := client.sendCreate(t, msgAddr); reply.Status != 0 {
		t.Fatalf("create reply status = %d, want 0", reply.Status)
	}

	dataEP, err := transport.Dial(msgAddr)
	if err != nil {
		t.Fatalf("dial message: %v", err)
	}
	defer dataEP.Close()
	if err := dataEP.SetSendTimeout(200 * time.Millisecond); err != nil {
		t.Fatalf("set send timeout: %v", err)
	}
	if err := dataEP.Send([]byte("payload")); err != nil {
		t.Fatalf("send data: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, _, received := mod.snapshot(); len(received) == 1 {
			if string(received[0].ToBytes()) != "payload" {
				t.Fatalf("received payload = %q, want %q", received[0].ToBytes(), "payload")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("module never received the data frame")
}

func TestHostSendPushesToDataChannel(t *testing.T) {
	ctlAddr, msgAddr := hostAddrs(t)
	mod := newFakeModule()

	h, err := Attach(mod, NewAttachmentID(), Config{ControlURL: ctlAddr})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer h.Detach()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				h.DoWork()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	client := dialFakeProxy(t, ctlAddr)
	defer client.ctl.Close()
	if reply := client.sendCreate(t, msgAddr); reply.Status != 0 {
		t.Fatalf("create reply status = %d, want 0", reply.Status)
	}

	dataEP, err := transport.Dial(msgAddr)
	if err != nil {
		t.Fatalf("dial message: %v", err)
	}
	defer dataEP.Close()
	if err := dataEP.SetRecvTimeout(time.Second); err != nil {
		t.Fatalf("set recv timeout: %v", err)
	}

	if err := h.Send(message.Bytes("reply-payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	data, err := dataEP.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(data) != "reply-payload" {
		t.Fatalf("got %q, want %q", data, "reply-payload")
	}
}

func TestStartWorkerThreadAndHalt(t *testing.T) {
	ctlAddr, msgAddr := hostAddrs(t)
	mod := newFakeModule()

	h, err := Attach(mod, NewAttachmentID(), Config{ControlURL: ctlAddr, WorkerInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer h.Detach()

	if err := h.StartWorkerThread(); err != nil {
		t.Fatalf("StartWorkerThread: %v", err)
	}
	if err := h.StartWorkerThread(); err == nil {
		t.Fatal("second StartWorkerThread should fail while one is already running")
	}

	client := dialFakeProxy(t, ctlAddr)
	defer client.ctl.Close()
	if reply := client.sendCreate(t, msgAddr); reply.Status != 0 {
		t.Fatalf("create reply status = %d, want 0", reply.Status)
	}

	if err := h.HaltWorkerThread(); err != nil {
		t.Fatalf("HaltWorkerThread: %v", err)
	}
	if err := h.HaltWorkerThread(); err != nil {
		t.Fatalf("second HaltWorkerThread should be a no-op, got %v", err)
	}

	// A new worker cycle should be startable after a halt.
	if err := h.StartWorkerThread(); err != nil {
		t.Fatalf("StartWorkerThread after halt: %v", err)
	}
	if err := h.HaltWorkerThread(); err != nil {
		t.Fatalf("HaltWorkerThread: %v", err)
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	ctlAddr, _ := hostAddrs(t)
	mod := newFakeModule()

	h, err := Attach(mod, NewAttachmentID(), Config{ControlURL: ctlAddr})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := h.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := h.Detach(); err != nil {
		t.Fatalf("second Detach should no-op, got %v", err)
	}
}
