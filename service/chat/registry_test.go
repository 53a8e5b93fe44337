package chat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"IMGateway/module/chat/model"
	"IMGateway/service/storage"
	"IMGateway/tools/errs"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) RemoteAddr() net.Addr { return nil }

type memRouteStore struct {
	mu     sync.Mutex
	routes map[string]storage.Route
}

func newMemRouteStore() *memRouteStore {
	return &memRouteStore{routes: make(map[string]storage.Route)}
}

func (m *memRouteStore) Put(ctx context.Context, userID int64, deviceID string, r storage.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[deviceKey(userID, deviceID)] = r
	return nil
}

func (m *memRouteStore) Get(ctx context.Context, userID int64, deviceID string) (storage.Route, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[deviceKey(userID, deviceID)]
	return r, ok, nil
}

func (m *memRouteStore) DeleteIfSession(ctx context.Context, userID int64, deviceID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := deviceKey(userID, deviceID)
	if r, ok := m.routes[k]; ok && r.SessionID == sessionID {
		delete(m.routes, k)
		return true, nil
	}
	return false, nil
}

type nopTracker struct{}

func (nopTracker) Touch(context.Context, int64, string) error { return nil }

type stubLocker struct{}

func (stubLocker) TryLock(ctx context.Context, key string, wait, hold time.Duration) (func(), error) {
	return func() {}, nil
}

// wireEvictor delivers offline notifications straight into the target
// registry, standing in for the broker.
type wireEvictor struct {
	mu    sync.Mutex
	nodes map[string]*Registry
}

func newWireEvictor() *wireEvictor {
	return &wireEvictor{nodes: make(map[string]*Registry)}
}

func (w *wireEvictor) attach(r *Registry) {
	w.mu.Lock()
	w.nodes[r.Node()] = r
	w.mu.Unlock()
}

func (w *wireEvictor) PublishOffline(ctx context.Context, n *model.OfflineNotification) error {
	w.mu.Lock()
	target := w.nodes[n.TargetNode]
	w.mu.Unlock()
	if target != nil {
		target.HandleOffline(ctx, n)
	}
	return nil
}

func newTestRegistry(node string, routes RouteStore, ev EvictionPublisher) *Registry {
	return NewRegistry(node, routes, nopTracker{}, stubLocker{}, ev)
}

func TestRegisterAndUnregister(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	conn := newConn(&fakeSocket{})
	session, err := reg.Register(ctx, conn, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if session == "" {
		t.Fatal("empty session id")
	}

	r, ok, _ := routes.Get(ctx, 10, "dev-a")
	if !ok || r.Node != "gw-1" || r.SessionID != session {
		t.Fatalf("route = %+v ok=%v", r, ok)
	}
	if _, ok := reg.GetRegisteredConn(10, "dev-a"); !ok {
		t.Fatal("conn not registered locally")
	}

	if err := reg.Unregister(ctx, conn); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok, _ := routes.Get(ctx, 10, "dev-a"); ok {
		t.Fatal("route survived unregister")
	}
	if _, ok := reg.GetRegisteredConn(10, "dev-a"); ok {
		t.Fatal("conn survived unregister")
	}
}

func TestSecondLoginEvictsFirstSameNode(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	sock1 := &fakeSocket{}
	conn1 := newConn(sock1)
	if _, err := reg.Register(ctx, conn1, 10, "dev-a"); err != nil {
		t.Fatalf("Register conn1: %v", err)
	}

	conn2 := newConn(&fakeSocket{})
	session2, err := reg.Register(ctx, conn2, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register conn2: %v", err)
	}

	if !conn1.IsClosed() {
		t.Fatal("first login not evicted")
	}
	r, ok, _ := routes.Get(ctx, 10, "dev-a")
	if !ok || r.SessionID != session2 {
		t.Fatalf("route = %+v, want session %s", r, session2)
	}
	got, ok := reg.GetRegisteredConn(10, "dev-a")
	if !ok || got != conn2 {
		t.Fatal("registry does not hold the new conn")
	}
}

func TestSecondLoginEvictsFirstAcrossNodes(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	regA := newTestRegistry("gw-a", routes, ev)
	regB := newTestRegistry("gw-b", routes, ev)
	ev.attach(regA)
	ev.attach(regB)
	ctx := context.Background()

	conn1 := newConn(&fakeSocket{})
	if _, err := regA.Register(ctx, conn1, 10, "dev-a"); err != nil {
		t.Fatalf("Register on A: %v", err)
	}

	conn2 := newConn(&fakeSocket{})
	session2, err := regB.Register(ctx, conn2, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register on B: %v", err)
	}

	if !conn1.IsClosed() {
		t.Fatal("session on A not evicted")
	}
	if _, ok := regA.GetRegisteredConn(10, "dev-a"); ok {
		t.Fatal("A still holds the conn")
	}
	r, ok, _ := routes.Get(ctx, 10, "dev-a")
	if !ok || r.Node != "gw-b" || r.SessionID != session2 {
		t.Fatalf("route = %+v, want gw-b/%s", r, session2)
	}
}

func TestStaleUnregisterKeepsNewRoute(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	conn1 := newConn(&fakeSocket{})
	if _, err := reg.Register(ctx, conn1, 10, "dev-a"); err != nil {
		t.Fatalf("Register conn1: %v", err)
	}
	conn2 := newConn(&fakeSocket{})
	session2, err := reg.Register(ctx, conn2, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register conn2: %v", err)
	}

	// the evicted connection's teardown arrives late
	_ = reg.Unregister(ctx, conn1)

	r, ok, _ := routes.Get(ctx, 10, "dev-a")
	if !ok || r.SessionID != session2 {
		t.Fatalf("route = %+v ok=%v, want session %s", r, ok, session2)
	}
	if _, ok := reg.GetRegisteredConn(10, "dev-a"); !ok {
		t.Fatal("new conn lost its registration")
	}
}

// supersedeLocker closes the connection while registration waits on
// the lock, exercising the fencing checkpoint.
type supersedeLocker struct {
	conn *Conn
}

func (l *supersedeLocker) TryLock(ctx context.Context, key string, wait, hold time.Duration) (func(), error) {
	l.conn.Close()
	return func() {}, nil
}

func TestRegisterAbortsWhenConnDiesUnderLock(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	conn := newConn(&fakeSocket{})
	reg := NewRegistry("gw-1", routes, nopTracker{}, &supersedeLocker{conn: conn}, ev)
	ev.attach(reg)

	_, err := reg.Register(context.Background(), conn, 10, "dev-a")
	if !errs.ErrRegisterSuperseded.Is(err) {
		t.Fatalf("Register err = %v, want superseded", err)
	}
	if _, ok, _ := routes.Get(context.Background(), 10, "dev-a"); ok {
		t.Fatal("aborted registration left a route behind")
	}
	if _, ok := reg.GetRegisteredConn(10, "dev-a"); ok {
		t.Fatal("aborted registration left a local conn")
	}
}

func TestStaleEvictionNoticeIsIgnored(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	conn1 := newConn(&fakeSocket{})
	session1, err := reg.Register(ctx, conn1, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register conn1: %v", err)
	}
	conn2 := newConn(&fakeSocket{})
	session2, err := reg.Register(ctx, conn2, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register conn2: %v", err)
	}

	// a notice aimed at the superseded session arrives late
	reg.HandleOffline(ctx, &model.OfflineNotification{
		UserID:     10,
		DeviceID:   "dev-a",
		TargetNode: "gw-1",
		SessionID:  session1,
		Reason:     model.OfflineReasonNewLogin,
	})

	if conn2.IsClosed() {
		t.Fatal("stale notice closed the new session")
	}
	r, ok, _ := routes.Get(ctx, 10, "dev-a")
	if !ok || r.SessionID != session2 {
		t.Fatalf("route = %+v ok=%v, want session %s", r, ok, session2)
	}
}

func TestRegisterIsIdempotentForSameIdentity(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	conn := newConn(&fakeSocket{})
	session, err := reg.Register(ctx, conn, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	again, err := reg.Register(ctx, conn, 10, "dev-a")
	if err != nil {
		t.Fatalf("repeat Register: %v", err)
	}
	if again != session {
		t.Fatalf("repeat session = %s, want %s", again, session)
	}

	// but the socket cannot re-register as someone else
	if _, err := reg.Register(ctx, conn, 11, "dev-a"); err == nil {
		t.Fatal("identity switch on a registered conn succeeded")
	}
}

func TestBoundUserID(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	conn := newConn(&fakeSocket{})
	if _, ok := reg.BoundUserID(conn); ok {
		t.Fatal("unregistered conn reports a user")
	}
	if _, err := reg.Register(ctx, conn, 10, "dev-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	uid, ok := reg.BoundUserID(conn)
	if !ok || uid != 10 {
		t.Fatalf("BoundUserID = %d/%v, want 10/true", uid, ok)
	}
}

func TestPushLocalSessionFencing(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	sock := &fakeSocket{}
	conn := newConn(sock)
	session, err := reg.Register(ctx, conn, 10, "dev-a")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.PushLocal(ctx, 10, "dev-a", session, PacketServerPush, map[string]any{"x": 1}); err != nil {
		t.Fatalf("PushLocal: %v", err)
	}
	if err := reg.PushLocal(ctx, 10, "dev-a", "someone-else", PacketServerPush, nil); err == nil {
		t.Fatal("push with a stale session succeeded")
	}

	// give the loop a moment to flush the frame
	deadline := time.Now().Add(time.Second)
	for {
		sock.mu.Lock()
		n := len(sock.frames)
		sock.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("frames = %d, want 1", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKickClosesLocalSession(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)
	ctx := context.Background()

	conn := newConn(&fakeSocket{})
	if _, err := reg.Register(ctx, conn, 10, "dev-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.Kick(ctx, 10, "dev-a"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if !conn.IsClosed() {
		t.Fatal("kicked connection still open")
	}
	if _, ok, _ := routes.Get(ctx, 10, "dev-a"); ok {
		t.Fatal("route survived the kick")
	}
}

func TestKickEvictsAcrossNodes(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg1 := newTestRegistry("gw-1", routes, ev)
	reg2 := newTestRegistry("gw-2", routes, ev)
	ev.attach(reg1)
	ev.attach(reg2)
	ctx := context.Background()

	conn := newConn(&fakeSocket{})
	if _, err := reg1.Register(ctx, conn, 10, "dev-a"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// admin request lands on the node that does not own the socket
	if err := reg2.Kick(ctx, 10, "dev-a"); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if !conn.IsClosed() {
		t.Fatal("kicked connection still open on the owning node")
	}
	if _, ok, _ := routes.Get(ctx, 10, "dev-a"); ok {
		t.Fatal("route survived the kick")
	}
}

func TestKickUnknownDevice(t *testing.T) {
	routes := newMemRouteStore()
	ev := newWireEvictor()
	reg := newTestRegistry("gw-1", routes, ev)
	ev.attach(reg)

	if err := reg.Kick(context.Background(), 10, "dev-a"); !errs.ErrNotFound.Is(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}
