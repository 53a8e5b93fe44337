package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"IMGateway/logger"
	"IMGateway/module/chat/model"
	"IMGateway/service/storage"
	"IMGateway/tools/errs"
	"IMGateway/tools/ids"
)

const (
	registerLockWait = 5 * time.Second
	registerLockHold = 15 * time.Second

	unregisterLockWait = 5 * time.Second
	unregisterLockHold = 10 * time.Second
)

// RouteStore is the shared presence view the registry keeps in sync
// with its local connection table.
type RouteStore interface {
	Put(ctx context.Context, userID int64, deviceID string, r storage.Route) error
	Get(ctx context.Context, userID int64, deviceID string) (storage.Route, bool, error)
	DeleteIfSession(ctx context.Context, userID int64, deviceID, sessionID string) (bool, error)
}

// DeviceTracker records which devices a user has connected from.
type DeviceTracker interface {
	Touch(ctx context.Context, userID int64, deviceID string) error
}

// Locker guards register and unregister critical sections per device.
type Locker interface {
	TryLock(ctx context.Context, key string, wait, hold time.Duration) (func(), error)
}

// EvictionPublisher tells the node owning a stale session to drop it.
type EvictionPublisher interface {
	PublishOffline(ctx context.Context, n *model.OfflineNotification) error
}

func deviceLockKey(userID int64, deviceID string) string {
	return fmt.Sprintf("lock:user:device:%d:%s", userID, deviceID)
}

func deviceKey(userID int64, deviceID string) string {
	return fmt.Sprintf("%d:%s", userID, deviceID)
}

// Registry binds sockets to (user, device) identities. At most one
// registered connection per device exists across the cluster; a new
// login anywhere evicts the old session, local or remote. Registration
// blocks on redis and the lock, so it runs off the connection loop and
// re-validates its fencing token at every loop checkpoint.
type Registry struct {
	node string

	mu    sync.RWMutex
	conns map[string]*Conn // deviceKey -> registered conn

	routes  RouteStore
	devices DeviceTracker
	locker  Locker
	evictor EvictionPublisher
}

func NewRegistry(node string, routes RouteStore, devices DeviceTracker, locker Locker, evictor EvictionPublisher) *Registry {
	return &Registry{
		node:    node,
		conns:   make(map[string]*Conn),
		routes:  routes,
		devices: devices,
		locker:  locker,
		evictor: evictor,
	}
}

func (r *Registry) Node() string { return r.node }

// Register binds conn to (userID, deviceID) and returns the session id.
//
// The conn may have been closed, or a second register raced onto the
// same socket, at any point while this goroutine was blocked on the
// lock or on redis. Each loop checkpoint compares the fencing token
// taken at the start; a mismatch means this registration lost and must
// not touch shared state any further.
func (r *Registry) Register(ctx context.Context, conn *Conn, userID int64, deviceID string) (string, error) {
	if userID <= 0 || deviceID == "" {
		return "", errs.ErrArgs.WrapMsg("userID and deviceID required")
	}

	token := ids.Generate()
	sessionID := ids.GenerateString()

	// checkpoint 1: claim the connection
	var claimErr error
	existingSession := ""
	err := conn.runOnLoopWait(func(st *connState) {
		if st.registered {
			if st.userID == userID && st.deviceID == deviceID {
				existingSession = st.sessionID
				return
			}
			claimErr = errs.ErrArgs.WrapMsg("registered to another identity")
			return
		}
		if st.regToken != 0 {
			claimErr = errs.ErrRegisterInProgress.Wrap()
			return
		}
		st.regToken = token
		st.userID = userID
		st.deviceID = deviceID
		st.sessionID = sessionID
	})
	if err != nil {
		return "", err
	}
	if claimErr != nil {
		return "", claimErr
	}
	if existingSession != "" {
		// same identity on the same socket, nothing to redo
		return existingSession, nil
	}

	rollbackClaim := func() {
		_ = conn.runOnLoopWait(func(st *connState) {
			if st.regToken == token {
				st.regToken = 0
				st.userID = 0
				st.deviceID = ""
				st.sessionID = ""
			}
		})
	}

	unlock, err := r.locker.TryLock(ctx, deviceLockKey(userID, deviceID), registerLockWait, registerLockHold)
	if err != nil {
		rollbackClaim()
		return "", err
	}
	defer unlock()

	oldRoute, hadOld, err := r.routes.Get(ctx, userID, deviceID)
	if err != nil {
		rollbackClaim()
		return "", errs.WrapMsg(err, "route lookup", "user", userID, "device", deviceID)
	}

	// checkpoint 2: the socket must still be ours before we bind it
	valid := false
	err = conn.runOnLoopWait(func(st *connState) { valid = st.regToken == token })
	if err != nil || !valid {
		rollbackClaim()
		return "", errs.ErrRegisterSuperseded.Wrap()
	}

	// local bind first: a failed distributed write then only needs a
	// local rollback, never leaves an orphaned route
	key := deviceKey(userID, deviceID)
	r.mu.Lock()
	prev := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()
	if prev != nil && prev != conn {
		prev.Close()
	}

	rollbackBind := func() {
		r.mu.Lock()
		if r.conns[key] == conn {
			delete(r.conns, key)
		}
		r.mu.Unlock()
		rollbackClaim()
	}

	// checkpoint 3: the bind may have been superseded while installing
	valid = false
	err = conn.runOnLoopWait(func(st *connState) { valid = st.regToken == token })
	if err != nil || !valid {
		rollbackBind()
		return "", errs.ErrRegisterSuperseded.Wrap()
	}

	route := storage.Route{Node: r.node, SessionID: sessionID, Timestamp: time.Now().UnixMilli()}
	if err := r.routes.Put(ctx, userID, deviceID, route); err != nil {
		rollbackBind()
		return "", errs.WrapMsg(err, "route publish", "user", userID, "device", deviceID)
	}
	if err := r.devices.Touch(ctx, userID, deviceID); err != nil {
		logger.Warnf("[registry] device touch failed user=%d device=%s err=%v", userID, deviceID, err)
	}

	// checkpoint 4: commit, or roll everything back
	committed := false
	err = conn.runOnLoopWait(func(st *connState) {
		if st.regToken == token {
			st.registered = true
			st.regToken = 0
			committed = true
		}
	})
	if err != nil || !committed {
		if _, derr := r.routes.DeleteIfSession(ctx, userID, deviceID, sessionID); derr != nil {
			logger.Warnf("[registry] route rollback failed user=%d device=%s err=%v", userID, deviceID, derr)
		}
		rollbackBind()
		return "", errs.ErrRegisterSuperseded.Wrap()
	}

	// the old session is kicked only after the new one is committed,
	// so a failed registration never costs anyone their connection
	if hadOld && oldRoute.Node != r.node {
		n := &model.OfflineNotification{
			UserID:     userID,
			DeviceID:   deviceID,
			TargetNode: oldRoute.Node,
			SessionID:  oldRoute.SessionID,
			Reason:     model.OfflineReasonNewLogin,
		}
		if err := r.evictor.PublishOffline(ctx, n); err != nil {
			logger.Warnf("[registry] offline notify failed node=%s user=%d device=%s err=%v", oldRoute.Node, userID, deviceID, err)
		}
	}

	logger.Infof("[registry] registered user=%d device=%s session=%s node=%s", userID, deviceID, sessionID, r.node)
	return sessionID, nil
}

// Unregister tears down conn's binding. A route that has moved on to a
// newer session is left alone.
func (r *Registry) Unregister(ctx context.Context, conn *Conn) error {
	var st connState
	err := conn.runOnLoopWait(func(s *connState) {
		st = *s
		s.registered = false
		s.regToken = 0
	})
	if err != nil {
		// loop is gone, fall back to the last snapshot we can't take;
		// local map cleanup below still runs via pointer comparison
		st = connState{}
	}
	if st.sessionID == "" {
		r.dropConnPointer(conn)
		return nil
	}

	unlock, lerr := r.locker.TryLock(ctx, deviceLockKey(st.userID, st.deviceID), unregisterLockWait, unregisterLockHold)
	if lerr != nil {
		return lerr
	}
	defer unlock()

	key := deviceKey(st.userID, st.deviceID)
	r.mu.Lock()
	if r.conns[key] == conn {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	if _, err := r.routes.DeleteIfSession(ctx, st.userID, st.deviceID, st.sessionID); err != nil {
		return errs.WrapMsg(err, "route delete", "user", st.userID, "device", st.deviceID)
	}
	logger.Infof("[registry] unregistered user=%d device=%s session=%s", st.userID, st.deviceID, st.sessionID)
	return nil
}

func (r *Registry) dropConnPointer(conn *Conn) {
	r.mu.Lock()
	for k, c := range r.conns {
		if c == conn {
			delete(r.conns, k)
		}
	}
	r.mu.Unlock()
}

// BoundUserID reports the user a connection is registered as.
func (r *Registry) BoundUserID(conn *Conn) (int64, bool) {
	st, err := conn.Snapshot()
	if err != nil || !st.registered {
		return 0, false
	}
	return st.userID, true
}

// GetRegisteredConn returns the live local connection for a device.
func (r *Registry) GetRegisteredConn(userID int64, deviceID string) (*Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[deviceKey(userID, deviceID)]
	r.mu.RUnlock()
	if !ok || c.IsClosed() {
		return nil, false
	}
	return c, true
}

// PushLocal delivers a server push to a locally registered device,
// verifying the session still matches before writing.
func (r *Registry) PushLocal(ctx context.Context, userID int64, deviceID, sessionID string, packetType int32, data any) error {
	conn, ok := r.GetRegisteredConn(userID, deviceID)
	if !ok {
		return errs.ErrNotFound.WrapMsg("no local conn", "user", userID, "device", deviceID)
	}
	st, err := conn.Snapshot()
	if err != nil {
		return err
	}
	if !st.registered || (sessionID != "" && st.sessionID != sessionID) {
		return errs.ErrNotFound.WrapMsg("session moved on", "user", userID, "device", deviceID)
	}
	return conn.SendPacket(packetType, data)
}

// Kick force-closes a device's session wherever it lives, used by the
// admin endpoint. A session on another node is evicted via the broker.
func (r *Registry) Kick(ctx context.Context, userID int64, deviceID string) error {
	if userID <= 0 || deviceID == "" {
		return errs.ErrArgs.WrapMsg("userID and deviceID required")
	}
	route, ok, err := r.routes.Get(ctx, userID, deviceID)
	if err != nil {
		return errs.WrapMsg(err, "route lookup", "user", userID, "device", deviceID)
	}
	if !ok {
		return errs.ErrNotFound.WrapMsg("device not online", "user", userID, "device", deviceID)
	}
	if route.Node == r.node {
		r.evictLocal(ctx, userID, deviceID, route.SessionID, model.OfflineReasonKicked)
		return nil
	}
	return r.evictor.PublishOffline(ctx, &model.OfflineNotification{
		UserID:     userID,
		DeviceID:   deviceID,
		TargetNode: route.Node,
		SessionID:  route.SessionID,
		Reason:     model.OfflineReasonKicked,
	})
}

// HandleOffline serves a cross-node eviction aimed at this node.
func (r *Registry) HandleOffline(ctx context.Context, n *model.OfflineNotification) {
	if n.TargetNode != "" && n.TargetNode != r.node {
		return
	}
	r.evictLocal(ctx, n.UserID, n.DeviceID, n.SessionID, n.Reason)
}

// evictLocal closes the local session for (userID, deviceID) when it
// matches sessionID. An empty sessionID evicts unconditionally.
func (r *Registry) evictLocal(ctx context.Context, userID int64, deviceID, sessionID, reason string) {
	conn, ok := r.GetRegisteredConn(userID, deviceID)
	if !ok {
		// no live socket, but the route may still be ours to clear
		if sessionID != "" {
			if _, err := r.routes.DeleteIfSession(ctx, userID, deviceID, sessionID); err != nil {
				logger.Warnf("[registry] stale route delete failed user=%d device=%s err=%v", userID, deviceID, err)
			}
		}
		return
	}
	st, err := conn.Snapshot()
	if err == nil && sessionID != "" && st.sessionID != sessionID {
		return
	}

	key := deviceKey(userID, deviceID)
	r.mu.Lock()
	if r.conns[key] == conn {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	if st.sessionID != "" {
		if _, err := r.routes.DeleteIfSession(ctx, userID, deviceID, st.sessionID); err != nil {
			logger.Warnf("[registry] evicted route delete failed user=%d device=%s err=%v", userID, deviceID, err)
		}
	}
	conn.Close()
	logger.Infof("[registry] evicted user=%d device=%s session=%s reason=%s", userID, deviceID, st.sessionID, reason)
}
