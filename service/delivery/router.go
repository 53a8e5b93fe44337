package delivery

import (
	"context"

	"IMGateway/logger"
	"IMGateway/module/chat/model"
	"IMGateway/service/chat"
	"IMGateway/service/storage"
	"IMGateway/tools/safe"
)

// RouteStore resolves which node owns a device's live session.
type RouteStore interface {
	Get(ctx context.Context, userID int64, deviceID string) (storage.Route, bool, error)
}

// DeviceLister enumerates the devices a user is known on.
type DeviceLister interface {
	List(ctx context.Context, userID int64) ([]string, error)
}

// LocalPusher writes a push frame to a locally registered device.
type LocalPusher interface {
	Node() string
	PushLocal(ctx context.Context, userID int64, deviceID, sessionID string, packetType int32, data any) error
}

// Forwarder hands a message to the broker subject of another node.
type Forwarder interface {
	PublishMessage(ctx context.Context, node string, m *model.SendMessage) error
}

// Router fans one message out to every device of a user. Per device it
// decides between local push, forward to the owning node, and drop.
type Router struct {
	routes  RouteStore
	devices DeviceLister
	local   LocalPusher
	forward Forwarder
}

func NewRouter(routes RouteStore, devices DeviceLister, local LocalPusher, forward Forwarder) *Router {
	return &Router{routes: routes, devices: devices, local: local, forward: forward}
}

// DeliverToUserDevices pushes m to every online device of userID,
// skipping excludeDeviceID (the device that originated the message).
// Offline devices are dropped; they catch up through pull-summary.
func (r *Router) DeliverToUserDevices(ctx context.Context, userID int64, excludeDeviceID string, m *model.SendMessage) {
	devices, err := r.devices.List(ctx, userID)
	if err != nil {
		logger.Errorf("[router] device list failed user=%d err=%v", userID, err)
		return
	}
	for _, deviceID := range devices {
		if deviceID == excludeDeviceID {
			continue
		}
		d := deviceID
		safe.Go(func() {
			r.deliverToOneDevice(ctx, userID, d, m)
		})
	}
}

// DeliverForwarded serves a message that another node forwarded here
// for one specific device.
func (r *Router) DeliverForwarded(ctx context.Context, m *model.SendMessage) {
	if m.ReceiverDeviceID == "" {
		logger.Warnf("[router] forwarded message without device user=%d msg=%d", m.TargetUserID, m.MessageID)
		return
	}
	r.deliverToOneDevice(ctx, m.TargetUserID, m.ReceiverDeviceID, m)
}

func (r *Router) deliverToOneDevice(ctx context.Context, userID int64, deviceID string, m *model.SendMessage) {
	route, ok, err := r.routes.Get(ctx, userID, deviceID)
	if err != nil {
		logger.Errorf("[router] route lookup failed user=%d device=%s err=%v", userID, deviceID, err)
		return
	}
	if !ok {
		logger.Debugf("[router] offline, dropping user=%d device=%s msg=%d", userID, deviceID, m.MessageID)
		return
	}

	if route.Node == r.local.Node() {
		if err := r.local.PushLocal(ctx, userID, deviceID, route.SessionID, chat.PacketServerPush, m); err != nil {
			logger.Warnf("[router] local push failed user=%d device=%s err=%v", userID, deviceID, err)
		}
		return
	}

	fwd := *m
	fwd.ReceiverDeviceID = deviceID
	if err := r.forward.PublishMessage(ctx, route.Node, &fwd); err != nil {
		logger.Errorf("[router] forward failed node=%s user=%d device=%s err=%v", route.Node, userID, deviceID, err)
	}
}
