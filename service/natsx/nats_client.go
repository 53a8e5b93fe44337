package natsx

import (
	"context"
	"encoding/json"
	"time"

	"IMGateway/logger"
	"IMGateway/module/chat/model"
	"IMGateway/tools/errs"

	"github.com/nats-io/nats.go"
)

// Per-node subjects. Every gateway node subscribes to its own pair,
// so forwards and evictions land exactly on the node that owns the
// socket.
const (
	messageSubjectPrefix = "websocket-message-"
	offlineSubjectPrefix = "offline-connect-"

	// one consumer per subject even if a node is scaled out
	queueGroup = "gateway"
)

func MessageSubject(node string) string { return messageSubjectPrefix + node }
func OfflineSubject(node string) string { return offlineSubjectPrefix + node }

// Client wraps the NATS connection with the two message shapes the
// gateway exchanges between nodes.
type Client struct {
	nc *nats.Conn
}

// Dial connects with endless reconnects; a gateway node without its
// broker cannot forward anything, so it keeps trying.
func Dial(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("[natsx] disconnected err=%v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("[natsx] reconnected url=%s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "url", url)
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		c.nc.Close()
	}
}

// PublishMessage forwards a message to the node owning the receiver.
func (c *Client) PublishMessage(ctx context.Context, node string, m *model.SendMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errs.WrapMsg(err, "marshal forward")
	}
	return errs.WrapMsg(c.nc.Publish(MessageSubject(node), b), "publish forward", "node", node)
}

// PublishOffline asks another node to drop a stale session.
func (c *Client) PublishOffline(ctx context.Context, n *model.OfflineNotification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return errs.WrapMsg(err, "marshal offline")
	}
	return errs.WrapMsg(c.nc.Publish(OfflineSubject(n.TargetNode), b), "publish offline", "node", n.TargetNode)
}

// SubscribeMessages consumes this node's forwarded-message subject.
// Frames that do not decode are logged and dropped; there is nothing
// a retry would fix.
func (c *Client) SubscribeMessages(node string, handle func(m *model.SendMessage)) (*nats.Subscription, error) {
	subj := MessageSubject(node)
	sub, err := c.nc.QueueSubscribe(subj, queueGroup, func(msg *nats.Msg) {
		var m model.SendMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logger.Errorf("[natsx] drop undecodable forward subject=%s err=%v", subj, err)
			return
		}
		handle(&m)
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "subscribe", "subject", subj)
	}
	return sub, nil
}

// SubscribeOffline consumes this node's eviction subject.
func (c *Client) SubscribeOffline(node string, handle func(n *model.OfflineNotification)) (*nats.Subscription, error) {
	subj := OfflineSubject(node)
	sub, err := c.nc.QueueSubscribe(subj, queueGroup, func(msg *nats.Msg) {
		var n model.OfflineNotification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			logger.Errorf("[natsx] drop undecodable offline subject=%s err=%v", subj, err)
			return
		}
		handle(&n)
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "subscribe", "subject", subj)
	}
	return sub, nil
}
