package chat

import (
	"context"

	"IMGateway/logger"
	"IMGateway/tools/errs"

	pkgerrors "github.com/pkg/errors"
)

// WsContext carries one frame's identity through its handler. It is
// only built for registered connections.
type WsContext struct {
	Ctx       context.Context
	Conn      *Conn
	UserID    int64
	DeviceID  string
	SessionID string
}

type HandlerFunc func(c *WsContext, env *Envelope) error

// Dispatcher routes inbound frames by packet type.
type Dispatcher struct {
	handlers map[int32]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[int32]HandlerFunc)}
}

func (d *Dispatcher) Register(packetType int32, h HandlerFunc) {
	d.handlers[packetType] = h
}

// Dispatch runs the handler for env and turns failures into 4xx
// frames on the connection.
func (d *Dispatcher) Dispatch(c *WsContext, env *Envelope) {
	h, ok := d.handlers[env.PacketType]
	if !ok {
		logger.Warnf("[dispatch] unknown packetType=%d user=%d", env.PacketType, c.UserID)
		d.reply4xx(c, errs.ErrArgs.WrapMsg("unknown packetType"))
		return
	}
	if err := h(c, env); err != nil {
		logger.Warnf("[dispatch] handler failed packetType=%d user=%d err=%v", env.PacketType, c.UserID, err)
		d.reply4xx(c, err)
	}
}

func (d *Dispatcher) reply4xx(c *WsContext, err error) {
	packetType := PacketInvalidFormat
	data := ErrorData{Code: errs.ErrArgs.Code, Msg: errs.ErrArgs.Msg}

	var ce *errs.CodeError
	if pkgerrors.As(err, &ce) {
		data = ErrorData{Code: ce.Code, Msg: ce.Msg}
		if errs.ErrNoPermission.Is(err) {
			packetType = PacketNoPermission
		}
	}
	if serr := c.Conn.SendPacket(packetType, data); serr != nil {
		logger.Debugf("[dispatch] error reply failed user=%d err=%v", c.UserID, serr)
	}
}
