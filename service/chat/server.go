package chat

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"IMGateway/logger"
	"IMGateway/tools/errs"
	"IMGateway/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const registerDeadline = 30 * time.Second

// RegisterCommand is the first frame on a fresh socket; nothing else
// is accepted until it succeeds.
type RegisterCommand struct {
	UserID   int64  `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// Server accepts websocket connections, registers them and pumps
// inbound frames into the dispatcher. Handlers run on worker
// goroutines so a slow send never blocks the read loop.
type Server struct {
	reg  *Registry
	disp *Dispatcher
}

func NewServer(reg *Registry, disp *Dispatcher) *Server {
	return &Server{reg: reg, disp: disp}
}

// Mount attaches the websocket and admin endpoints to a gin engine.
func (s *Server) Mount(e *gin.Engine) {
	e.GET("/ws", s.HandleWS)
	e.POST("/admin/kick", s.HandleKick)
}

type kickRequest struct {
	UserID   int64  `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// HandleKick force-disconnects one device session.
func (s *Server) HandleKick(c *gin.Context) {
	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": errs.ErrArgs.Code, "msg": errs.ErrArgs.Msg})
		return
	}
	if err := s.reg.Kick(c.Request.Context(), req.UserID, req.DeviceID); err != nil {
		status := http.StatusInternalServerError
		if errs.ErrNotFound.Is(err) {
			status = http.StatusNotFound
		} else if errs.ErrArgs.Is(err) {
			status = http.StatusBadRequest
		}
		body := gin.H{"code": errs.ErrArgs.Code, "msg": errs.ErrArgs.Msg}
		var ce *errs.CodeError
		if pkgerrors.As(err, &ce) {
			body = gin.H{"code": ce.Code, "msg": ce.Msg}
		}
		c.JSON(status, body)
		return
	}
	logger.Infof("[ws] admin kick user=%d device=%s", req.UserID, req.DeviceID)
	c.JSON(http.StatusOK, gin.H{"code": 0})
}

func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed remote=%s err=%v", c.Request.RemoteAddr, err)
		return
	}

	conn := NewConn(ws)
	ctx := context.Background()

	cmd, err := readRegisterCommand(ws)
	if err != nil {
		logger.Infof("[ws] registration frame rejected remote=%s err=%v", c.Request.RemoteAddr, err)
		_ = conn.SendText(RegisterFailedMarker)
		conn.Close()
		return
	}

	sessionID, err := s.reg.Register(ctx, conn, cmd.UserID, cmd.DeviceID)
	if err != nil {
		logger.Warnf("[ws] register failed user=%d device=%s err=%v", cmd.UserID, cmd.DeviceID, err)
		_ = conn.SendText(RegisterFailedMarker)
		conn.Close()
		return
	}
	if err := conn.SendText(RegisterSuccessMarker); err != nil {
		_ = s.reg.Unregister(ctx, conn)
		conn.Close()
		return
	}

	s.readLoop(ctx, ws, conn, cmd.UserID, cmd.DeviceID, sessionID)

	if err := s.reg.Unregister(ctx, conn); err != nil {
		logger.Warnf("[ws] unregister failed user=%d device=%s err=%v", cmd.UserID, cmd.DeviceID, err)
	}
	conn.Close()
}

// readRegisterCommand waits for the pre-registration command, bounded
// so an idle socket cannot hold a slot forever.
func readRegisterCommand(ws *websocket.Conn) (*RegisterCommand, error) {
	if err := ws.SetReadDeadline(time.Now().Add(registerDeadline)); err != nil {
		return nil, errs.Wrap(err)
	}
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errs.WrapMsg(err, "read registration frame")
	}
	var cmd RegisterCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad registration frame")
	}
	if cmd.UserID <= 0 || cmd.DeviceID == "" {
		return nil, errs.ErrArgs.WrapMsg("userId and deviceId required")
	}
	return &cmd, nil
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn, userID int64, deviceID, sessionID string) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed user=%d device=%s", userID, deviceID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout user=%d device=%s err=%v", userID, deviceID, err)
			} else {
				logger.Infof("[ws] read err user=%d device=%s err=%v", userID, deviceID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		env, perr := ParseEnvelope(data)
		if perr != nil {
			logger.Warnf("[ws] bad frame user=%d device=%s err=%v", userID, deviceID, perr)
			_ = conn.SendPacket(PacketInvalidFormat, ErrorData{Code: errs.ErrArgs.Code, Msg: errs.ErrArgs.Msg})
			continue
		}

		wc := &WsContext{
			Ctx:       ctx,
			Conn:      conn,
			UserID:    userID,
			DeviceID:  deviceID,
			SessionID: sessionID,
		}
		safe.Go(func() { s.disp.Dispatch(wc, env) })
	}
}
