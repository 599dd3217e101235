package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"callern/internal/auth"
	"callern/internal/presence"
	"callern/internal/protocol"
	"callern/internal/rbac"
	"callern/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Disconnector settles the state a user leaves behind when its channel is
// gone for good.
type Disconnector interface {
	Disconnected(ctx context.Context, userID string)
}

// Timer is the handle of a pending disconnect grace period.
type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

type Options struct {
	// Grace is how long a dropped user may reconnect before its pending
	// attempts and rooms are hung up.
	Grace time.Duration
	// CheckOrigin is passed to the websocket upgrader; nil allows any origin.
	CheckOrigin func(r *http.Request) bool
	AfterFunc   AfterFunc
}

// Server accepts signaling channels and ties their lifetime to presence,
// calls and rooms.
type Server struct {
	hub        *Hub
	dispatcher *Dispatcher
	presence   *presence.Registry
	calls      Disconnector
	rooms      Disconnector
	log        *slog.Logger

	grace     time.Duration
	afterFunc AfterFunc
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	pending map[string]Timer

	unsubscribe func()
}

func NewServer(hub *Hub, d *Dispatcher, reg *presence.Registry, calls, rooms Disconnector, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	s := &Server{
		hub:        hub,
		dispatcher: d,
		presence:   reg,
		calls:      calls,
		rooms:      rooms,
		log:        log.With("component", "signaling"),
		grace:      opts.Grace,
		afterFunc:  opts.AfterFunc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		pending: make(map[string]Timer),
	}
	s.unsubscribe = reg.Subscribe(func(u presence.Update) {
		hub.broadcastWatchers(protocol.New(protocol.TypeTeacherStatusUpdate, protocol.TeacherStatusUpdate{
			TeacherID: u.TeacherID,
			Available: u.Available,
		}))
	})
	return s
}

// Close detaches the server from presence updates.
func (s *Server) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// ServeWS upgrades an authenticated request to a signaling channel and
// serves it until the connection drops. Mount behind auth.RequireChannelToken.
func (s *Server) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, _ := auth.Role(ctx)
	if !rbac.CanCall(role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "only learners and teachers may open a call channel"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.FromGin(c).Warn("websocket upgrade failed", "err", err)
		return
	}

	client := newClient(conn, userID, role, s.log)
	s.connect(client)
	go client.writePump()

	// Call state outlives the request that carried the frame.
	opCtx := context.WithoutCancel(ctx)
	client.readPump(func(data []byte) {
		s.dispatcher.Handle(opCtx, client, data)
	})

	client.close()
	s.disconnect(opCtx, client)
}

func (s *Server) connect(c *Client) {
	s.mu.Lock()
	if t, ok := s.pending[c.userID]; ok {
		t.Stop()
		delete(s.pending, c.userID)
	}
	s.mu.Unlock()

	if old := s.hub.register(c); old != nil {
		c.log.Info("channel replaced")
		old.close()
	}
	if c.role == protocol.RoleTeacher {
		s.presence.SetOnline(c.userID)
	}
	c.log.Info("channel connected")
}

func (s *Server) disconnect(ctx context.Context, c *Client) {
	if !s.hub.unregister(c) {
		return
	}
	if c.role == protocol.RoleTeacher {
		s.presence.SetOffline(c.userID)
	}
	c.log.Info("channel closed", "grace", s.grace.String())

	if s.grace <= 0 {
		s.settle(ctx, c.userID)
		return
	}
	s.mu.Lock()
	s.pending[c.userID] = s.afterFunc(s.grace, func() {
		s.mu.Lock()
		delete(s.pending, c.userID)
		s.mu.Unlock()
		s.settle(ctx, c.userID)
	})
	s.mu.Unlock()
}

// settle hangs up whatever userID left behind unless it reconnected.
func (s *Server) settle(ctx context.Context, userID string) {
	if s.hub.Connected(userID) {
		return
	}
	s.log.Info("grace expired, hanging up", "user_id", userID)
	if s.calls != nil {
		s.calls.Disconnected(ctx, userID)
	}
	if s.rooms != nil {
		s.rooms.Disconnected(ctx, userID)
	}
}
