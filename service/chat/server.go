package chat

import (
	"BizChat/module/chat/auth"
	"BizChat/module/chat/message"
	"BizChat/module/chat/presence"
	"BizChat/module/chat/ratelimit"
	"BizChat/module/chat/session"
	"BizChat/service/push"
)

// Server 把五个核心组件拼成一个网关节点。除 Hub 外全部由外部
// 构造注入，网关本身不做业务判定。
type Server struct {
	gatewayID string

	registry *presence.Registry
	authz    *auth.Engine
	limiter  *ratelimit.Limiter
	sessions *session.Controller
	messages *message.Engine

	hub  *Hub
	sink push.Sink // hub + 跨节点 sink 的组合
}

type Deps struct {
	GatewayID string
	Registry  *presence.Registry
	Authz     *auth.Engine
	Limiter   *ratelimit.Limiter
	Sessions  *session.Controller
	Messages  *message.Engine
	Hub       *Hub
	Sink      push.Sink
}

func NewServer(d Deps) *Server {
	return &Server{
		gatewayID: d.GatewayID,
		registry:  d.Registry,
		authz:     d.Authz,
		limiter:   d.Limiter,
		sessions:  d.Sessions,
		messages:  d.Messages,
		hub:       d.Hub,
		sink:      d.Sink,
	}
}

func (s *Server) Hub() *Hub                    { return s.hub }
func (s *Server) Registry() *presence.Registry { return s.registry }
