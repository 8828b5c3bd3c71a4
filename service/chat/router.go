package chat

import (
	"net/http"
	"strconv"
	"time"

	"BizChat/global/config"
	mid "BizChat/middleware"
	midsec "BizChat/middleware/security"
	"BizChat/module/chat/model"
	errs "BizChat/tools/errs"
	sec "BizChat/tools/security"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes 挂载 ws、业务、管理三组路由。
// 管理组只看 token 里的 role，鉴权引擎不再重复查库。
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", s.HandleWS)
	mid.POST(r, "/api/login", s.handleLogin, mid.RouteOpt{IsAuth: false})

	api := r.Group("/api/chat", midsec.Middleware(midsec.DefaultOptions()))
	{
		api.GET("/history", s.handleHistory)
		api.GET("/thread/:id", s.handleThread)
		api.GET("/search", s.handleSearch)
		api.GET("/rooms", s.handleRooms)
		api.GET("/presence", s.handlePresence)
		api.POST("/messages/:id/read", s.handleMarkRead)
		api.POST("/messages/:id/edit", s.handleEdit)
		api.POST("/messages/:id/delete", s.handleDelete)
		api.POST("/messages/:id/pin", s.handlePin)
		api.POST("/rooms/read", s.handleMarkRoomRead)
	}

	admin := r.Group("/api/admin", midsec.Middleware(midsec.DefaultOptions()), requireAdmin())
	{
		admin.POST("/disconnect", s.handleForceDisconnect)
		admin.POST("/block", s.handleBlock)
		admin.POST("/unblock", s.handleUnblock)
		admin.GET("/blocks/:userID", s.handleBlockHistory)
		admin.GET("/sessions", s.handleSessions)
		admin.POST("/ratelimit/reset", s.handleRateReset)
		admin.POST("/ratelimit/custom", s.handleRateCustom)
		admin.GET("/ratelimit/:userID", s.handleRateStatus)
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := midsec.IdentityFrom(c)
		if id == nil || id.Role != model.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, errs.ErrPermissionDenied)
			return
		}
		c.Next()
	}
}

// ===== 登录 =====

type loginReq struct {
	UserID int64 `json:"userId" binding:"required"`
}

// handleLogin 按 userId 签发 token；演示入口，真实部署在这之前
// 还有账号体系。状态/角色取库里的当前值。
func (s *Server) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	out, err := s.authz.CanConnect(c.Request.Context(), req.UserID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	if !out.Allowed {
		c.JSON(http.StatusForbidden, errs.ErrPermissionDenied.WithDetail(out.Reason))
		return
	}
	u, err := s.messages.UserOf(c.Request.Context(), req.UserID)
	if err != nil || u == nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	token, expireAt, err := sec.Generate(sec.DefaultOptions(config.GetJwtSecret()), u.ID, u.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"expireAt": expireAt.UnixMilli(),
		"user":     gin.H{"id": u.ID, "name": u.Name, "role": u.Role},
	})
}

// ===== 消息读路径 =====

func (s *Server) handleHistory(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "0"))
	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	msgs, err := s.messages.History(c.Request.Context(), id.UserID, c.Query("room"), page, pageSize, before)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleThread(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	rootID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrNotFound)
		return
	}
	td, err := s.messages.Thread(c.Request.Context(), id.UserID, rootID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	if td == nil {
		c.JSON(http.StatusNotFound, errs.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, td)
}

func (s *Server) handleSearch(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	msgs, err := s.messages.Search(c.Request.Context(), id.UserID, c.Query("room"), c.Query("q"), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleRooms(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	rooms, err := s.authz.AuthorizedRooms(c.Request.Context(), id.UserID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *Server) handlePresence(c *gin.Context) {
	if room := c.Query("room"); room != "" {
		c.JSON(http.StatusOK, gin.H{"users": s.registry.OnlineUsersInRoom(room)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": s.registry.OnlineUsers()})
}

// ===== 消息写路径 =====

func (s *Server) handleMarkRead(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	msgID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrNotFound)
		return
	}
	recorded, err := s.messages.RecordReadReceipt(c.Request.Context(), id.UserID, msgID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": recorded})
}

func (s *Server) handleMarkRoomRead(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	var req struct {
		Room string `json:"room" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	n, err := s.messages.MarkRoomRead(c.Request.Context(), id.UserID, req.Room)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (s *Server) handleEdit(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	msgID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrNotFound)
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	msg, err := s.messages.Edit(c.Request.Context(), id.UserID, msgID, req.Content)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	if msg == nil {
		// 不存在与无权限同响应，不泄露消息是否存在
		c.JSON(http.StatusNotFound, errs.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleDelete(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	msgID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrNotFound)
		return
	}
	ok, reason, err := s.messages.Delete(c.Request.Context(), id.UserID, msgID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, errs.ErrPermissionDenied.WithDetail(reason))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handlePin(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	msgID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrNotFound)
		return
	}
	var req struct {
		Pinned *bool `json:"pinned" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	ok, err := s.messages.Pin(c.Request.Context(), id.UserID, msgID, *req.Pinned)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, errs.ErrPermissionDenied)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pinned": *req.Pinned})
}

// ===== 管理操作 =====

func (s *Server) handleForceDisconnect(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	var req struct {
		UserID int64  `json:"userId"`
		ConnID string `json:"connId"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	var ok bool
	switch {
	case req.ConnID != "":
		ok = s.sessions.ForceDisconnectConnection(c.Request.Context(), req.ConnID, req.Reason, id.UserID)
	case req.UserID != 0:
		ok = s.sessions.ForceDisconnectUser(c.Request.Context(), req.UserID, req.Reason, id.UserID)
	default:
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail("userId or connId required"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": ok})
}

func (s *Server) handleBlock(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	var req struct {
		UserID  int64  `json:"userId" binding:"required"`
		Reason  string `json:"reason"`
		UntilMS int64  `json:"until"` // Unix ms；0 = 无期限
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	var until time.Time
	if req.UntilMS > 0 {
		until = time.UnixMilli(req.UntilMS)
	}
	if err := s.sessions.BlockUser(c.Request.Context(), req.UserID, req.Reason, until, id.UserID); err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": true})
}

func (s *Server) handleUnblock(c *gin.Context) {
	id := midsec.IdentityFrom(c)
	var req struct {
		UserID int64 `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	if err := s.sessions.UnblockUser(c.Request.Context(), req.UserID, id.UserID); err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": false})
}

func (s *Server) handleBlockHistory(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrNotFound)
		return
	}
	hist, err := s.sessions.BlockHistory(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   s.sessions.IsBlocked(userID),
		"history": hist,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	if v := c.Query("userId"); v != "" {
		userID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errs.ErrNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.UserSessions(userID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.AllActiveSessions()})
}

func (s *Server) handleRateReset(c *gin.Context) {
	var req struct {
		UserID int64 `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	s.limiter.Reset(req.UserID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRateCustom(c *gin.Context) {
	var req struct {
		UserID    int64 `json:"userId" binding:"required"`
		PerMinute int   `json:"perMinute"`
		PerHour   int   `json:"perHour"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrConflict.WithDetail(err.Error()))
		return
	}
	s.limiter.SetCustomLimit(req.UserID, req.PerMinute, req.PerHour)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRateStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errs.ErrNotFound)
		return
	}
	u, err := s.messages.UserOf(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errs.ErrInfrastructure)
		return
	}
	role := model.RoleClient
	if u != nil {
		role = u.Role
	}
	c.JSON(http.StatusOK, s.limiter.Status(userID, role))
}
