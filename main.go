package main

import (
	"context"
	"strconv"
	"time"

	"BizChat/global/config"
	"BizChat/logger"
	"BizChat/module/chat/auth"
	"BizChat/module/chat/message"
	"BizChat/module/chat/presence"
	"BizChat/module/chat/ratelimit"
	"BizChat/module/chat/session"
	"BizChat/module/chat/store"
	chatgw "BizChat/service/chat"
	mgoSrv "BizChat/service/mgo"
	"BizChat/service/push"
	"BizChat/service/storage"
	redisSrv "BizChat/service/storage/redis"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	config.ConfigAll()

	ctx := context.Background()

	// mongo 就绪前不开门；store 层全部压在它上面。
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mgoSrv.WaitReady(waitCtx); err != nil {
		cancel()
		logger.Errorf("mongo 未就绪: %v", err)
		return
	}
	cancel()

	st := store.NewMongo(mgoSrv.GetDB())
	if err := st.EnsureIndexes(ctx); err != nil {
		logger.Warnf("建索引失败: %v", err)
	}

	var mirror presence.Mirror
	if rdb, ok := tryRedis(); ok {
		mirror = storage.NewRedisPresence(rdb)
	}

	registry := presence.NewRegistry(presence.Conf{
		GatewayID: config.Global.GatewayID,
	}, st, mirror)
	registry.StartSweeper(ctx)

	// 启动对账：把上次崩溃残留的 connected 行关掉
	if n, err := registry.CleanupStale(ctx); err != nil {
		logger.Warnf("启动对账失败: %v", err)
	} else if n > 0 {
		logger.Infof("启动对账回收连接 %d 条", n)
	}

	hub := chatgw.NewHub()

	// 本地 hub + NATS 的组合 sink；NATS 不可用时只降级为单节点投递。
	sink := push.Multi{hub}
	natsSink, err := push.NewNatsSink(push.NatsConfig{
		Servers: []string{config.Global.NatsURL},
		Name:    "bizchat-" + config.Global.GatewayID,
	})
	if err != nil {
		logger.Warnf("NATS 不可用，跨节点推送关闭: %v", err)
	} else {
		sink = append(sink, natsSink)
		subscribeRemote(hub, natsSink)
		defer func() { _ = natsSink.Close() }()
	}

	authz := auth.NewEngine(st, auth.Conf{})
	limiter := ratelimit.NewLimiter(ratelimit.Conf{})
	sessions := session.NewController(registry, sink, st, session.Conf{})
	messages := message.NewEngine(st, authz, limiter, sink, message.Conf{})

	server := chatgw.NewServer(chatgw.Deps{
		GatewayID: config.Global.GatewayID,
		Registry:  registry,
		Authz:     authz,
		Limiter:   limiter,
		Sessions:  sessions,
		Messages:  messages,
		Hub:       hub,
		Sink:      sink,
	})

	r := gin.Default()
	server.RegisterRoutes(r)

	addr := ":" + strconv.Itoa(config.Global.Port)
	logger.Infof("gateway %s listening on %s", config.Global.GatewayID, addr)
	if err := r.Run(addr); err != nil {
		logger.Errorf("http server exit: %v", err)
	}
}

// tryRedis: redis 是可选依赖，没起也能跑（镜像关闭）。
func tryRedis() (rdb *goredis.Client, ok bool) {
	defer func() {
		if recover() != nil {
			rdb, ok = nil, false
		}
	}()
	return redisSrv.GetRedis(), true
}

func subscribeRemote(hub *chatgw.Hub, ns *push.NatsSink) {
	// 只转发不回发，避免环路；连接本身开了 NoEcho，自己的发布不会回到这里
	if err := ns.SubscribeRooms(func(roomID string, ev push.Event) {
		_ = hub.PushToRoom(context.Background(), roomID, ev)
	}); err != nil {
		logger.Warnf("订阅房间事件失败: %v", err)
	}
	if err := ns.SubscribeConns(func(connID string, ev push.Event) {
		_ = hub.PushToConn(context.Background(), connID, ev)
	}); err != nil {
		logger.Warnf("订阅连接事件失败: %v", err)
	}
}
