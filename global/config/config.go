package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"BizChat/logger"
	mgoSrv "BizChat/service/mgo"
	redis "BizChat/service/storage/redis"
	ids "BizChat/tools/ids"
)

// Global 默认值可直接起本地环境；线上用环境变量覆盖。
var Global = AppConfig{
	GatewayID: "gateway_10",
	Port:      8080,

	JwtSecret: "mN9b1f8zPq+W2xjX/45sKcVd0TfyoG+3Hp5Z8q9Rj1o=",
	JwtTTL:    24 * time.Hour,

	MongoUri:      "mongodb://localhost:27017",
	MongoDatabase: "bizChat",

	RedisAddr: "127.0.0.1:6379",
	RedisDB:   0,

	NatsURL: "nats://127.0.0.1:4222",
}

func ConfigAll() {
	ConfigEnv()
	ConfigIds()
	ConfigRedis()
	ConfigMgo()
}

// ConfigEnv 用环境变量覆盖 Global 里的默认值；缺省的 key 不动。
func ConfigEnv() {
	if v := os.Getenv("CHAT_GATEWAY_ID"); v != "" {
		Global.GatewayID = v
	}
	if v := os.Getenv("CHAT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			Global.Port = p
		}
	}
	if v := os.Getenv("CHAT_JWT_SECRET"); v != "" {
		Global.JwtSecret = v
	}
	if v := os.Getenv("CHAT_MONGO_URI"); v != "" {
		Global.MongoUri = v
	}
	if v := os.Getenv("CHAT_MONGO_DB"); v != "" {
		Global.MongoDatabase = v
	}
	if v := os.Getenv("CHAT_REDIS_ADDR"); v != "" {
		Global.RedisAddr = v
	}
	if v := os.Getenv("CHAT_REDIS_PASSWORD"); v != "" {
		Global.RedisPassword = v
	}
	if v := os.Getenv("CHAT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			Global.RedisDB = db
		}
	}
	if v := os.Getenv("CHAT_NATS_URL"); v != "" {
		Global.NatsURL = v
	}
}

func ConfigIds() {
	logger.Infof("配置id生成")
	ids.SetNodeID(100)
}

func GetJwtSecret() []byte {
	return []byte(Global.JwtSecret)
}

func ConfigRedis() {
	cfg := redis.Config{
		Addr: Global.RedisAddr, Password: Global.RedisPassword, DB: Global.RedisDB,
	}
	if err := redis.InitRedis(cfg); err != nil {
		logger.Errorf("redis 初始化失败: %v", err)
	}
}

func ConfigMgo() {
	cfg := mgoSrv.Config{
		Uri:         Global.MongoUri,
		Database:    Global.MongoDatabase,
		MaxPoolSize: 20,
	}
	// 异步启动，网关不等库就绪；取数的路径各自 WaitReady。
	mgoSrv.StartAsync(context.Background(), cfg)
}
