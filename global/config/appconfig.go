package config

import "time"

type AppConfig struct {
	GatewayID string // 节点的Id，写入在线镜像，标识连接落点
	Port      int    // http 启动端口

	JwtSecret string
	JwtTTL    time.Duration

	MongoUri      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NatsURL string
}
