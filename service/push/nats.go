package push

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"BizChat/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects: 每连接 / 每房间各一个主题，其他网关节点订阅后转投本地连接。
const (
	subjectConnPrefix = "chat.conn."
	subjectRoomPrefix = "chat.room."
)

type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsSink 跨节点扇出。Core 发布即忘，贴合 push 的尽力而为语义，
// 不需要 JetStream 持久化。
type NatsSink struct {
	nc *nats.Conn
}

func NewNatsSink(cfg NatsConfig) (*NatsSink, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), connectOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	return &NatsSink{nc: nc}, nil
}

// connectOptions 必须带 NoEcho：本地投递由 hub 负责，若服务端把本连接
// 的发布回给自己的订阅，本节点成员会收到两份同样的事件。
func connectOptions(cfg NatsConfig) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
}

func (s *NatsSink) Close() error {
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}

func (s *NatsSink) PushToConn(_ context.Context, connID string, ev Event) error {
	return s.publish(subjectConnPrefix+connID, ev)
}

func (s *NatsSink) PushToRoom(_ context.Context, roomID string, ev Event) error {
	return s.publish(subjectRoomPrefix+roomID, ev)
}

func (s *NatsSink) publish(subject string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.nc.Publish(subject, data)
}

// SubscribeRooms 让本节点收到其他节点的房间扇出；handler 负责把事件
// 投给本地加入该房间的连接。
func (s *NatsSink) SubscribeRooms(handler func(roomID string, ev Event)) error {
	_, err := s.nc.Subscribe(subjectRoomPrefix+">", func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warn("bad room event payload", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		handler(strings.TrimPrefix(m.Subject, subjectRoomPrefix), ev)
	})
	return err
}

// SubscribeConns 同上，按连接主题转投。
func (s *NatsSink) SubscribeConns(handler func(connID string, ev Event)) error {
	_, err := s.nc.Subscribe(subjectConnPrefix+">", func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warn("bad conn event payload", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		handler(strings.TrimPrefix(m.Subject, subjectConnPrefix), ev)
	})
	return err
}
