package mgo

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Config represents the MongoDB configuration.
type Config struct {
	Uri         string
	Database    string
	MaxPoolSize uint64
}

type Manager struct {
	mu        sync.RWMutex
	db        *mongo.Database
	client    *mongo.Client
	readyCh   chan struct{} // 首次就绪通知；只会被 close 一次
	readyOnce sync.Once

	lastErr atomic.Value // error
}

var globalMgr = Manager{readyCh: make(chan struct{})}

// StartAsync 一直运行到 ctx.Done()；首次连上时 close readyCh，
// 后续掉线由驱动自动重连。
func StartAsync(ctx context.Context, cfg Config) {
	go func() {
		const (
			baseBackoff = 200 * time.Millisecond
			maxBackoff  = 5 * time.Second
		)
		attempt := 0
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			opts := options.Client().ApplyURI(cfg.Uri)
			if cfg.MaxPoolSize > 0 {
				opts.SetMaxPoolSize(cfg.MaxPoolSize)
			}
			cli, err := mongo.Connect(ctx, opts)
			if err == nil {
				err = cli.Ping(ctx, nil)
			}
			if err == nil {
				globalMgr.mu.Lock()
				globalMgr.client = cli
				globalMgr.db = cli.Database(cfg.Database)
				globalMgr.mu.Unlock()
				globalMgr.readyOnce.Do(func() { close(globalMgr.readyCh) })
				return
			}
			globalMgr.lastErr.Store(err)

			// 退避 + 抖动
			backoff := baseBackoff << attempt
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			jitter := time.Duration(rand.Int63n(int64(backoff/5) + 1))
			timer := time.NewTimer(backoff - jitter/2)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if attempt < 6 {
				attempt++
			}
		}
	}()
}

// Ready 首次连接成功时会被 close；可 select 等待。
func Ready() <-chan struct{} { return globalMgr.readyCh }

// Err 最近一次连接错误。
func Err() error {
	if v := globalMgr.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func WaitReady(ctx context.Context) error {
	select {
	case <-globalMgr.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func GetDB() *mongo.Database {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	if globalMgr.db == nil {
		panic("mongo not ready: wait Ready() or use TryGetDB()")
	}
	return globalMgr.db
}

func TryGetDB() (*mongo.Database, bool) {
	globalMgr.mu.RLock()
	defer globalMgr.mu.RUnlock()
	return globalMgr.db, globalMgr.db != nil
}

// WithTransaction 在一个会话事务里执行 fn；standalone 部署不支持事务时
// 返回可识别的错误，调用方自行走补偿路径。
func WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) error) error {
	globalMgr.mu.RLock()
	cli := globalMgr.client
	globalMgr.mu.RUnlock()
	if cli == nil {
		return fmt.Errorf("mongo not ready")
	}
	sess, err := cli.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Local()).
		SetWriteConcern(writeconcern.Majority())
	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	}, txnOpts)
	return err
}
