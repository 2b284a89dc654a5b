package store

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

// EmbeddedServer 进程内的 NATS（开启 JetStream），未配置外部 NATS 时使用
type EmbeddedServer struct {
	ns *server.Server

	startupTimeout time.Duration
	host           string
	port           int
	storeDir       string
	log            *zap.SugaredLogger
}

type EmbeddedOpt func(*EmbeddedServer)

// WithStartTimeout 启动等待时长
func WithStartTimeout(d time.Duration) EmbeddedOpt {
	return func(e *EmbeddedServer) {
		e.startupTimeout = d
	}
}

// WithHost 监听地址
func WithHost(host string) EmbeddedOpt {
	return func(e *EmbeddedServer) {
		e.host = host
	}
}

// WithPort 监听端口，-1 表示随机端口
func WithPort(port int) EmbeddedOpt {
	return func(e *EmbeddedServer) {
		e.port = port
	}
}

// WithStoreDir JetStream 数据目录
func WithStoreDir(dir string) EmbeddedOpt {
	return func(e *EmbeddedServer) {
		e.storeDir = dir
	}
}

// WithLogger 日志
func WithLogger(log *zap.SugaredLogger) EmbeddedOpt {
	return func(e *EmbeddedServer) {
		e.log = log
	}
}

func NewEmbeddedServer(opts ...EmbeddedOpt) (*EmbeddedServer, error) {
	e := &EmbeddedServer{
		startupTimeout: 10 * time.Second,
		host:           "127.0.0.1",
		port:           -1,
		log:            zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.storeDir == "" {
		return nil, fmt.Errorf("jetstream store dir is required")
	}

	ns, err := server.NewServer(&server.Options{
		Host:      e.host,
		Port:      e.port,
		JetStream: true,
		StoreDir:  e.storeDir,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}
	e.ns = ns
	return e, nil
}

// Start 启动并等待可连接
func (e *EmbeddedServer) Start() error {
	e.ns.Start()
	if !e.ns.ReadyForConnections(e.startupTimeout) {
		return fmt.Errorf("nats server not ready for connections")
	}
	e.log.Infow("embedded nats listening", "url", e.ns.ClientURL(), "storeDir", e.storeDir)
	return nil
}

func (e *EmbeddedServer) Shutdown() {
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

// ClientURL 客户端连接地址
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}
