package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName 是 health 服务里复制组件的名字
const ServiceName = "standby.Replication"

// AdminServer 是管理端口：gRPC health + reflection。
// 主节点在复制服务就绪后报告 SERVING；副本在最近一次同步失败时报告 NOT_SERVING。
type AdminServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
	lis    net.Listener
}

func NewAdminServer(logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			UnaryRecoveryInterceptor(logger),
			UnaryLoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger),
			StreamLoggingInterceptor(logger),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &AdminServer{grpc: gs, health: hs, logger: logger}
}

// SetServing 更新复制组件的健康状态
func (a *AdminServer) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	a.health.SetServingStatus(ServiceName, st)
}

// Listen 绑定端口但不开始服务
func (a *AdminServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	a.lis = lis
	return nil
}

func (a *AdminServer) Addr() net.Addr {
	return a.lis.Addr()
}

// Serve 阻塞服务直到 ctx 结束，然后优雅退出
func (a *AdminServer) Serve(ctx context.Context) error {
	if a.lis == nil {
		return fmt.Errorf("admin server is not listening")
	}
	go func() {
		<-ctx.Done()
		a.health.Shutdown()
		a.grpc.GracefulStop()
	}()
	a.logger.Info("admin server listening", zap.Stringer("addr", a.lis.Addr()))
	if err := a.grpc.Serve(a.lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
