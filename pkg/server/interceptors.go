package server

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// 1. Logging Interceptor (结构化日志)
// =============================================================================

// UnaryLoggingInterceptor 记录每个管理接口请求
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(logger, "Unary", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor 负责拦截流式请求 (health Watch)
func StreamLoggingInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logRPC(logger, "Stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

func logRPC(logger *zap.Logger, kind, method string, duration time.Duration, err error) {
	st, _ := status.FromError(err)
	code := st.Code()

	level := zapcore.DebugLevel
	if code != codes.OK {
		// Internal 算 Error，其他非 OK 算 Warn
		if code == codes.Internal || code == codes.Unknown {
			level = zapcore.ErrorLevel
		} else {
			level = zapcore.WarnLevel
		}
	}

	logger.Log(level, "gRPC request",
		zap.String("kind", kind),
		zap.String("method", method),
		zap.Stringer("code", code),
		zap.Duration("dur", duration),
		zap.Error(err),
	)
}

// =============================================================================
// 2. Recovery Interceptor (防弹衣)
// =============================================================================

// UnaryRecoveryInterceptor 捕获 Panic
func UnaryRecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(logger, r)
			}
		}()
		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor 捕获 Panic
func StreamRecoveryInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(logger, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recoverFromPanic(logger *zap.Logger, p any) error {
	logger.Error("panic recovered",
		zap.Any("panic", p),
		zap.ByteString("stack", debug.Stack()),
	)
	// 返回 Internal 错误给客户端，而不是直接断开连接
	return status.Errorf(codes.Internal, "internal server error: panic recovered")
}
