package server

import (
	"PredictionLedger/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const ServiceName = "predictionmarket.v1.MarketService"

// jsonCodec carries the plain Go messages of this service. Clients select it
// with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary adapts a MarketServer method to a grpc.MethodDesc
func unary[Req any, Resp any](name string, call func(MarketServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, r any) (any, error) {
				return call(srv.(MarketServer), ctx, r.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Execute", MarketServer.Execute),
		unary("GetMarket", MarketServer.GetMarket),
		unary("GetPosition", MarketServer.GetPosition),
		unary("Quote", MarketServer.Quote),
		unary("GetBalance", MarketServer.GetBalance),
		unary("ListMarkets", MarketServer.ListMarkets),
		unary("GetTrades", MarketServer.GetTrades),
		unary("GetJournals", MarketServer.GetJournals),
		unary("VerifyIntegrity", MarketServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "predictionmarket/v1/market.proto",
}

// RegisterMarketServer registers srv on s
func RegisterMarketServer(s grpc.ServiceRegistrar, srv MarketServer) {
	s.RegisterService(&serviceDesc, srv)
}

// GRPCServer wraps the gRPC server.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the market, health and
// reflection services registered.
func NewGRPCServer(addr string, svc MarketServer, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metricsInterceptor(metrics, logger)),
	)
	RegisterMarketServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger,
	}
}

// SetServing flips the gRPC health status once recovery has finished
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve listens on the configured address and blocks until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeListener(ctx, lis)
}

func (s *GRPCServer) ServeListener(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func metricsInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		if metrics != nil {
			metrics.RequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.RequestDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		}
		logger.Debug().Str("method", info.FullMethod).Str("code", code.String()).
			Dur("duration", time.Since(start)).Msg("grpc request")
		return resp, err
	}
}
