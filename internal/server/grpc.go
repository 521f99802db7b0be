package server

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/market"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
	"PerpSettle/internal/state"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perpsettle.v1.Settlement"

// --- Request types ---

type StatusRequest struct{}

type MarketRequest struct {
	MarketID string `json:"market_id"`
}

type KeyRequest struct {
	Key string `json:"key"`
}

type ListRequest struct {
	Account common.Address `json:"account"`
	Cursor  string         `json:"cursor,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

type AdlRequest struct {
	MarketID string `json:"market_id"`
	IsLong   bool   `json:"is_long"`
}

type ClaimableRequest struct {
	Account common.Address `json:"account"`
	Asset   string         `json:"asset"`
}

type HistoryRequest struct {
	Owner          string `json:"owner"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

type HistoryResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type IntegrityRequest struct{}

type BalancesRequest struct {
	Owner string `json:"owner"`
}

type TradesRequest struct {
	Account        common.Address `json:"account"`
	Limit          int            `json:"limit,omitempty"`
	BeforeSequence int64          `json:"before_sequence,omitempty"`
}

// CommandRequest submits one executor command. Body has the same shape
// as the NATS command payload for Command.
type CommandRequest struct {
	Command string          `json:"command"`
	Body    json.RawMessage `json:"body"`
}

// SettlementService is the gRPC surface: read-only queries plus command
// submission through the dispatcher.
type SettlementService interface {
	GetStatus(ctx context.Context, req *StatusRequest) (*query.StatusResponse, error)
	GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketResponse, error)
	GetPosition(ctx context.Context, req *KeyRequest) (*query.PositionResponse, error)
	GetOrder(ctx context.Context, req *KeyRequest) (*query.OrderResponse, error)
	ListPositions(ctx context.Context, req *ListRequest) (*query.Page[query.PositionResponse], error)
	ListOrders(ctx context.Context, req *ListRequest) (*query.Page[query.OrderResponse], error)
	GetAdlState(ctx context.Context, req *AdlRequest) (*query.AdlResponse, error)
	GetClaimable(ctx context.Context, req *ClaimableRequest) (*query.ClaimableResponse, error)
	GetJournalHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error)
	VerifyIntegrity(ctx context.Context, req *IntegrityRequest) (*query.IntegrityReport, error)
	GetBalances(ctx context.Context, req *BalancesRequest) (*query.BalancesResponse, error)
	GetTrades(ctx context.Context, req *TradesRequest) (*query.TradesResponse, error)
	SubmitCommand(ctx context.Context, req *CommandRequest) (*ingestion.Result, error)
}

// unary adapts a typed method to a grpc.MethodDesc.
func unary[Req any, Resp any](name string, call func(SettlementService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(SettlementService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes SettlementService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementService)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", SettlementService.GetStatus),
		unary("GetMarket", SettlementService.GetMarket),
		unary("GetPosition", SettlementService.GetPosition),
		unary("GetOrder", SettlementService.GetOrder),
		unary("ListPositions", SettlementService.ListPositions),
		unary("ListOrders", SettlementService.ListOrders),
		unary("GetAdlState", SettlementService.GetAdlState),
		unary("GetClaimable", SettlementService.GetClaimable),
		unary("GetJournalHistory", SettlementService.GetJournalHistory),
		unary("VerifyIntegrity", SettlementService.VerifyIntegrity),
		unary("GetBalances", SettlementService.GetBalances),
		unary("GetTrades", SettlementService.GetTrades),
		unary("SubmitCommand", SettlementService.SubmitCommand),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpsettle/v1/settlement",
}

// ============================================================================
// SettlementService implementation
// ============================================================================

type settlementServer struct {
	qs         *query.Service
	dispatcher *ingestion.Dispatcher
}

// NewSettlementService binds the query service and dispatcher. A nil
// dispatcher makes the server read-only.
func NewSettlementService(qs *query.Service, d *ingestion.Dispatcher) SettlementService {
	return &settlementServer{qs: qs, dispatcher: d}
}

func (s *settlementServer) GetStatus(_ context.Context, _ *StatusRequest) (*query.StatusResponse, error) {
	st := s.qs.Status()
	return &st, nil
}

func (s *settlementServer) GetMarket(ctx context.Context, req *MarketRequest) (*query.MarketResponse, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	resp, err := s.qs.GetMarket(ctx, req.MarketID)
	return resp, toStatus(err)
}

func (s *settlementServer) GetPosition(ctx context.Context, req *KeyRequest) (*query.PositionResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	resp, err := s.qs.GetPosition(ctx, req.Key)
	return resp, toStatus(err)
}

func (s *settlementServer) GetOrder(ctx context.Context, req *KeyRequest) (*query.OrderResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	resp, err := s.qs.GetOrder(ctx, req.Key)
	return resp, toStatus(err)
}

func (s *settlementServer) ListPositions(ctx context.Context, req *ListRequest) (*query.Page[query.PositionResponse], error) {
	if req.Account == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	resp, err := s.qs.ListAccountPositions(ctx, req.Account, req.Cursor, req.Limit)
	return resp, toStatus(err)
}

func (s *settlementServer) ListOrders(ctx context.Context, req *ListRequest) (*query.Page[query.OrderResponse], error) {
	if req.Account == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	resp, err := s.qs.ListAccountOrders(ctx, req.Account, req.Cursor, req.Limit)
	return resp, toStatus(err)
}

func (s *settlementServer) GetAdlState(ctx context.Context, req *AdlRequest) (*query.AdlResponse, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	resp, err := s.qs.GetAdlState(ctx, req.MarketID, req.IsLong)
	return resp, toStatus(err)
}

func (s *settlementServer) GetClaimable(ctx context.Context, req *ClaimableRequest) (*query.ClaimableResponse, error) {
	if req.Account == (common.Address{}) || req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "account and asset are required")
	}
	resp, err := s.qs.GetClaimable(ctx, req.Account, req.Asset)
	return resp, toStatus(err)
}

func (s *settlementServer) GetJournalHistory(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	if req.Owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	entries, err := s.qs.GetJournalHistory(ctx, req.Owner, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Entries: entries}, nil
}

func (s *settlementServer) VerifyIntegrity(ctx context.Context, _ *IntegrityRequest) (*query.IntegrityReport, error) {
	resp, err := s.qs.VerifyIntegrity(ctx)
	return resp, toStatus(err)
}

func (s *settlementServer) GetBalances(ctx context.Context, req *BalancesRequest) (*query.BalancesResponse, error) {
	if req.Owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	resp, err := s.qs.GetBalances(ctx, req.Owner)
	return resp, toStatus(err)
}

func (s *settlementServer) GetTrades(ctx context.Context, req *TradesRequest) (*query.TradesResponse, error) {
	if req.Account == (common.Address{}) {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	resp, err := s.qs.GetTrades(ctx, req.Account, req.Limit, req.BeforeSequence)
	return resp, toStatus(err)
}

func (s *settlementServer) SubmitCommand(ctx context.Context, req *CommandRequest) (*ingestion.Result, error) {
	if s.dispatcher == nil {
		return nil, status.Error(codes.Unimplemented, "command submission is disabled")
	}
	cmd, err := ingestion.ParseCommand(req.Command, req.Body)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.dispatcher.Submit(ctx, ingestion.SubjectPrefix+cmd.Name(), cmd)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &res, nil
}

// toStatus maps engine and query errors to gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, state.ErrOrderNotFound), errors.Is(err, state.ErrPositionNotFound),
		errors.Is(err, market.ErrMarketNotFound), errors.Is(err, market.ErrAssetNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrHistoryUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	switch core.Classify(err) {
	case core.ClassValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case core.ClassState, core.ClassRisk:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Server lifecycle
// ============================================================================

// GRPCServer wraps the gRPC server with health and reflection services.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the settlement service registered.
func NewGRPCServer(addr string, svc SettlementService, metrics *observability.Metrics) *GRPCServer {
	logger := observability.NewLogger("grpc")
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryInterceptor(metrics, logger)))
	gs.RegisterService(&ServiceDesc, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(gs)

	return &GRPCServer{grpcServer: gs, health: hs, addr: addr, logger: logger}
}

// Server exposes the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server { return s.grpcServer }

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "grpc listen")
	}
	return s.Serve(ctx, lis)
}

func unaryInterceptor(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(info.FullMethod).Inc()
			metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(info.FullMethod, code.String()).Inc()
			}
		}
		if code == codes.Internal {
			logger.Error().Err(err).Str("method", info.FullMethod).Msg("request failed")
		}
		return resp, err
	}
}
