package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/core/service"
)

const (
	InventoryServiceName = "sweetshop.inventory.v1.InventoryService"
	PurchaseMethod       = "/" + InventoryServiceName + "/Purchase"
	RestockMethod        = "/" + InventoryServiceName + "/Restock"

	requestIDMetadataKey = "x-request-id"
)

type AdjustRequest struct {
	RequestID string `json:"request_id,omitempty"`
	SweetID   int64  `json:"sweet_id"`
	Quantity  int64  `json:"quantity"`
}

type AdjustResponse struct {
	Sweet *SweetResponse `json:"sweet"`
}

type InventoryServer interface {
	Purchase(ctx context.Context, req *AdjustRequest) (*AdjustResponse, error)
	Restock(ctx context.Context, req *AdjustRequest) (*AdjustResponse, error)
}

func RegisterInventoryServer(s grpc.ServiceRegistrar, srv InventoryServer) {
	s.RegisterService(&inventoryServiceDesc, srv)
}

var inventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: InventoryServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Purchase", Handler: unaryHandler(PurchaseMethod, InventoryServer.Purchase)},
		{MethodName: "Restock", Handler: unaryHandler(RestockMethod, InventoryServer.Restock)},
	},
	Streams: []grpc.StreamDesc{},
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler(fullMethod string, call func(InventoryServer, context.Context, *AdjustRequest) (*AdjustResponse, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(AdjustRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InventoryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InventoryServer), ctx, req.(*AdjustRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type GRPCHandler struct {
	service InventoryService
	logger  *zap.Logger
}

func NewGRPCHandler(svc InventoryService, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{service: svc, logger: logger}
}

func (h *GRPCHandler) Purchase(ctx context.Context, req *AdjustRequest) (*AdjustResponse, error) {
	return h.adjust(ctx, req, h.service.Purchase)
}

func (h *GRPCHandler) Restock(ctx context.Context, req *AdjustRequest) (*AdjustResponse, error) {
	return h.adjust(ctx, req, h.service.Restock)
}

func (h *GRPCHandler) adjust(ctx context.Context, req *AdjustRequest, op func(context.Context, int64, int64) (*domain.Sweet, error)) (*AdjustResponse, error) {
	if req.RequestID != "" {
		ctx = service.WithRequestID(ctx, req.RequestID)
	}
	sweet, err := op(ctx, req.SweetID, req.Quantity)
	if err != nil {
		return nil, grpcError(err)
	}
	return &AdjustResponse{Sweet: toSweetResponse(sweet)}, nil
}

// UnaryInterceptor logs every call and lifts the x-request-id metadata into
// the request context.
func UnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 {
				ctx = service.WithRequestID(ctx, vals[0])
			}
		}

		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Info("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc call", fields...)
		}
		return resp, err
	}
}
