package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"NFTLend/internal/core"
	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/ingestion"
	"NFTLend/internal/observability"
	"NFTLend/internal/pool"
	"NFTLend/internal/query"
	"NFTLend/internal/types"
)

// ServiceName is the gRPC service every method is registered under.
// Requests and responses are google.protobuf.Struct so clients need no
// generated stubs; reflection advertises the method set.
const ServiceName = "nftlend.v1.Protocol"

const submitMethod = "/" + ServiceName + "/Submit"

// ProtocolServer is the handler type of the service descriptor.
type ProtocolServer interface {
	Submit(ctx context.Context, surface string, mt event.MessageType, data []byte, route ingestion.Route) (*ReceiptResponse, error)
	View(ctx context.Context, id types.EntityID) (core.EntityView, error)
}

type structHandler func(s *Service, ctx context.Context, in *structpb.Struct) (any, error)

// ServiceDesc describes the protocol service. Register it with
// grpc.Server.RegisterService and a *Service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProtocolServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", grpcSubmit),
		unary("View", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			id, err := requireString(in, "entity")
			if err != nil {
				return nil, err
			}
			return s.View(ctx, types.EntityID(id))
		}),
		unary("Getter", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			id, err := requireString(in, "entity")
			if err != nil {
				return nil, err
			}
			name, err := requireString(in, "name")
			if err != nil {
				return nil, err
			}
			v, err := s.Getter(ctx, types.EntityID(id), name, types.Address(stringField(in, "arg")))
			if err != nil {
				return nil, err
			}
			return map[string]any{"entity": id, "name": name, "value": v}, nil
		}),
		unary("PoolPosition", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			id, err := requireString(in, "pool")
			if err != nil {
				return nil, err
			}
			provider, err := requireString(in, "provider")
			if err != nil {
				return nil, err
			}
			return s.PoolPosition(ctx, types.EntityID(id), types.Address(provider))
		}),
		unary("ProjectedEntity", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			id, err := requireString(in, "entity")
			if err != nil {
				return nil, err
			}
			return s.ProjectedEntity(ctx, types.EntityID(id))
		}),
		unary("EntityEvents", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			id, err := requireString(in, "entity")
			if err != nil {
				return nil, err
			}
			limit, before, err := paging(in)
			if err != nil {
				return nil, err
			}
			events, err := s.EntityEvents(ctx, types.EntityID(id), limit, before)
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": events}, nil
		}),
		unary("JournalHistory", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			owner, err := requireString(in, "owner")
			if err != nil {
				return nil, err
			}
			limit, before, err := paging(in)
			if err != nil {
				return nil, err
			}
			journals, err := s.JournalHistory(ctx, owner, limit, before)
			if err != nil {
				return nil, err
			}
			return map[string]any{"journals": journals}, nil
		}),
		unary("WalletBalance", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			addr, err := requireString(in, "address")
			if err != nil {
				return nil, err
			}
			return s.WalletBalance(ctx, types.Address(addr))
		}),
		unary("CustodyBalances", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			id, err := requireString(in, "entity")
			if err != nil {
				return nil, err
			}
			balances, err := s.CustodyBalances(ctx, types.EntityID(id))
			if err != nil {
				return nil, err
			}
			return map[string]any{"balances": balances}, nil
		}),
		unary("VerifyIntegrity", func(s *Service, ctx context.Context, _ *structpb.Struct) (any, error) {
			return s.VerifyIntegrity(ctx)
		}),
		unary("TakeSnapshot", func(s *Service, ctx context.Context, _ *structpb.Struct) (any, error) {
			return s.TakeSnapshot(ctx)
		}),
		unary("RebuildProjections", func(s *Service, ctx context.Context, _ *structpb.Struct) (any, error) {
			if err := s.RebuildProjections(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"rebuilt": true}, nil
		}),
		unary("InjectOraclePrice", func(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
			loan, err := requireString(in, "loan")
			if err != nil {
				return nil, err
			}
			sender, err := requireString(in, "sender")
			if err != nil {
				return nil, err
			}
			price, err := intField(in, "price")
			if err != nil {
				return nil, err
			}
			updatedAt, err := intField(in, "updated_at")
			if err != nil {
				return nil, err
			}
			return s.InjectOraclePrice(ctx, types.EntityID(loan), types.Address(sender), price, updatedAt)
		}),
	},
	Metadata: "nftlend/v1/protocol",
}

// grpcSubmit takes {entity, message_type, payload}. The payload is the same
// JSON body NATS and HTTP accept.
func grpcSubmit(s *Service, ctx context.Context, in *structpb.Struct) (any, error) {
	mt, err := requireString(in, "message_type")
	if err != nil {
		return nil, err
	}
	payload := in.GetFields()["payload"].GetStructValue()
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", core.ErrInvalidCommand)
	}
	// encoding/json keeps whole nanoton amounts out of exponent form.
	data, err := json.Marshal(payload.AsMap())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidCommand, err)
	}
	route := ingestion.Route{Entity: types.EntityID(stringField(in, "entity"))}
	return s.Submit(ctx, "grpc", event.MessageType(mt), data, route)
}

func unary(name string, h structHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := h(srv.(*Service), ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, toStatus(err).Err()
				}
				return toStruct(out)
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// toStruct converts a response through JSON. Non-object values are wrapped
// as {"value": v}.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	var m map[string]any
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, status.Errorf(codes.Internal, "decode response: %v", err)
		}
	} else {
		var inner any
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, status.Errorf(codes.Internal, "decode response: %v", err)
		}
		m = map[string]any{"value": inner}
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

func requireString(in *structpb.Struct, name string) (string, error) {
	v := stringField(in, name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", core.ErrInvalidCommand, name)
	}
	return v, nil
}

// intField accepts a number or a decimal string; absent fields are zero.
func intField(in *structpb.Struct, name string) (int64, error) {
	switch k := in.GetFields()[name].GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		return int64(k.NumberValue), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", core.ErrInvalidCommand, name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", core.ErrInvalidCommand, name)
	}
}

func paging(in *structpb.Struct) (int, int64, error) {
	limit, err := intField(in, "limit")
	if err != nil {
		return 0, 0, err
	}
	before, err := intField(in, "before_sequence")
	if err != nil {
		return 0, 0, err
	}
	return int(limit), before, nil
}

// toStatus maps core and protocol errors onto gRPC codes.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, core.ErrUnknownEntity), errors.Is(err, query.ErrNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrEntityExists):
		return status.New(codes.AlreadyExists, err.Error())
	case errors.Is(err, core.ErrInvalidCommand), errors.Is(err, core.ErrUnknownGetter):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrStopped), errors.Is(err, core.ErrNotStarted), errors.Is(err, ErrUnavailable):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, failure.ErrInsufficientValue), errors.Is(err, pool.ErrInsufficientLiquidity):
		return status.New(codes.ResourceExhausted, err.Error())
	}
	switch failure.KindOf(err) {
	case failure.Authorization:
		return status.New(codes.PermissionDenied, err.Error())
	case failure.State, failure.Guard:
		return status.New(codes.FailedPrecondition, err.Error())
	}
	return status.New(codes.Internal, err.Error())
}

func failureReason(err error) string {
	if failure.KindOf(err) == 0 {
		return ""
	}
	return failure.ReasonOf(err)
}

// RateLimitInterceptor throttles Submit only; reads are never limited.
func RateLimitInterceptor(limiter *rate.Limiter, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod == submitMethod && !limiter.Allow() {
			if metrics != nil {
				metrics.RateLimited.WithLabelValues("grpc").Inc()
			}
			return nil, status.Error(codes.ResourceExhausted, "submit rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call with its code and latency.
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		ev := logger.Debug()
		if code == codes.Internal {
			ev = logger.Error().Err(err)
		}
		ev.Str("method", info.FullMethod).Str("code", code.String()).Dur("took", time.Since(start)).Msg("grpc call")
		return resp, err
	}
}
