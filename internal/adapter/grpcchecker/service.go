// Package grpcchecker runs checkers out of process over gRPC. Messages are
// google.protobuf.Struct documents so plugins need no generated code.
package grpcchecker

import (
	"context"
	"encoding/json"
	"fmt"

	"bytemomo/warden/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName    = "warden.checker.v1.Checker"
	runMethod      = "/" + serviceName + "/Run"
	describeMethod = "/" + serviceName + "/Describe"
)

// checkerService is the server-side contract behind serviceDesc.
type checkerService interface {
	run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	describe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*checkerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: unaryHandler(runMethod, checkerService.run)},
		{MethodName: "Describe", Handler: unaryHandler(describeMethod, checkerService.describe)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/checker/v1/checker.proto",
}

func unaryHandler(method string, call func(checkerService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(checkerService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(checkerService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RunRequest is the Run request document.
type RunRequest struct {
	Checker   string         `json:"checker"`
	Target    domain.Target  `json:"target"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty"`
}

// RunResponse is the Run response document. Unavailable carries the reason
// when the inspected facility does not exist on the target.
type RunResponse struct {
	Findings    []domain.Finding `json:"findings"`
	Unavailable string           `json:"unavailable,omitempty"`
}

// Description is the Describe response document.
type Description struct {
	Name        string   `json:"name"`
	Categories  []string `json:"categories"`
	Description string   `json:"description,omitempty"`
}

// toStruct converts v through its JSON form. Evidence maps hold arbitrary
// types that structpb.NewStruct does not accept directly.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
