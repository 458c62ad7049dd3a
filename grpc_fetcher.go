// grpc_fetcher.go: Payload transfer over gRPC without generated stubs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	payloadServiceName = "pluginresolver.v1.PayloadService"
	payloadFetchMethod = "/" + payloadServiceName + "/Fetch"

	defaultGRPCMessageSize = 64 << 20
)

// GRPCFetcherConfig configures a GRPCFetcher.
type GRPCFetcherConfig struct {
	// Endpoint is the gRPC target, e.g. "plugins.internal:7443".
	Endpoint string

	// TLS enables transport security; nil uses an insecure connection.
	TLS *tls.Config

	// MaxMessageSize bounds a single payload. Defaults to 64 MiB.
	MaxMessageSize int

	// DialOptions are appended after the options derived above.
	DialOptions []grpc.DialOption
}

// GRPCFetcher retrieves payloads from a payload service registered with
// RegisterPayloadService. Requests and responses use the protobuf
// well-known wrapper types, so no generated code is required.
//
// Registry sources address it with grpc:// URLs:
//
//	source:
//	  url: grpc://plugins.internal:7443/auth/1.2.0.zip
type GRPCFetcher struct {
	conn   *grpc.ClientConn
	logger Logger
}

// NewGRPCFetcher creates a client for cfg.Endpoint. The connection is
// established lazily on the first call.
func NewGRPCFetcher(cfg GRPCFetcherConfig, logger any) (*GRPCFetcher, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, NewConfigValidationError("grpc fetcher endpoint is required", nil)
	}
	size := cfg.MaxMessageSize
	if size <= 0 {
		size = defaultGRPCMessageSize
	}

	var opts []grpc.DialOption
	if cfg.TLS != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg.TLS)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(size)))
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}
	return &GRPCFetcher{conn: conn, logger: NewLogger(logger)}, nil
}

// SupportsScheme makes GRPCFetcher usable inside a SchemeFetcher.
func (f *GRPCFetcher) SupportsScheme(scheme string) bool {
	return scheme == "grpc"
}

// Fetch asks the remote payload service for rawURL.
func (f *GRPCFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp := &wrapperspb.BytesValue{}
	if err := f.conn.Invoke(ctx, payloadFetchMethod, wrapperspb.String(rawURL), resp); err != nil {
		f.logger.Debug("gRPC payload fetch failed", "url", rawURL, "code", status.Code(err).String())
		return nil, err
	}
	return resp.GetValue(), nil
}

// Close releases the connection.
func (f *GRPCFetcher) Close() error {
	return f.conn.Close()
}

// PayloadServer is the server side of the payload service.
type PayloadServer interface {
	FetchPayload(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

// fetcherPayloadServer serves payloads from a local Fetcher. grpc:// URLs
// are reduced to their path before being handed to the source.
type fetcherPayloadServer struct {
	source Fetcher
	logger Logger
}

func (s *fetcherPayloadServer) FetchPayload(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	location := req.GetValue()
	if location == "" {
		return nil, status.Error(codes.InvalidArgument, "payload location is required")
	}
	if u, err := url.Parse(location); err == nil && u.Scheme == "grpc" {
		location = strings.TrimPrefix(u.Path, "/")
	}

	data, err := s.source.Fetch(ctx, location)
	if err != nil {
		s.logger.Warn("Payload request failed", "location", location, "error", err)
		return nil, status.Errorf(codes.NotFound, "payload %s unavailable: %v", location, err)
	}
	return wrapperspb.Bytes(data), nil
}

// RegisterPayloadService exposes source on s.
//
// Example:
//
//	server := grpc.NewServer()
//	RegisterPayloadService(server, &FileFetcher{}, logger)
//	go server.Serve(listener)
func RegisterPayloadService(s *grpc.Server, source Fetcher, logger any) {
	s.RegisterService(&payloadServiceDesc, &fetcherPayloadServer{source: source, logger: NewLogger(logger)})
}

var payloadServiceDesc = grpc.ServiceDesc{
	ServiceName: payloadServiceName,
	HandlerType: (*PayloadServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Fetch", Handler: payloadFetchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pluginresolver/v1/payload.proto",
}

func payloadFetchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PayloadServer).FetchPayload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: payloadFetchMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PayloadServer).FetchPayload(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
