package protocol

import (
	"context"

	"google.golang.org/grpc"
)

// This file hand-rolls the client/server stubs that protoc-gen-go-grpc would
// otherwise generate from a .proto. There is no .proto in this module: the
// wire messages are plain structs (frames.go) carried by jsonCodec, so the
// descriptors below are written directly against the grpc.ServiceDesc /
// grpc.StreamDesc API rather than produced by protoc.

// StartAppRequest/Response, PauseAppRequest/Response, ListRequest/Response,
// and InfoRequest/Response are the unary request/response pairs of the
// Node Service RPC named in spec.md §6.

type StartAppRequest struct {
	Name    string `json:"name"`
	Profile string `json:"profile"`
}

type StartAppResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type PauseAppRequest struct {
	Name string `json:"name"`
}

type PauseAppResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type ListRequest struct{}

type ListResponse struct {
	Names []string `json:"names"`
}

// InfoFlags select verbosity of an Info response (SPEC_FULL §3).
type InfoFlags struct {
	Verbose bool `json:"verbose"`
}

type InfoRequest struct {
	Name  string    `json:"name"`
	Flags InfoFlags `json:"flags"`
}

type SlaveInfo struct {
	UUID       string `json:"uuid"`
	State      string `json:"state"`
	Load       int    `json:"load"`
	LifetimeTx uint64 `json:"lifetime_tx"`
	LifetimeRx uint64 `json:"lifetime_rx"`
	AgeSeconds float64 `json:"age_seconds"`
}

type InfoResponse struct {
	Name      string      `json:"name"`
	Pool      int         `json:"pool"`
	Queued    int         `json:"queued"`
	Accepted  uint64      `json:"accepted"`
	Rejected  uint64      `json:"rejected"`
	Spawned   uint64      `json:"spawned"`
	Crashed   uint64      `json:"crashed"`
	Slaves    []SlaveInfo `json:"slaves,omitempty"`
}

// NodeServiceServer is implemented by the runtime's node package.
type NodeServiceServer interface {
	StartApp(context.Context, *StartAppRequest) (*StartAppResponse, error)
	PauseApp(context.Context, *PauseAppRequest) (*PauseAppResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Info(context.Context, *InfoRequest) (*InfoResponse, error)
	Enqueue(NodeService_EnqueueServer) error
	Handshake(NodeService_HandshakeServer) error
	// Attach is opened by a worker after Handshake completes, carrying the
	// multiplexed data session (invoke/chunk/choke/error frames for every
	// channel assigned to that worker). Kept as a distinct RPC from
	// Handshake and Enqueue so the control and data channels of spec.md §5
	// are genuinely independent connections that tear down on their own
	// timelines.
	Attach(NodeService_AttachServer) error
}

// NodeServiceClient is the client-side stub for the Node Service; nothing
// in this module constructs one.
type NodeServiceClient interface {
	StartApp(ctx context.Context, in *StartAppRequest, opts ...grpc.CallOption) (*StartAppResponse, error)
	PauseApp(ctx context.Context, in *PauseAppRequest, opts ...grpc.CallOption) (*PauseAppResponse, error)
	List(ctx context.Context, in *ListRequest, opts ...grpc.CallOption) (*ListResponse, error)
	Info(ctx context.Context, in *InfoRequest, opts ...grpc.CallOption) (*InfoResponse, error)
	Enqueue(ctx context.Context, opts ...grpc.CallOption) (NodeService_EnqueueClient, error)
	Handshake(ctx context.Context, opts ...grpc.CallOption) (NodeService_HandshakeClient, error)
	Attach(ctx context.Context, opts ...grpc.CallOption) (NodeService_AttachClient, error)
}

type NodeService_EnqueueServer interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ServerStream
}

type NodeService_EnqueueClient interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ClientStream
}

type NodeService_AttachServer interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ServerStream
}

type NodeService_AttachClient interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ClientStream
}

type NodeService_HandshakeServer interface {
	Send(*ControlFrame) error
	Recv() (*ControlFrame, error)
	grpc.ServerStream
}

type NodeService_HandshakeClient interface {
	Send(*ControlFrame) error
	Recv() (*ControlFrame, error)
	grpc.ClientStream
}

type nodeServiceEnqueueStream struct{ grpc.ServerStream }

func (x *nodeServiceEnqueueStream) Send(m *DataFrame) error { return x.ServerStream.SendMsg(m) }
func (x *nodeServiceEnqueueStream) Recv() (*DataFrame, error) {
	m := new(DataFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type nodeServiceHandshakeStream struct{ grpc.ServerStream }

func (x *nodeServiceHandshakeStream) Send(m *ControlFrame) error { return x.ServerStream.SendMsg(m) }
func (x *nodeServiceHandshakeStream) Recv() (*ControlFrame, error) {
	m := new(ControlFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _NodeService_StartApp_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StartAppRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).StartApp(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vicodyn.NodeService/StartApp"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServiceServer).StartApp(ctx, req.(*StartAppRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NodeService_PauseApp_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PauseAppRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).PauseApp(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vicodyn.NodeService/PauseApp"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServiceServer).PauseApp(ctx, req.(*PauseAppRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NodeService_List_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vicodyn.NodeService/List"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServiceServer).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NodeService_Info_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(InfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServiceServer).Info(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/vicodyn.NodeService/Info"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NodeServiceServer).Info(ctx, req.(*InfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NodeService_Enqueue_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).Enqueue(&nodeServiceEnqueueStream{stream})
}

func _NodeService_Attach_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).Attach(&nodeServiceEnqueueStream{stream})
}

func _NodeService_Handshake_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(NodeServiceServer).Handshake(&nodeServiceHandshakeStream{stream})
}

// NodeServiceServiceDesc is the grpc.ServiceDesc for NodeServiceServer.
var NodeServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: "vicodyn.NodeService",
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartApp", Handler: _NodeService_StartApp_Handler},
		{MethodName: "PauseApp", Handler: _NodeService_PauseApp_Handler},
		{MethodName: "List", Handler: _NodeService_List_Handler},
		{MethodName: "Info", Handler: _NodeService_Info_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Enqueue", Handler: _NodeService_Enqueue_Handler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Handshake", Handler: _NodeService_Handshake_Handler, ServerStreams: true, ClientStreams: true},
		{StreamName: "Attach", Handler: _NodeService_Attach_Handler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "vicodyn/nodepb",
}

type nodeServiceClient struct {
	cc *grpc.ClientConn
}

// NewNodeServiceClient returns a client stub bound to cc.
func NewNodeServiceClient(cc *grpc.ClientConn) NodeServiceClient {
	return &nodeServiceClient{cc: cc}
}

func (c *nodeServiceClient) StartApp(ctx context.Context, in *StartAppRequest, opts ...grpc.CallOption) (*StartAppResponse, error) {
	out := new(StartAppResponse)
	if err := c.cc.Invoke(ctx, "/vicodyn.NodeService/StartApp", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) PauseApp(ctx context.Context, in *PauseAppRequest, opts ...grpc.CallOption) (*PauseAppResponse, error) {
	out := new(PauseAppResponse)
	if err := c.cc.Invoke(ctx, "/vicodyn.NodeService/PauseApp", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) List(ctx context.Context, in *ListRequest, opts ...grpc.CallOption) (*ListResponse, error) {
	out := new(ListResponse)
	if err := c.cc.Invoke(ctx, "/vicodyn.NodeService/List", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) Info(ctx context.Context, in *InfoRequest, opts ...grpc.CallOption) (*InfoResponse, error) {
	out := new(InfoResponse)
	if err := c.cc.Invoke(ctx, "/vicodyn.NodeService/Info", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeServiceClient) Enqueue(ctx context.Context, opts ...grpc.CallOption) (NodeService_EnqueueClient, error) {
	stream, err := c.cc.NewStream(ctx, &NodeServiceServiceDesc.Streams[0], "/vicodyn.NodeService/Enqueue", opts...)
	if err != nil {
		return nil, err
	}
	return &nodeServiceEnqueueClientStream{stream}, nil
}

func (c *nodeServiceClient) Handshake(ctx context.Context, opts ...grpc.CallOption) (NodeService_HandshakeClient, error) {
	stream, err := c.cc.NewStream(ctx, &NodeServiceServiceDesc.Streams[1], "/vicodyn.NodeService/Handshake", opts...)
	if err != nil {
		return nil, err
	}
	return &nodeServiceHandshakeClientStream{stream}, nil
}

func (c *nodeServiceClient) Attach(ctx context.Context, opts ...grpc.CallOption) (NodeService_AttachClient, error) {
	stream, err := c.cc.NewStream(ctx, &NodeServiceServiceDesc.Streams[2], "/vicodyn.NodeService/Attach", opts...)
	if err != nil {
		return nil, err
	}
	return &nodeServiceEnqueueClientStream{stream}, nil
}

type nodeServiceEnqueueClientStream struct{ grpc.ClientStream }

func (x *nodeServiceEnqueueClientStream) Send(m *DataFrame) error { return x.ClientStream.SendMsg(m) }
func (x *nodeServiceEnqueueClientStream) Recv() (*DataFrame, error) {
	m := new(DataFrame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type nodeServiceHandshakeClientStream struct{ grpc.ClientStream }

func (x *nodeServiceHandshakeClientStream) Send(m *ControlFrame) error {
	return x.ClientStream.SendMsg(m)
}
func (x *nodeServiceHandshakeClientStream) Recv() (*ControlFrame, error) {
	m := new(ControlFrame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
