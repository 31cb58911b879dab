package protocol

import (
	"context"

	"google.golang.org/grpc"
)

// VicodynServer is the forwarding proxy's client-facing RPC surface (C10).
// It exposes the same DataFrame shape as NodeService.Enqueue so a client
// cannot distinguish talking to Vicodyn from talking to a local app directly.
type VicodynServer interface {
	Invoke(Vicodyn_InvokeServer) error
}

type VicodynClient interface {
	Invoke(ctx context.Context, opts ...grpc.CallOption) (Vicodyn_InvokeClient, error)
}

type Vicodyn_InvokeServer interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ServerStream
}

type Vicodyn_InvokeClient interface {
	Send(*DataFrame) error
	Recv() (*DataFrame, error)
	grpc.ClientStream
}

type vicodynInvokeServerStream struct{ grpc.ServerStream }

func (x *vicodynInvokeServerStream) Send(m *DataFrame) error { return x.ServerStream.SendMsg(m) }
func (x *vicodynInvokeServerStream) Recv() (*DataFrame, error) {
	m := new(DataFrame)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _Vicodyn_Invoke_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(VicodynServer).Invoke(&vicodynInvokeServerStream{stream})
}

// VicodynServiceDesc is the grpc.ServiceDesc for VicodynServer.
var VicodynServiceDesc = grpc.ServiceDesc{
	ServiceName: "vicodyn.Vicodyn",
	HandlerType: (*VicodynServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Invoke", Handler: _Vicodyn_Invoke_Handler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "vicodyn/vicodynpb",
}

type vicodynClient struct{ cc *grpc.ClientConn }

// NewVicodynClient returns a client stub bound to cc, used by Proxy Dispatch
// to reach a remote Peer's vicodyn.Vicodyn endpoint. The Node Service does
// not register this service, so it cannot be reached through this stub.
func NewVicodynClient(cc *grpc.ClientConn) VicodynClient {
	return &vicodynClient{cc: cc}
}

func (c *vicodynClient) Invoke(ctx context.Context, opts ...grpc.CallOption) (Vicodyn_InvokeClient, error) {
	stream, err := c.cc.NewStream(ctx, &VicodynServiceDesc.Streams[0], "/vicodyn.Vicodyn/Invoke", opts...)
	if err != nil {
		return nil, err
	}
	return &vicodynInvokeClientStream{stream}, nil
}

type vicodynInvokeClientStream struct{ grpc.ClientStream }

func (x *vicodynInvokeClientStream) Send(m *DataFrame) error { return x.ClientStream.SendMsg(m) }
func (x *vicodynInvokeClientStream) Recv() (*DataFrame, error) {
	m := new(DataFrame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
