package supervisor

import "google.golang.org/grpc"

const (
	serviceName = "ocapkernel.vat.Supervisor"
	streamName  = "DeliveryStream"

	// fullMethod is the path grpc routes the DeliveryStream RPC under,
	// exactly as a protoc-generated ServiceDesc would produce it.
	fullMethod = "/" + serviceName + "/" + streamName
)

// streamServer is the minimal interface a protoc-generated service
// registration would otherwise provide; Manager implements it.
type streamServer interface {
	handleStream(grpc.ServerStream) error
}

// ServiceDesc describes the kernel's single-RPC vat supervisor service to
// grpc.Server.RegisterService. There is no .proto source to generate this
// from (see doc.go); it is written by hand against the registered "json"
// codec instead.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    streamName,
			Handler:       deliveryStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/supervisor/service.go",
}

func deliveryStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(streamServer).handleStream(stream)
}
