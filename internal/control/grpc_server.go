package control

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hcfes/stimtune/pkg/models"
)

// ServiceName is the fully qualified name of the control service
const ServiceName = "stimtune.control.v1.Control"

const (
	methodGetStatus    = "/" + ServiceName + "/GetStatus"
	methodAbort        = "/" + ServiceName + "/Abort"
	methodSubmitManual = "/" + ServiceName + "/SubmitManual"
)

// ControlServer is the server API of the control service. Messages are well-known
// types: the status and manual vectors travel as JSON objects in a Struct.
type ControlServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Abort(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitManual(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "Abort", Handler: abortHandler},
		{MethodName: "SubmitManual", Handler: submitManualHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stimtune/control/v1/control.proto",
}

// RegisterControlServer registers srv on s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetStatus(ctx, req.(*emptypb.Empty))
	})
}

func abortHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAbort}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).Abort(ctx, req.(*emptypb.Empty))
	})
}

func submitManualHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SubmitManual(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSubmitManual}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).SubmitManual(ctx, req.(*structpb.Struct))
	})
}

// GRPCServer implements ControlServer on top of a Session
type GRPCServer struct {
	session Session
	log     *slog.Logger
}

// NewGRPCServer creates a control server for sess
func NewGRPCServer(sess Session, log *slog.Logger) *GRPCServer {
	return &GRPCServer{session: sess, log: log}
}

func (s *GRPCServer) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.session.Status())
}

func (s *GRPCServer) Abort(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.session.Abort()
	st := s.session.Status()
	s.log.Warn("abort requested over grpc", "session_id", st.SessionID)
	return toStruct(st)
}

func (s *GRPCServer) SubmitManual(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "parameter vector is required")
	}
	var v models.ParameterVector
	if err := fromStruct(req, &v); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid parameter vector: "+err.Error())
	}
	if len(v.Settings) == 0 {
		return nil, status.Error(codes.InvalidArgument, "settings are required")
	}

	queued, err := s.session.SubmitManual(v)
	if err != nil {
		_, code := classify(err)
		return nil, status.Error(code, err.Error())
	}
	s.log.Info("manual parameters queued", "parameters", queued.String())
	return toStruct(queued)
}

// toStruct converts any JSON-encodable value into a Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// fromStruct decodes a Struct into v through its JSON form
func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Client calls the control service of a remote stimtune process
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Status fetches the remote session status
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Abort asks the remote session to stop
func (c *Client) Abort(ctx context.Context, opts ...grpc.CallOption) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodAbort, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// SubmitManual queues v on a remote manual session and returns the vector as it will be applied
func (c *Client) SubmitManual(ctx context.Context, v models.ParameterVector, opts ...grpc.CallOption) (models.ParameterVector, error) {
	in, err := toStruct(v)
	if err != nil {
		return models.ParameterVector{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodSubmitManual, in, out, opts...); err != nil {
		return models.ParameterVector{}, err
	}
	var queued models.ParameterVector
	if err := fromStruct(out, &queued); err != nil {
		return models.ParameterVector{}, err
	}
	return queued, nil
}
