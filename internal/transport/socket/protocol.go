package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown Operation = 0
	OperationDeliver Operation = 1
	OperationPing    Operation = 2
	OperationHealth  Operation = 3
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeIntegrity       ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type SocketRequest struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Deliver   *DeliverRequest `protobuf:"bytes,4,opt,name=deliver,proto3"`
	Ping      *PingRequest    `protobuf:"bytes,5,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32            `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string           `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Deliver      *DeliverResponse `protobuf:"bytes,4,opt,name=deliver,proto3"`
	Pong         *PongResponse    `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse  `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

type DeliverRequest struct {
	DispatchId      string `protobuf:"bytes,1,opt,name=dispatch_id,json=dispatchId,proto3"`
	PackageId       string `protobuf:"bytes,2,opt,name=package_id,json=packageId,proto3"`
	Name            string `protobuf:"bytes,3,opt,name=name,proto3"`
	Version         int64  `protobuf:"varint,4,opt,name=version,proto3"`
	Checksum        string `protobuf:"bytes,5,opt,name=checksum,proto3"`
	Payload         []byte `protobuf:"bytes,6,opt,name=payload,proto3"`
	PriorityClass   string `protobuf:"bytes,7,opt,name=priority_class,json=priorityClass,proto3"`
	DistributionKey string `protobuf:"bytes,8,opt,name=distribution_key,json=distributionKey,proto3"`
	SourceTenant    string `protobuf:"bytes,9,opt,name=source_tenant,json=sourceTenant,proto3"`
	PartnerId       string `protobuf:"bytes,10,opt,name=partner_id,json=partnerId,proto3"`
	SentAtUtcNs     int64  `protobuf:"varint,11,opt,name=sent_at_utc_ns,json=sentAtUtcNs,proto3"`
}

func (*DeliverRequest) Reset()         {}
func (*DeliverRequest) String() string { return "DeliverRequest" }
func (*DeliverRequest) ProtoMessage()  {}

type DeliverResponse struct {
	Accepted        bool   `protobuf:"varint,1,opt,name=accepted,proto3"`
	Receipt         string `protobuf:"bytes,2,opt,name=receipt,proto3"`
	ReceivedAtUtcNs int64  `protobuf:"varint,3,opt,name=received_at_utc_ns,json=receivedAtUtcNs,proto3"`
	Duplicate       bool   `protobuf:"varint,4,opt,name=duplicate,proto3"`
}

func (*DeliverResponse) Reset()         {}
func (*DeliverResponse) String() string { return "DeliverResponse" }
func (*DeliverResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	if Operation(req.Operation) == OperationDeliver && req.Deliver == nil {
		return fmt.Errorf("deliver body required")
	}
	return nil
}

func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
