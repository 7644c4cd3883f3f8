package guardian

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// validateMethod — полное имя unary-метода Guardian-сервиса
const validateMethod = "/guardian.v1.Guardian/Validate"

// GRPCClient — адаптер к Guardian по gRPC. Контракт договорной:
// обе стороны обмениваются google.protobuf.Struct, поэтому вызов
// делается напрямую через Invoke без сгенерированных стабов.
type GRPCClient struct {
	conn        grpc.ClientConnInterface
	callTimeout time.Duration
}

func NewGRPCClient(conn grpc.ClientConnInterface, callTimeout time.Duration) *GRPCClient {
	if callTimeout <= 0 {
		callTimeout = 3 * time.Second
	}
	return &GRPCClient{conn: conn, callTimeout: callTimeout}
}

// Validate выполняет чекпоинт. Защитный таймаут на уровне вызова:
// даже если обертка выше имеет свой, адаптер должен иметь свой предел.
func (c *GRPCClient) Validate(ctx context.Context, req OperationRequest) (Decision, error) {
	payload := map[string]interface{}{
		"agent_id":  req.AgentID,
		"operation": req.Operation,
	}
	if req.Command != "" {
		payload["command"] = req.Command
	}
	if req.TraceID != "" {
		payload["trace_id"] = req.TraceID
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	in, err := structpb.NewStruct(payload)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to build request struct: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, validateMethod, in, out); err != nil {
		return Decision{}, fmt.Errorf("guardian call failed: %w", err)
	}

	return decisionFromStruct(out), nil
}

func decisionFromStruct(s *structpb.Struct) Decision {
	d := Decision{RiskLevel: RiskLow}
	fields := s.GetFields()

	if v, ok := fields["approved"]; ok {
		d.Approved = v.GetBoolValue()
	}
	if v, ok := fields["reason"]; ok {
		d.Reason = v.GetStringValue()
	}
	if v, ok := fields["risk_level"]; ok && v.GetStringValue() != "" {
		d.RiskLevel = RiskLevel(v.GetStringValue())
	}
	return d
}
