package capabilities

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/otherjamesbrown/lexireport/pkg/analysis"
	"github.com/otherjamesbrown/lexireport/pkg/blob"
	lrerrors "github.com/otherjamesbrown/lexireport/pkg/errors"
)

// DefaultGRPCMethod is the unary method capability services implement. It
// takes and returns a google.protobuf.Struct.
const DefaultGRPCMethod = "/lexireport.capability.v1.Capability/Invoke"

// Default connection settings.
const (
	DefaultKeepaliveTime    = 5 * time.Minute
	DefaultKeepaliveTimeout = 20 * time.Second
)

// GRPCConfig configures a GRPCAdapter.
type GRPCConfig struct {
	Capability analysis.Capability
	Target     string
	// Method defaults to DefaultGRPCMethod.
	Method string
	Tokens TokenSource
	// DialOptions replace the default insecure transport and keepalive options.
	DialOptions []grpc.DialOption
}

// GRPCAdapter calls a capability served over gRPC using structpb messages.
type GRPCAdapter struct {
	capability analysis.Capability
	method     string
	conn       *grpc.ClientConn
	tokens     TokenSource
	health     grpc_health_v1.HealthClient
}

// NewGRPCAdapter creates the client connection. The connection is lazy; use
// HealthCheck to verify the service is serving.
func NewGRPCAdapter(cfg GRPCConfig) (*GRPCAdapter, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("capability %s: target is required", cfg.Capability)
	}
	opts := cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                DefaultKeepaliveTime,
				Timeout:             DefaultKeepaliveTimeout,
				PermitWithoutStream: true,
			}),
		}
	}

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Target, err)
	}

	method := cfg.Method
	if method == "" {
		method = DefaultGRPCMethod
	}
	return &GRPCAdapter{
		capability: cfg.Capability,
		method:     method,
		conn:       conn,
		tokens:     cfg.Tokens,
		health:     grpc_health_v1.NewHealthClient(conn),
	}, nil
}

// Invoke sends the payload as a Struct and decodes the Struct response.
func (a *GRPCAdapter) Invoke(ctx context.Context, stage analysis.StageName, p Payload) (*Result, error) {
	req, err := payloadStruct(stage, p)
	if err != nil {
		return nil, lrerrors.Permanent("encode request", err)
	}

	if a.tokens != nil {
		tok, err := a.tokens.BearerToken(string(a.capability))
		if err != nil {
			return nil, lrerrors.NewStageError(lrerrors.ErrCapabilityUnavailable, "load capability token", err)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
	}

	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, a.method, req, resp); err != nil {
		return nil, grpcError(ctx, err)
	}
	return resultFromStruct(resp)
}

// HealthCheck queries the standard gRPC health service.
func (a *GRPCAdapter) HealthCheck(ctx context.Context) error {
	resp, err := a.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check %s: %w", a.capability, err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("capability %s is %s", a.capability, resp.GetStatus())
	}
	return nil
}

// Close closes the connection.
func (a *GRPCAdapter) Close() error {
	if err := a.conn.Close(); err != nil {
		return fmt.Errorf("closing connection: %w", err)
	}
	return nil
}

func grpcError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return lrerrors.Transient("capability call failed", err)
	}
	msg := st.Message()
	switch st.Code() {
	case codes.ResourceExhausted:
		return lrerrors.NewStageError(lrerrors.ErrRateLimit, msg, err)
	case codes.DeadlineExceeded:
		return lrerrors.NewStageError(lrerrors.ErrTimeout, msg, err)
	case codes.Unavailable, codes.Aborted, codes.Unauthenticated, codes.PermissionDenied:
		return lrerrors.NewStageError(lrerrors.ErrCapabilityUnavailable, msg, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return lrerrors.NewStageError(lrerrors.ErrInvalidInput, msg, err)
	case codes.Unimplemented:
		return lrerrors.NewStageError(lrerrors.ErrUnsupportedDocument, msg, err)
	default:
		return lrerrors.NewStageError(lrerrors.ErrProcessingError, msg, err)
	}
}

func payloadStruct(stage analysis.StageName, p Payload) (*structpb.Struct, error) {
	inputs := make(map[string]interface{}, len(p.Inputs))
	for name, raw := range p.Inputs {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		inputs[string(name)] = v
	}

	m := map[string]interface{}{
		"report_id": p.ReportID,
		"stage":     string(stage),
		"kind":      string(p.Kind),
		"inputs":    inputs,
	}
	if len(p.Document) > 0 {
		m["document"] = base64.StdEncoding.EncodeToString(p.Document)
	}
	if p.Question != "" {
		m["question"] = p.Question
	}
	return structpb.NewStruct(m)
}

func resultFromStruct(s *structpb.Struct) (*Result, error) {
	fields := s.AsMap()

	content, ok := fields["content"]
	if !ok {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "capability response has no content", nil)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "encode capability content", err)
	}

	res := &Result{Content: raw}
	if c, ok := fields["confidence"].(float64); ok {
		res.Confidence = Confidence(c)
	}
	if am, ok := fields["asset"].(map[string]interface{}); ok {
		asset := &blob.Asset{}
		asset.Name, _ = am["name"].(string)
		asset.ContentType, _ = am["content_type"].(string)
		if data, ok := am["data"].(string); ok {
			decoded, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, lrerrors.NewStageError(lrerrors.ErrInvalidOutput, "decode asset data", err)
			}
			asset.Data = decoded
		}
		res.Asset = asset
	}
	return res, nil
}

var _ Adapter = (*GRPCAdapter)(nil)
