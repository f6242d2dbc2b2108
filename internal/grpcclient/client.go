package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/facerecognition"
	"github.com/example/biowallet/internal/logging"
)

// EmbedMethod is the full method name of the embedding service's unary call.
// Requests and responses are google.protobuf.Struct messages:
//
//	request:  {"image": "<base64>"}
//	response: {"faces": [{"embedding": [..]}]}
const EmbedMethod = "/biowallet.embedding.v1.EmbeddingService/Embed"

// DialEmbeddingService returns a ready-to-use recognition client backed by gRPC.
func DialEmbeddingService(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (facerecognition.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_embedding_service", "", err)
		logger.Error("failed to dial embedding service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcEmbedder{conn: conn, logger: logger.Named("grpc_embedder")}, conn, nil
}

type grpcEmbedder struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcEmbedder) Recognize(ctx context.Context, image []byte) (*facerecognition.Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, EmbedMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.embed", "", err)
		g.logger.Error("embedding service call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return decodeFaces(resp)
}

func decodeFaces(resp *structpb.Struct) (*facerecognition.Result, error) {
	result := &facerecognition.Result{}
	faces := resp.GetFields()["faces"].GetListValue().GetValues()
	for i, f := range faces {
		values := f.GetStructValue().GetFields()["embedding"].GetListValue().GetValues()
		vec := make(embedding.Embedding, 0, len(values))
		for j, v := range values {
			num, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("face %d embedding[%d] is not a number", i, j)
			}
			vec = append(vec, num.NumberValue)
		}
		result.Faces = append(result.Faces, facerecognition.Face{Embedding: vec})
	}
	return result, nil
}
