// Package facerecognition turns face images into embeddings.
package facerecognition

import (
	"context"
	"errors"

	"github.com/example/biowallet/internal/embedding"
)

// ErrNoFaceDetected is returned when an image contains no usable face.
var ErrNoFaceDetected = errors.New("no face detected")

// Box is a detected face's bounding box.
type Box struct {
	Probability float64 `json:"probability"`
	XMin        int     `json:"x_min"`
	YMin        int     `json:"y_min"`
	XMax        int     `json:"x_max"`
	YMax        int     `json:"y_max"`
}

// Face is one detected face.
type Face struct {
	Embedding embedding.Embedding `json:"embedding"`
	Box       Box                 `json:"box"`
}

// Result contains the faces returned by the recognition service.
type Result struct {
	Faces []Face
}

// Client exposes the subset of functionality used by the verification flow.
type Client interface {
	Recognize(ctx context.Context, image []byte) (*Result, error)
}

// FirstEmbedding returns the embedding of the first detected face.
func FirstEmbedding(res *Result) (embedding.Embedding, error) {
	if res == nil || len(res.Faces) == 0 || len(res.Faces[0].Embedding) == 0 {
		return nil, ErrNoFaceDetected
	}
	return res.Faces[0].Embedding, nil
}
