// Package embedding holds the face embedding value type and the encodings it
// travels in: JSON for the oracle request arguments and ABI uint256[] for the
// payload stored by the validator contract.
package embedding

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrEmpty is returned for an embedding with no values.
	ErrEmpty = errors.New("embedding is empty")
	// ErrNonFinite is returned when an embedding contains NaN or Inf.
	ErrNonFinite = errors.New("embedding contains a non-finite value")
	// ErrLengthMismatch is returned when two embeddings cannot be compared.
	ErrLengthMismatch = errors.New("embedding lengths differ")
)

// Embedding is an ordered vector produced by a face recognition model.
type Embedding []float64

// Validate reports whether the embedding can be sent for comparison.
func (e Embedding) Validate() error {
	if len(e) == 0 {
		return ErrEmpty
	}
	for i, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
	}
	return nil
}

// CheckCompatible validates both embeddings and requires equal length.
func CheckCompatible(stored, fresh Embedding) error {
	if err := stored.Validate(); err != nil {
		return fmt.Errorf("stored: %w", err)
	}
	if err := fresh.Validate(); err != nil {
		return fmt.Errorf("fresh: %w", err)
	}
	if len(stored) != len(fresh) {
		return fmt.Errorf("%w: stored=%d fresh=%d", ErrLengthMismatch, len(stored), len(fresh))
	}
	return nil
}

// EncodeSource renders the source embedding as the oracle expects it: a JSON array.
func EncodeSource(e Embedding) (string, error) {
	raw, err := json.Marshal([]float64(e))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EncodeTargets renders candidate embeddings as a JSON array of arrays. The
// oracle supports one-to-many matching even though callers pass one candidate.
func EncodeTargets(targets ...Embedding) (string, error) {
	rows := make([][]float64, 0, len(targets))
	for _, t := range targets {
		rows = append(rows, []float64(t))
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

var uint256Array = abi.Arguments{{Type: mustType("uint256[]")}}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// DecodeABI decodes an abi.encode(uint256[]) payload into an embedding.
func DecodeABI(payload []byte) (Embedding, error) {
	if len(payload) == 0 {
		return nil, ErrEmpty
	}
	values, err := uint256Array.Unpack(payload)
	if err != nil {
		return nil, fmt.Errorf("decode uint256[]: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode uint256[]: expected 1 value, got %d", len(values))
	}
	ints, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode uint256[]: unexpected type %T", values[0])
	}
	out := make(Embedding, len(ints))
	for i, v := range ints {
		f, _ := new(big.Float).SetInt(v).Float64()
		out[i] = f
	}
	return out, nil
}

// EncodeABI encodes integer-valued embeddings as abi.encode(uint256[]).
// Values must be non-negative whole numbers.
func EncodeABI(e Embedding) ([]byte, error) {
	ints := make([]*big.Int, len(e))
	for i, v := range e {
		if v < 0 || v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("value %v at index %d is not a uint256", v, i)
		}
		ints[i], _ = big.NewFloat(v).Int(nil)
	}
	return uint256Array.Pack(ints)
}

// RegistrationScale is the fixed-point factor registered embeddings are stored with.
const RegistrationScale = 1_000_000

// Registration is what the wallet factory stores for a new wallet.
type Registration struct {
	// Values are the shifted, scaled whole numbers that were encoded.
	Values Embedding
	// Payload is abi.encode(uint256[]) of Values.
	Payload []byte
	// FacialHash is the first 32 bytes of the JSON encoding, zero padded.
	FacialHash common.Hash
}

// EncodeRegistration prepares e for the wallet factory. Values are shifted
// from [-1, 1] into [0, 2] and scaled by RegistrationScale before encoding.
func EncodeRegistration(e Embedding) (*Registration, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	values := make(Embedding, len(e))
	for i, v := range e {
		values[i] = math.Floor((v + 1) * RegistrationScale)
	}
	payload, err := EncodeABI(values)
	if err != nil {
		return nil, fmt.Errorf("encode registration: %w", err)
	}
	source, err := EncodeSource(e)
	if err != nil {
		return nil, err
	}
	var facialHash common.Hash
	copy(facialHash[:], source)
	return &Registration{Values: values, Payload: payload, FacialHash: facialHash}, nil
}

// Hash is the keccak256 of the JSON encoding. It identifies an embedding in
// logs and responses without exposing the vector itself.
func Hash(e Embedding) (common.Hash, error) {
	encoded, err := EncodeSource(e)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte(encoded)), nil
}
