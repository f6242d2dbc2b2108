package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

const validatorABI = `[
	{"type":"function","name":"userData","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[
		{"name":"facialHash","type":"bytes32"},
		{"name":"encodedEmbedding","type":"bytes"},
		{"name":"username","type":"string"},
		{"name":"index","type":"uint256"},
		{"name":"isRegistered","type":"bool"},
		{"name":"registrationTimestamp","type":"uint256"}
	 ]}
]`

// UserRecord is the validator's registration entry for a wallet.
type UserRecord struct {
	FacialHash       common.Hash
	EncodedEmbedding []byte
	Username         string
	Index            *big.Int
	Registered       bool
	RegisteredAt     time.Time
}

// ValidatorContract reads registrations from the facial recognition validator.
type ValidatorContract struct {
	contract *bind.BoundContract
}

// NewValidatorContract binds the validator at address.
func NewValidatorContract(backend bind.ContractCaller, address common.Address) (*ValidatorContract, error) {
	parsed, err := abi.JSON(strings.NewReader(validatorABI))
	if err != nil {
		return nil, fmt.Errorf("parse validator abi: %w", err)
	}
	return &ValidatorContract{
		contract: bind.NewBoundContract(address, parsed, backend, nil, nil),
	}, nil
}

// UserData reads userData(account).
func (v *ValidatorContract) UserData(ctx context.Context, account common.Address) (*UserRecord, error) {
	var out []interface{}
	if err := v.contract.Call(&bind.CallOpts{Context: ctx}, &out, "userData", account); err != nil {
		return nil, fmt.Errorf("userData: %w", err)
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("userData: unexpected arity %d", len(out))
	}

	facialHash, ok1 := out[0].([32]byte)
	encoded, ok2 := out[1].([]byte)
	username, ok3 := out[2].(string)
	index, ok4 := out[3].(*big.Int)
	registered, ok5 := out[4].(bool)
	registeredAt, ok6 := out[5].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return nil, fmt.Errorf("userData: unexpected tuple types")
	}

	record := &UserRecord{
		FacialHash:       common.Hash(facialHash),
		EncodedEmbedding: encoded,
		Username:         username,
		Index:            index,
		Registered:       registered,
	}
	if registeredAt.Sign() > 0 && registeredAt.IsInt64() {
		record.RegisteredAt = time.Unix(registeredAt.Int64(), 0).UTC()
	}
	return record, nil
}
