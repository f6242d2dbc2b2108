package verification

import (
	"context"
	"errors"
	"sync"
)

type stubOracle struct {
	mu sync.Mutex

	sendErr    error
	txHash     string
	confirmErr error
	handle     Handle
	// blockConfirm makes WaitConfirmed wait for ctx.
	blockConfirm bool

	reads   []string
	readErr []error
	keyed   bool

	sendCalls  int
	sentArgs   []string
	readCalls  int
	readHandle Handle
}

func (s *stubOracle) SendRequest(ctx context.Context, subscriptionID uint64, args []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	s.sentArgs = args
	if s.sendErr != nil {
		return "", s.sendErr
	}
	return s.txHash, nil
}

func (s *stubOracle) WaitConfirmed(ctx context.Context, txHash string) (Handle, error) {
	if s.blockConfirm {
		<-ctx.Done()
		return Handle{}, ctx.Err()
	}
	if s.confirmErr != nil {
		return Handle{}, s.confirmErr
	}
	h := s.handle
	h.TxHash = txHash
	return h, nil
}

func (s *stubOracle) ReadResult(ctx context.Context, handle Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	s.readHandle = handle
	var err error
	if len(s.readErr) > 0 {
		err = s.readErr[0]
		s.readErr = s.readErr[1:]
	}
	if err != nil {
		return "", err
	}
	if len(s.reads) == 0 {
		return "", nil
	}
	value := s.reads[0]
	s.reads = s.reads[1:]
	return value, nil
}

func (s *stubOracle) KeyedResults() bool { return s.keyed }

var errRPC = errors.New("rpc unavailable")
