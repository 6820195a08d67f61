package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger is an in-process gateway for dev mode and tests. Txs confirm
// immediately unless HoldTxs is set.
type MemoryLedger struct {
	mu      sync.Mutex
	tokens  map[string]memToken
	txs     map[string]TxStatus
	calls   map[string]int
	hold    bool
	rejects map[string]error
	nextID  int
}

type memToken struct {
	ShipmentID string
	Status     string
	Revoked    bool
	Delivered  bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		tokens:  map[string]memToken{},
		txs:     map[string]TxStatus{},
		calls:   map[string]int{},
		rejects: map[string]error{},
	}
}

// HoldTxs leaves new txs pending until Settle is called.
func (m *MemoryLedger) HoldTxs(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
}

// FailNext makes the next call of op ("mint", "status", "delivery", "revoke")
// return err.
func (m *MemoryLedger) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[op] = err
}

// Settle moves a pending tx to confirmed or failed.
func (m *MemoryLedger) Settle(txHash string, confirmed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.txs[txHash]
	if !ok {
		return
	}
	if confirmed {
		st.State = TxConfirmed
	} else {
		st.State = TxFailed
		st.Error = "reverted"
	}
	m.txs[txHash] = st
}

// Calls reports how many times op was invoked.
func (m *MemoryLedger) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Revoked reports whether tokenID has a revoke tx, confirmed or not.
func (m *MemoryLedger) Revoked(tokenID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[tokenID].Revoked
}

// TokenStatus is the last status the ledger accepted for tokenID.
func (m *MemoryLedger) TokenStatus(tokenID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[tokenID].Status
}

func (m *MemoryLedger) begin(op string) error {
	m.calls[op]++
	if err, ok := m.rejects[op]; ok {
		delete(m.rejects, op)
		return err
	}
	return nil
}

func (m *MemoryLedger) record(tokenID string) string {
	hash := "0x" + uuid.NewString()
	state := TxConfirmed
	if m.hold {
		state = TxPending
	}
	m.txs[hash] = TxStatus{Hash: hash, State: state, TokenID: tokenID}
	return hash
}

func (m *MemoryLedger) Mint(_ context.Context, req MintRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("mint"); err != nil {
		return "", err
	}
	if req.ShipmentID == "" || req.MetadataHash == "" {
		return "", fmt.Errorf("%w: shipmentId and metadataHash required", ErrLedgerRejected)
	}
	m.nextID++
	tokenID := fmt.Sprintf("%d", m.nextID)
	m.tokens[tokenID] = memToken{ShipmentID: req.ShipmentID}
	return m.record(tokenID), nil
}

func (m *MemoryLedger) token(tokenID string) (memToken, error) {
	tok, ok := m.tokens[tokenID]
	if !ok {
		return memToken{}, fmt.Errorf("%w: unknown token %s", ErrLedgerRejected, tokenID)
	}
	if tok.Revoked {
		return memToken{}, fmt.Errorf("%w: token %s revoked", ErrLedgerRejected, tokenID)
	}
	return tok, nil
}

func (m *MemoryLedger) UpdateStatus(_ context.Context, tokenID string, u StatusUpdate) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("status"); err != nil {
		return "", err
	}
	tok, err := m.token(tokenID)
	if err != nil {
		return "", err
	}
	tok.Status = string(u.Status)
	m.tokens[tokenID] = tok
	return m.record(tokenID), nil
}

func (m *MemoryLedger) AttestDelivery(_ context.Context, tokenID string, _ DeliveryAttestation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("delivery"); err != nil {
		return "", err
	}
	tok, err := m.token(tokenID)
	if err != nil {
		return "", err
	}
	tok.Delivered = true
	m.tokens[tokenID] = tok
	return m.record(tokenID), nil
}

func (m *MemoryLedger) Revoke(_ context.Context, tokenID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("revoke"); err != nil {
		return "", err
	}
	tok, ok := m.tokens[tokenID]
	if !ok {
		return "", fmt.Errorf("%w: unknown token %s", ErrLedgerRejected, tokenID)
	}
	tok.Revoked = true
	m.tokens[tokenID] = tok
	return m.record(tokenID), nil
}

func (m *MemoryLedger) TxStatus(_ context.Context, txHash string) (TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["tx"]++
	st, ok := m.txs[txHash]
	if !ok {
		return TxStatus{}, fmt.Errorf("%w: unknown tx %s", ErrLedgerRejected, txHash)
	}
	return st, nil
}
