package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Gateway for tests and demo mode.
//
// Refs are deterministic ("pay_mock_1", "tr_mock_2", ...). Failures can be
// scripted per operation. Webhook payloads are JSON events signed with
// HMAC-SHA256 over the raw body, mirroring how the production processor signs.
type Mock struct {
	mu            sync.Mutex
	seq           int
	webhookSecret string

	holds     map[string]HoldRequest // externalRef -> original request
	captured  map[string]bool
	Transfers []TransferRequest
	Refunds   []string // externalRefs refunded

	// Scripted failures, consumed on every call until cleared.
	FailCreateHold error
	FailCapture    error
	FailTransfer   error
	FailRefund     error
}

// NewMock creates a mock gateway with the given webhook signing secret.
func NewMock(webhookSecret string) *Mock {
	return &Mock{
		webhookSecret: webhookSecret,
		holds:         make(map[string]HoldRequest),
		captured:      make(map[string]bool),
	}
}

func (m *Mock) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_mock_%d", prefix, m.seq)
}

func (m *Mock) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreateHold != nil {
		return nil, &Error{Op: "create_hold", Err: m.FailCreateHold}
	}

	ref := m.next("pay")
	m.holds[ref] = req
	return &Hold{
		ExternalRef:  ref,
		ClientHandle: ref + "_secret",
	}, nil
}

func (m *Mock) Capture(ctx context.Context, externalRef string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCapture != nil {
		return nil, &Error{Op: "capture", Err: m.FailCapture}
	}

	req, ok := m.holds[externalRef]
	if !ok {
		return nil, &Error{Op: "capture", Err: fmt.Errorf("unknown payment ref %s", externalRef)}
	}
	m.captured[externalRef] = true

	return &Receipt{
		ExternalRef: externalRef,
		Amount:      req.Amount,
		Currency:    req.Currency,
		CapturedAt:  time.Now(),
	}, nil
}

func (m *Mock) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailTransfer != nil {
		return nil, &Error{Op: "transfer", Err: m.FailTransfer}
	}

	m.Transfers = append(m.Transfers, req)
	return &TransferResult{TransferRef: m.next("tr")}, nil
}

func (m *Mock) Refund(ctx context.Context, externalRef string, metadata map[string]string) (*RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailRefund != nil {
		return nil, &Error{Op: "refund", Err: m.FailRefund}
	}

	m.Refunds = append(m.Refunds, externalRef)
	return &RefundResult{RefundRef: m.next("re")}, nil
}

// mockEvent is the wire shape of mock webhook payloads.
type mockEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	PaymentRef  string `json:"paymentRef,omitempty"`
	TransferRef string `json:"transferRef,omitempty"`
	DisputeRef  string `json:"disputeRef,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (m *Mock) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if signature != m.Sign(payload) {
		return nil, ErrBadSignature
	}

	var ev mockEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, ErrBadSignature
	}

	return &Event{
		ID:          ev.ID,
		Type:        EventType(ev.Type),
		PaymentRef:  ev.PaymentRef,
		TransferRef: ev.TransferRef,
		DisputeRef:  ev.DisputeRef,
		Reason:      ev.Reason,
		ReceivedAt:  time.Now(),
	}, nil
}

// Sign computes the signature the mock expects for a payload. Tests use this
// to build valid webhook requests.
func (m *Mock) Sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(m.webhookSecret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// TransferCount returns how many transfers were issued.
func (m *Mock) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Transfers)
}

// Captured reports whether a payment ref was captured.
func (m *Mock) Captured(externalRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captured[externalRef]
}

// Compile-time assertion that Mock implements Gateway.
var _ Gateway = (*Mock)(nil)
