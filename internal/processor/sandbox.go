package processor

import (
	"context"
	"strings"
	"sync"

	"github.com/mbd888/homeserv/internal/idgen"
)

// Sandbox is an in-process gateway for development and tests. Checkouts are
// completed by calling Complete, which returns the payment id a real gateway
// would send in its notification.
type Sandbox struct {
	baseURL string

	mu       sync.Mutex
	prefs    map[string]PreferenceRequest
	payments map[string]*PaymentInfo
	failures []error
}

// NewSandbox creates a sandbox gateway whose checkout pages live under baseURL.
func NewSandbox(baseURL string) *Sandbox {
	return &Sandbox{
		baseURL:  strings.TrimRight(baseURL, "/"),
		prefs:    make(map[string]PreferenceRequest),
		payments: make(map[string]*PaymentInfo),
	}
}

func (s *Sandbox) Name() string { return "sandbox" }

// FailNext makes the next calls return the given errors, in order.
func (s *Sandbox) FailNext(errs ...error) {
	s.mu.Lock()
	s.failures = append(s.failures, errs...)
	s.mu.Unlock()
}

func (s *Sandbox) popFailure() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *Sandbox) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrGatewayTimeout
	}
	id := idgen.WithPrefix("pref_")
	s.prefs[id] = req
	return &Preference{ID: id, RedirectURL: s.baseURL + "/checkout/" + id}, nil
}

// Complete settles a checkout with the given status and returns the
// gateway payment id.
func (s *Sandbox) Complete(preferenceID string, status PaymentStatus) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.prefs[preferenceID]
	if !ok {
		return "", false
	}
	id := idgen.WithPrefix("sbx_")
	s.payments[id] = &PaymentInfo{
		ID:        id,
		Status:    status,
		Reference: req.Reference,
		Amount:    req.Amount,
		Currency:  req.Currency,
	}
	return id, true
}

// Preference returns the request a preference was created with.
func (s *Sandbox) Preference(id string) (PreferenceRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.prefs[id]
	return req, ok
}

func (s *Sandbox) LookupPayment(_ context.Context, paymentID string) (*PaymentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return nil, err
	}
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

var _ Processor = (*Sandbox)(nil)
