// Package gateway normalizes the request, response and callback shapes of the
// settlement gateways behind a single Adapter interface.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownGateway     = errors.New("unknown gateway")
	ErrMalformedCallback  = errors.New("malformed gateway callback")
	ErrMalformedResponse  = errors.New("malformed gateway response")
	ErrRejected           = errors.New("gateway rejected request")
	ErrUnsupportedPayload = errors.New("unsupported callback content type")
)

// Operations reported in Error
const (
	OpSubmit = "submit"
	OpQuery  = "query"
)

// Error is returned for every failed outbound gateway call. An order whose
// submission failed stays pending: the external side may still have acted.
type Error struct {
	Gateway    string
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s %s failed (http %d): %v", e.Gateway, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s %s failed: %v", e.Gateway, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SubmitResult is what a gateway hands back for a newly submitted order
type SubmitResult struct {
	ExternalRef string
	PaymentURL  string
}

// RawCallback is an inbound gateway notification before normalization
type RawCallback struct {
	Params map[string]string
	Body   []byte
}

// NormalizedCallback is the gateway-independent view of a status report.
// FinalStatus is StatusPending when the gateway vocabulary is not terminal or
// not recognised.
type NormalizedCallback struct {
	OrderRef       string
	GatewayTradeNo string
	FinalStatus    models.OrderStatus
	RawAmount      decimal.Decimal
	HasAmount      bool
	GatewayMessage string
	Raw            []byte
}

// Ack is the literal response a gateway expects to stop retrying a callback
type Ack struct {
	ContentType string
	Body        []byte
}

// Adapter is implemented once per gateway family
type Adapter interface {
	Code() string
	Submit(ctx context.Context, order *models.Order) (*SubmitResult, error)
	Query(ctx context.Context, order *models.Order) (*NormalizedCallback, error)
	ParseCallback(contentType string, body []byte) (*RawCallback, error)
	VerifyCallback(raw *RawCallback) bool
	NormalizeCallback(raw *RawCallback) (*NormalizedCallback, error)
	Ack() Ack
}

// New builds the adapter for a gateway definition
func New(def config.GatewayDefinition) (Adapter, error) {
	client := &http.Client{Timeout: def.Timeout()}
	switch def.Type {
	case config.GatewayTypeSimple:
		return &SimpleAdapter{def: def, client: client}, nil
	case config.GatewayTypeWallet:
		return &WalletAdapter{def: def, client: client}, nil
	case config.GatewayTypeBankCode:
		return &BankCodeAdapter{def: def, client: client}, nil
	}
	return nil, fmt.Errorf("gateway %s: unknown type %q", def.Code, def.Type)
}

// Registry resolves adapters by the gateway code stored on an order
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds adapters for every definition
func NewRegistry(defs []config.GatewayDefinition) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(defs))}
	for _, def := range defs {
		a, err := New(def)
		if err != nil {
			return nil, err
		}
		r.Register(a)
	}
	return r, nil
}

// Register adds or replaces an adapter
func (r *Registry) Register(a Adapter) {
	if r.adapters == nil {
		r.adapters = make(map[string]Adapter)
	}
	r.adapters[a.Code()] = a
}

// Get returns the adapter for code
func (r *Registry) Get(code string) (Adapter, error) {
	a, ok := r.adapters[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, code)
	}
	return a, nil
}

// Codes lists registered gateway codes in sorted order
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.adapters))
	for c := range r.adapters {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

const maxResponseBytes = 1 << 20

// do executes req and returns the status code and body. Transport failures
// and timeouts come back as a retryable *Error.
func do(client *http.Client, req *http.Request, gw, op string) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, &Error{Gateway: gw, Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, &Error{Gateway: gw, Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}
	return resp.StatusCode, body, nil
}

func statusErr(gw, op string, status int, body []byte) error {
	return &Error{
		Gateway:    gw,
		Op:         op,
		StatusCode: status,
		Retryable:  status >= 500 || status == http.StatusTooManyRequests,
		Err:        fmt.Errorf("unexpected response: %s", truncate(body, 256)),
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
