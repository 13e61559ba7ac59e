package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/signature"
)

// BankCodeAdapter talks to host-to-host bank gateways that report results as
// HTTP-style numeric codes both in responses and callbacks.
type BankCodeAdapter struct {
	def    config.GatewayDefinition
	client *http.Client
}

type bankSubmitRequest struct {
	MerchantCode       string `json:"merchant_code"`
	RefNo              string `json:"ref_no"`
	Amount             string `json:"amount"`
	CallbackURL        string `json:"callback_url"`
	BeneficiaryName    string `json:"beneficiary_name,omitempty"`
	BeneficiaryAccount string `json:"beneficiary_account,omitempty"`
	BankCode           string `json:"bank_code,omitempty"`
	Signature          string `json:"signature"`
}

type bankResponse struct {
	RefNo         string      `json:"ref_no"`
	TransactionID string      `json:"transaction_id"`
	PaymentURL    string      `json:"payment_url"`
	Amount        string      `json:"amount"`
	Code          json.Number `json:"code"`
	Message       string      `json:"message"`
}

func (a *BankCodeAdapter) Code() string { return a.def.Code }

func (a *BankCodeAdapter) Submit(ctx context.Context, order *models.Order) (*SubmitResult, error) {
	amount := order.Amount.StringFixed(2)
	body := bankSubmitRequest{
		MerchantCode: a.def.MerchantNo,
		RefNo:        order.OrderID,
		Amount:       amount,
		CallbackURL:  a.def.NotifyURL,
		Signature:    signature.ConcatMD5([]string{a.def.MerchantNo, order.OrderID, amount}, a.def.Secret),
	}
	path := a.def.PayInPath
	if order.Direction == models.DirectionPayOut {
		path = a.def.PayOutPath
		body.BeneficiaryName = order.AccountName
		body.BeneficiaryAccount = order.AccountNumber
		body.BankCode = order.BankCode
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: OpSubmit, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.def.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: OpSubmit, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.roundTrip(req, OpSubmit)
	if err != nil {
		return nil, err
	}
	// the bank answers 2xx over HTTP and puts a refusal in the body code
	if code, err := strconv.Atoi(strings.TrimSpace(resp.Code.String())); err == nil && code >= 400 {
		return nil, &Error{
			Gateway:   a.def.Code,
			Op:        OpSubmit,
			Retryable: code >= 500 || code == http.StatusTooManyRequests,
			Err:       fmt.Errorf("%w: code %d %s", ErrRejected, code, resp.Message),
		}
	}
	return &SubmitResult{ExternalRef: resp.TransactionID, PaymentURL: resp.PaymentURL}, nil
}

func (a *BankCodeAdapter) Query(ctx context.Context, order *models.Order) (*NormalizedCallback, error) {
	q := url.Values{}
	q.Set("merchant_code", a.def.MerchantNo)
	q.Set("ref_no", order.OrderID)
	q.Set("signature", signature.ConcatMD5([]string{a.def.MerchantNo, order.OrderID}, a.def.Secret))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.def.BaseURL+a.def.QueryPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: OpQuery, Err: err}
	}

	resp, err := a.roundTrip(req, OpQuery)
	if err != nil {
		return nil, err
	}

	nc := &NormalizedCallback{
		OrderRef:       firstNonEmpty(resp.RefNo, order.OrderID),
		GatewayTradeNo: resp.TransactionID,
		FinalStatus:    bankStatus(resp.Code.String()),
		GatewayMessage: resp.Message,
	}
	nc.RawAmount, nc.HasAmount = parseDecimal(resp.Amount)
	nc.Raw, _ = json.Marshal(resp)
	return nc, nil
}

func (a *BankCodeAdapter) ParseCallback(contentType string, body []byte) (*RawCallback, error) {
	params, err := ParseParams(contentType, body)
	if err != nil {
		return nil, err
	}
	return &RawCallback{Params: params, Body: body}, nil
}

func (a *BankCodeAdapter) VerifyCallback(raw *RawCallback) bool {
	p := raw.Params
	return signature.VerifyConcatMD5([]string{p["ref_no"], p["amount"], p["code"]}, a.def.Secret, p["signature"])
}

func (a *BankCodeAdapter) NormalizeCallback(raw *RawCallback) (*NormalizedCallback, error) {
	p := raw.Params
	if p["ref_no"] == "" {
		return nil, fmt.Errorf("%w: missing ref_no", ErrMalformedCallback)
	}
	nc := &NormalizedCallback{
		OrderRef:       p["ref_no"],
		GatewayTradeNo: p["transaction_id"],
		FinalStatus:    bankStatus(p["code"]),
		GatewayMessage: p["message"],
		Raw:            rawJSON(raw),
	}
	nc.RawAmount, nc.HasAmount = parseDecimal(p["amount"])
	return nc, nil
}

func (a *BankCodeAdapter) Ack() Ack {
	return Ack{ContentType: "text/plain; charset=utf-8", Body: []byte("SUCCESS")}
}

// roundTrip treats any 2xx as accepted; the gateway puts its verdict in the
// HTTP status itself.
func (a *BankCodeAdapter) roundTrip(req *http.Request, op string) (*bankResponse, error) {
	status, body, err := do(a.client, req, a.def.Code, op)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, statusErr(a.def.Code, op, status, body)
	}

	var resp bankResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return &resp, nil
}

// bankStatus maps the result code: 200 settled, 4xx declined, anything else
// (including 202 accepted-in-progress) is not terminal.
func bankStatus(code string) models.OrderStatus {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return models.StatusPending
	}
	switch {
	case n == http.StatusOK:
		return models.StatusSuccess
	case n >= 400 && n <= 499:
		return models.StatusFailed
	}
	return models.StatusPending
}
