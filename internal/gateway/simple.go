package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/signature"

	"github.com/shopspring/decimal"
)

// SimpleAdapter talks to form-based gateways that sign with a fixed-order
// MD5 concatenation and report status as "1"/"0".
type SimpleAdapter struct {
	def    config.GatewayDefinition
	client *http.Client
}

type simpleResponse struct {
	Status   string `json:"status"`
	Msg      string `json:"msg"`
	OrderID  string `json:"order_id"`
	TradeNo  string `json:"trade_no"`
	PayURL   string `json:"pay_url"`
	Amount   string `json:"amount"`
	PayState string `json:"pay_status"`
}

func (a *SimpleAdapter) Code() string { return a.def.Code }

func (a *SimpleAdapter) Submit(ctx context.Context, order *models.Order) (*SubmitResult, error) {
	amount := order.Amount.StringFixed(2)
	form := url.Values{}
	form.Set("merchant_no", a.def.MerchantNo)
	form.Set("order_id", order.OrderID)
	form.Set("amount", amount)
	form.Set("notify_url", a.def.NotifyURL)

	path := a.def.PayInPath
	if order.Direction == models.DirectionPayOut {
		path = a.def.PayOutPath
		form.Set("account_name", order.AccountName)
		form.Set("account_number", order.AccountNumber)
		form.Set("bank_code", order.BankCode)
	}
	form.Set("sign", signature.ConcatMD5([]string{a.def.MerchantNo, order.OrderID, amount}, a.def.Secret))

	resp, err := a.post(ctx, path, form, OpSubmit)
	if err != nil {
		return nil, err
	}
	if resp.Status != "1" {
		return nil, &Error{Gateway: a.def.Code, Op: OpSubmit, Err: fmt.Errorf("%w: %s", ErrRejected, resp.Msg)}
	}
	return &SubmitResult{ExternalRef: resp.TradeNo, PaymentURL: resp.PayURL}, nil
}

func (a *SimpleAdapter) Query(ctx context.Context, order *models.Order) (*NormalizedCallback, error) {
	form := url.Values{}
	form.Set("merchant_no", a.def.MerchantNo)
	form.Set("order_id", order.OrderID)
	form.Set("sign", signature.ConcatMD5([]string{a.def.MerchantNo, order.OrderID}, a.def.Secret))

	resp, err := a.post(ctx, a.def.QueryPath, form, OpQuery)
	if err != nil {
		return nil, err
	}
	if resp.Status != "1" {
		return nil, &Error{Gateway: a.def.Code, Op: OpQuery, Err: fmt.Errorf("%w: %s", ErrRejected, resp.Msg)}
	}

	nc := &NormalizedCallback{
		OrderRef:       firstNonEmpty(resp.OrderID, order.OrderID),
		GatewayTradeNo: resp.TradeNo,
		FinalStatus:    simpleStatus(resp.PayState),
		GatewayMessage: resp.Msg,
	}
	nc.RawAmount, nc.HasAmount = parseDecimal(resp.Amount)
	nc.Raw, _ = json.Marshal(resp)
	return nc, nil
}

func (a *SimpleAdapter) ParseCallback(contentType string, body []byte) (*RawCallback, error) {
	params, err := ParseParams(contentType, body)
	if err != nil {
		return nil, err
	}
	return &RawCallback{Params: params, Body: body}, nil
}

func (a *SimpleAdapter) VerifyCallback(raw *RawCallback) bool {
	p := raw.Params
	return signature.VerifyConcatMD5([]string{p["order_id"], p["amount"], p["status"]}, a.def.Secret, p["sign"])
}

func (a *SimpleAdapter) NormalizeCallback(raw *RawCallback) (*NormalizedCallback, error) {
	p := raw.Params
	if p["order_id"] == "" {
		return nil, fmt.Errorf("%w: missing order_id", ErrMalformedCallback)
	}
	nc := &NormalizedCallback{
		OrderRef:       p["order_id"],
		GatewayTradeNo: p["trade_no"],
		FinalStatus:    simpleStatus(p["status"]),
		GatewayMessage: p["msg"],
		Raw:            rawJSON(raw),
	}
	nc.RawAmount, nc.HasAmount = parseDecimal(p["amount"])
	return nc, nil
}

func (a *SimpleAdapter) Ack() Ack {
	return Ack{ContentType: "text/plain; charset=utf-8", Body: []byte("ok")}
}

func (a *SimpleAdapter) post(ctx context.Context, path string, form url.Values, op string) (*simpleResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.def.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := do(a.client, req, a.def.Code, op)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, statusErr(a.def.Code, op, status, body)
	}

	var resp simpleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return &resp, nil
}

func simpleStatus(s string) models.OrderStatus {
	switch strings.TrimSpace(s) {
	case "1":
		return models.StatusSuccess
	case "0":
		return models.StatusFailed
	}
	return models.StatusPending
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// rawJSON returns the callback as JSON for storage. Form bodies are
// re-encoded from their parsed params.
func rawJSON(raw *RawCallback) []byte {
	if json.Valid(raw.Body) {
		return raw.Body
	}
	b, err := json.Marshal(raw.Params)
	if err != nil {
		return []byte("{}")
	}
	return b
}
