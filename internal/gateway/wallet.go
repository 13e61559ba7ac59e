package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"gateway-reconciler/config"
	"gateway-reconciler/internal/models"
	"gateway-reconciler/internal/signature"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const walletSuccessCode = "0000"

var hundred = decimal.NewFromInt(100)

// WalletAdapter talks to mobile-money style gateways: JSON bodies, amounts in
// integer cents, sorted-query MD5 signatures and string status enums.
type WalletAdapter struct {
	def    config.GatewayDefinition
	client *http.Client
}

type walletEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type walletTrade struct {
	OutTradeNo  string      `json:"out_trade_no"`
	TradeNo     string      `json:"trade_no"`
	TotalFee    json.Number `json:"total_fee"`
	TradeStatus string      `json:"trade_status"`
	CashierURL  string      `json:"cashier_url"`
}

func (a *WalletAdapter) Code() string { return a.def.Code }

func (a *WalletAdapter) Submit(ctx context.Context, order *models.Order) (*SubmitResult, error) {
	params := map[string]string{
		"mch_id":       a.def.MerchantNo,
		"out_trade_no": order.OrderID,
		"total_fee":    toCents(order.Amount),
		"notify_url":   a.def.NotifyURL,
		"nonce_str":    strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	path := a.def.PayInPath
	if order.Direction == models.DirectionPayOut {
		path = a.def.PayOutPath
		params["payee_name"] = order.AccountName
		params["payee_account"] = order.AccountNumber
		params["bank_code"] = order.BankCode
	}

	trade, err := a.call(ctx, path, params, OpSubmit)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{ExternalRef: trade.TradeNo, PaymentURL: trade.CashierURL}, nil
}

func (a *WalletAdapter) Query(ctx context.Context, order *models.Order) (*NormalizedCallback, error) {
	params := map[string]string{
		"mch_id":       a.def.MerchantNo,
		"out_trade_no": order.OrderID,
		"nonce_str":    strings.ReplaceAll(uuid.NewString(), "-", ""),
	}

	trade, err := a.call(ctx, a.def.QueryPath, params, OpQuery)
	if err != nil {
		return nil, err
	}

	nc := &NormalizedCallback{
		OrderRef:       firstNonEmpty(trade.OutTradeNo, order.OrderID),
		GatewayTradeNo: trade.TradeNo,
		FinalStatus:    walletStatus(trade.TradeStatus),
		GatewayMessage: trade.TradeStatus,
	}
	nc.RawAmount, nc.HasAmount = fromCents(trade.TotalFee.String())
	nc.Raw, _ = json.Marshal(trade)
	return nc, nil
}

func (a *WalletAdapter) ParseCallback(contentType string, body []byte) (*RawCallback, error) {
	params, err := ParseParams(contentType, body)
	if err != nil {
		return nil, err
	}
	return &RawCallback{Params: params, Body: body}, nil
}

func (a *WalletAdapter) VerifyCallback(raw *RawCallback) bool {
	return signature.VerifySortedQuery(raw.Params, a.def.Secret, signature.DefaultSignField)
}

func (a *WalletAdapter) NormalizeCallback(raw *RawCallback) (*NormalizedCallback, error) {
	p := raw.Params
	if p["out_trade_no"] == "" {
		return nil, fmt.Errorf("%w: missing out_trade_no", ErrMalformedCallback)
	}
	nc := &NormalizedCallback{
		OrderRef:       p["out_trade_no"],
		GatewayTradeNo: p["trade_no"],
		FinalStatus:    walletStatus(p["trade_status"]),
		GatewayMessage: firstNonEmpty(p["message"], p["trade_status"]),
		Raw:            rawJSON(raw),
	}
	nc.RawAmount, nc.HasAmount = fromCents(p["total_fee"])
	return nc, nil
}

func (a *WalletAdapter) Ack() Ack {
	return Ack{ContentType: "application/json; charset=utf-8", Body: []byte(`{"status":"ok"}`)}
}

func (a *WalletAdapter) call(ctx context.Context, path string, params map[string]string, op string) (*walletTrade, error) {
	params["sign"] = signature.SortedQueryMD5Upper(params, a.def.Secret, signature.DefaultSignField)
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.def.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := do(a.client, req, a.def.Code, op)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, statusErr(a.def.Code, op, status, body)
	}

	var env walletEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &Error{Gateway: a.def.Code, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if env.Code != walletSuccessCode {
		return nil, &Error{Gateway: a.def.Code, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %s %s", ErrRejected, env.Code, env.Message)}
	}

	var trade walletTrade
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &trade); err != nil {
			return nil, &Error{Gateway: a.def.Code, Op: op, StatusCode: status, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
	}
	return &trade, nil
}

func walletStatus(s string) models.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "PAID":
		return models.StatusSuccess
	case "FAILED", "CLOSED", "REJECTED":
		return models.StatusFailed
	}
	return models.StatusPending
}

func toCents(amount decimal.Decimal) string {
	return amount.Mul(hundred).Round(0).String()
}

func fromCents(s string) (decimal.Decimal, bool) {
	d, ok := parseDecimal(s)
	if !ok {
		return decimal.Zero, false
	}
	return d.Div(hundred), true
}
