package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CraftgateConfig configures the Craftgate adapter.
type CraftgateConfig struct {
	APIKey      string
	SecretKey   string
	BaseURL     string
	CallbackKey string
	WebhookKey  string
	Timeout     time.Duration
}

// Craftgate talks to the Craftgate payment orchestration API.
type Craftgate struct {
	cfg    CraftgateConfig
	client *jsonClient
}

// NewCraftgate creates a Craftgate adapter.
func NewCraftgate(cfg CraftgateConfig) *Craftgate {
	cg := &Craftgate{cfg: cfg}
	cg.client = newJSONClient(ProviderCraftgate, cfg.BaseURL, cfg.Timeout, cg.sign)
	return cg
}

var craftgateDeclines = map[string]DeclineReason{
	"10002": DeclineInvalidCardNumber,
	"10003": DeclineInvalidExpireMonth,
	"10004": DeclineInvalidExpireYear,
	"10005": DeclineInvalidCVC,
	"10006": DeclineInvalidHolderName,
	"10012": DeclineInsufficientFunds,
	"10034": DeclineCardNotSupported,
}

func (cg *Craftgate) Provider() Provider { return ProviderCraftgate }

func (cg *Craftgate) sign(req *http.Request, path string, body []byte) {
	rnd := uuid.NewString()
	sum := sha256.Sum256([]byte(req.URL.String() + cg.cfg.APIKey + cg.cfg.SecretKey + rnd + string(body)))
	req.Header.Set("x-api-key", cg.cfg.APIKey)
	req.Header.Set("x-rnd-key", rnd)
	req.Header.Set("x-auth-version", "v1")
	req.Header.Set("x-signature", base64.StdEncoding.EncodeToString(sum[:]))
}

type craftgateErrors struct {
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	ErrorGroup       string `json:"errorGroup"`
}

type craftgateEnvelope struct {
	Data   json.RawMessage  `json:"data"`
	Errors *craftgateErrors `json:"errors"`
}

func (cg *Craftgate) call(ctx context.Context, method, path string, in, out interface{}) (*craftgateErrors, error) {
	var env craftgateEnvelope
	if err := cg.client.do(ctx, method, path, in, &env); err != nil {
		return nil, err
	}
	if env.Errors != nil && env.Errors.ErrorCode != "" {
		return env.Errors, nil
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode craftgate %s data: %w", path, err)
		}
	}
	return nil, nil
}

type craftgateCard struct {
	CardHolderName string `json:"cardHolderName"`
	CardNumber     string `json:"cardNumber"`
	ExpireYear     string `json:"expireYear"`
	ExpireMonth    string `json:"expireMonth"`
	CVC            string `json:"cvc"`
}

type craftgateItem struct {
	ExternalID string          `json:"externalId"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
}

type craftgatePaymentRequest struct {
	Price          decimal.Decimal `json:"price"`
	PaidPrice      decimal.Decimal `json:"paidPrice"`
	WalletPrice    decimal.Decimal `json:"walletPrice"`
	Installment    int             `json:"installment"`
	Currency       string          `json:"currency"`
	ConversationID string          `json:"conversationId"`
	PaymentGroup   string          `json:"paymentGroup"`
	PaymentPhase   string          `json:"paymentPhase"`
	BuyerMemberID  string          `json:"buyerMemberId,omitempty"`
	ClientIP       string          `json:"clientIp,omitempty"`
	CallbackURL    string          `json:"callbackUrl,omitempty"`
	Card           craftgateCard   `json:"card"`
	Items          []craftgateItem `json:"items"`
}

type craftgateTransaction struct {
	ID         int64           `json:"id"`
	ExternalID string          `json:"externalId"`
	PaidPrice  decimal.Decimal `json:"paidPrice"`
}

type craftgatePayment struct {
	ID                  int64                  `json:"id"`
	PaidPrice           decimal.Decimal        `json:"paidPrice"`
	PaymentStatus       string                 `json:"paymentStatus"`
	PaymentTransactions []craftgateTransaction `json:"paymentTransactions"`
}

func (cg *Craftgate) paymentRequest(req *ChargeRequest) craftgatePaymentRequest {
	items := make([]craftgateItem, 0, len(req.Lines))
	for _, l := range req.Lines {
		items = append(items, craftgateItem{ExternalID: l.ID, Name: l.Name, Price: l.Price})
	}
	return craftgatePaymentRequest{
		Price:          req.PaidPrice,
		PaidPrice:      req.PaidPrice,
		WalletPrice:    decimal.Zero,
		Installment:    1,
		Currency:       req.Currency,
		ConversationID: req.ConversationID,
		PaymentGroup:   "PRODUCT",
		PaymentPhase:   "AUTH",
		BuyerMemberID:  req.Buyer.ID,
		ClientIP:       req.Buyer.IP,
		Card: craftgateCard{
			CardHolderName: req.Card.HolderName,
			CardNumber:     req.Card.Number,
			ExpireYear:     req.Card.ExpireYear,
			ExpireMonth:    req.Card.ExpireMonth,
			CVC:            req.Card.CVC,
		},
		Items: items,
	}
}

// BinCheck classifies a card prefix.
func (cg *Craftgate) BinCheck(ctx context.Context, bin string) (*BinResult, error) {
	var data struct {
		CardType string `json:"cardType"`
		BankName string `json:"bankName"`
	}
	apiErr, err := cg.call(ctx, http.MethodGet, "/installment/v1/bins/"+url.PathEscape(bin), nil, &data)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return &BinResult{Supported: false}, nil
	}

	res := &BinResult{BankName: data.BankName, Supported: true}
	switch data.CardType {
	case "CREDIT_CARD":
		res.CardType = CardTypeCredit
	case "DEBIT_CARD":
		res.CardType = CardTypeDebit
	default:
		res.Supported = false
	}
	return res, nil
}

// ChargeDirect charges a card without 3-D Secure.
func (cg *Craftgate) ChargeDirect(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	var p craftgatePayment
	apiErr, err := cg.call(ctx, http.MethodPost, "/payment/v1/card-payments", cg.paymentRequest(req), &p)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return &ChargeResult{
			Status:       StatusFailure,
			ErrorCode:    apiErr.ErrorCode,
			ErrorMessage: apiErr.ErrorDescription,
			Reason:       craftgateDeclines[apiErr.ErrorCode],
		}, nil
	}
	if p.PaymentStatus != "SUCCESS" {
		return &ChargeResult{Status: StatusFailure, PaymentID: strconv.FormatInt(p.ID, 10)}, nil
	}
	return &ChargeResult{Status: StatusSuccess, PaymentID: strconv.FormatInt(p.ID, 10), PaidPrice: p.PaidPrice}, nil
}

// Charge3DS starts a 3-D Secure charge.
func (cg *Craftgate) Charge3DS(ctx context.Context, req *ChargeRequest, callbackURL string) (*ThreeDSInit, error) {
	in := cg.paymentRequest(req)
	in.CallbackURL = callbackURL

	var data struct {
		HTMLContent string `json:"htmlContent"`
		PaymentID   int64  `json:"paymentId"`
	}
	apiErr, err := cg.call(ctx, http.MethodPost, "/payment/v1/card-payments/3ds-init", in, &data)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return &ThreeDSInit{
			Status:       StatusFailure,
			ErrorCode:    apiErr.ErrorCode,
			ErrorMessage: apiErr.ErrorDescription,
			Reason:       craftgateDeclines[apiErr.ErrorCode],
		}, nil
	}

	html, err := base64.StdEncoding.DecodeString(data.HTMLContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode 3ds html: %w", err)
	}
	return &ThreeDSInit{Status: StatusSuccess, PaymentID: strconv.FormatInt(data.PaymentID, 10), RedirectHTML: string(html)}, nil
}

// Verify3DS completes an authenticated 3-D Secure payment.
func (cg *Craftgate) Verify3DS(ctx context.Context, conversationID, paymentID string) (*VerifyResult, error) {
	id, err := strconv.ParseInt(paymentID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid craftgate payment id %q: %w", paymentID, err)
	}

	var p craftgatePayment
	apiErr, err := cg.call(ctx, http.MethodPost, "/payment/v1/card-payments/3ds-complete", map[string]int64{"paymentId": id}, &p)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return &VerifyResult{
			Status:       StatusFailure,
			PaymentID:    paymentID,
			ErrorCode:    apiErr.ErrorCode,
			ErrorMessage: apiErr.ErrorDescription,
			Reason:       craftgateDeclines[apiErr.ErrorCode],
		}, nil
	}
	if p.PaymentStatus != "SUCCESS" {
		return &VerifyResult{Status: StatusFailure, PaymentID: paymentID}, nil
	}

	lines := make([]LineResult, 0, len(p.PaymentTransactions))
	for _, tx := range p.PaymentTransactions {
		lines = append(lines, LineResult{ItemID: tx.ExternalID, TransactionID: strconv.FormatInt(tx.ID, 10), PaidPrice: tx.PaidPrice})
	}
	return &VerifyResult{Status: StatusSuccess, PaymentID: strconv.FormatInt(p.ID, 10), PaidPrice: p.PaidPrice, Lines: lines}, nil
}

// Cancel voids a payment.
func (cg *Craftgate) Cancel(ctx context.Context, paymentID, reason string) (*OperationResult, error) {
	in := map[string]string{"description": reason}
	apiErr, err := cg.call(ctx, http.MethodPost, "/payment/v1/card-payments/"+url.PathEscape(paymentID)+"/cancel", in, nil)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return operationResult(false, apiErr.ErrorCode, apiErr.ErrorDescription), nil
	}
	return operationResult(true, "", ""), nil
}

// Refund returns amount of a captured payment.
func (cg *Craftgate) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*OperationResult, error) {
	id, err := strconv.ParseInt(paymentID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid craftgate payment id %q: %w", paymentID, err)
	}
	in := struct {
		PaymentID      int64           `json:"paymentId"`
		RefundPrice    decimal.Decimal `json:"refundPrice"`
		ConversationID string          `json:"conversationId"`
	}{id, amount, uuid.NewString()}

	apiErr, err := cg.call(ctx, http.MethodPost, "/payment/v1/refunds", in, nil)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return operationResult(false, apiErr.ErrorCode, apiErr.ErrorDescription), nil
	}
	return operationResult(true, "", ""), nil
}

// CallbackHash computes the expected hash of a 3-D Secure callback. The
// provider's completeStatus travels in Callback.MDStatus and its
// callbackStatus in callbackStatus.
func (cg *Craftgate) CallbackHash(cb *Callback, callbackStatus string) string {
	return sha256Hex(strings.Join([]string{
		cg.cfg.CallbackKey, cb.Status, cb.MDStatus, cb.PaymentID, cb.ConversationData, cb.ConversationID, callbackStatus,
	}, "###"))
}

// ParseCallback decodes and verifies the 3-D Secure browser callback.
func (cg *Craftgate) ParseCallback(form url.Values) (*Callback, error) {
	cb := &Callback{
		Status:           form.Get("status"),
		MDStatus:         form.Get("completeStatus"),
		PaymentID:        form.Get("paymentId"),
		ConversationID:   form.Get("conversationId"),
		ConversationData: form.Get("conversationData"),
		Signature:        form.Get("hash"),
	}
	if cg.cfg.CallbackKey == "" || cb.Signature == "" || !signaturesEqual(cg.CallbackHash(cb, form.Get("callbackStatus")), cb.Signature) {
		return cb, ErrInvalidSignature
	}
	cb.Authenticated = cb.Status == "SUCCESS" && cb.MDStatus == "WAITING"
	return cb, nil
}

type craftgateWebhook struct {
	EventType      string `json:"eventType"`
	EventTimestamp int64  `json:"eventTimestamp"`
	Status         string `json:"status"`
	PayloadID      string `json:"payloadId"`
	ConversationID string `json:"conversationId"`
}

// WebhookSignature computes the expected X-CG-SIGNATURE-V1 header.
func (cg *Craftgate) WebhookSignature(eventType string, eventTimestamp int64, status, payloadID string) string {
	mac := hmac.New(sha256.New, []byte(cg.cfg.WebhookKey))
	mac.Write([]byte(eventType + strconv.FormatInt(eventTimestamp, 10) + status + payloadID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseWebhook decodes and verifies a Craftgate webhook.
func (cg *Craftgate) ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error) {
	var wh craftgateWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	if cg.cfg.WebhookKey == "" {
		return nil, ErrInvalidSignature
	}
	expected := cg.WebhookSignature(wh.EventType, wh.EventTimestamp, wh.Status, wh.PayloadID)
	if !hmac.Equal([]byte(expected), []byte(header.Get("X-CG-SIGNATURE-V1"))) {
		return nil, ErrInvalidSignature
	}

	var typ EventType
	switch wh.EventType {
	case "THREEDS_VERIFY":
		typ = EventThreeDSAuth
	case "API_AUTH":
		typ = EventAPIAuth
	case "REFUND":
		typ = EventRefund
	case "CANCEL":
		typ = EventCancel
	default:
		return nil, fmt.Errorf("unsupported craftgate event type %q", wh.EventType)
	}

	return &WebhookEvent{
		EventID:        fmt.Sprintf("%s:%s:%d", wh.EventType, wh.PayloadID, wh.EventTimestamp),
		Type:           typ,
		PaymentID:      wh.PayloadID,
		ConversationID: wh.ConversationID,
		Succeeded:      wh.Status == "SUCCESS",
	}, nil
}
