package gateway

import (
	"context"
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

// IyzicoConfig configures the iyzico adapter.
type IyzicoConfig struct {
	APIKey    string
	SecretKey string
	BaseURL   string
	Locale    string
	// Currency is used for refunds, which carry no basket of their own.
	Currency string
	Timeout  time.Duration
}

// Iyzico talks to the iyzico payment API.
type Iyzico struct {
	cfg    IyzicoConfig
	client *jsonClient
	now    func() time.Time
}

// NewIyzico creates an iyzico adapter.
func NewIyzico(cfg IyzicoConfig) *Iyzico {
	if cfg.Locale == "" {
		cfg.Locale = "tr"
	}
	if cfg.Currency == "" {
		cfg.Currency = "TRY"
	}
	iz := &Iyzico{cfg: cfg, now: time.Now}
	iz.client = newJSONClient(ProviderIyzico, cfg.BaseURL, cfg.Timeout, iz.sign)
	return iz
}

var iyzicoDeclines = map[string]DeclineReason{
	"12":    DeclineInvalidCardNumber,
	"14":    DeclineInvalidExpireYear,
	"15":    DeclineInvalidExpireMonth,
	"17":    DeclineInvalidCVC,
	"20":    DeclineInvalidHolderName,
	"10051": DeclineInsufficientFunds,
	"10057": DeclineCardNotSupported,
}

const iyzicoAuthenticated = "1"

func (iz *Iyzico) Provider() Provider { return ProviderIyzico }

// sign implements the IYZWSv2 authorization scheme.
func (iz *Iyzico) sign(req *http.Request, path string, body []byte) {
	rnd := strconv.FormatInt(iz.now().UnixNano(), 10) + uuid.NewString()[:8]
	signature := hmacHex(iz.cfg.SecretKey, rnd+path+string(body))
	auth := "apiKey:" + iz.cfg.APIKey + "&randomKey:" + rnd + "&signature:" + signature
	req.Header.Set("Authorization", "IYZWSv2 "+base64.StdEncoding.EncodeToString([]byte(auth)))
	req.Header.Set("x-iyzi-rnd", rnd)
}

type iyzicoResult struct {
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
	ConversationID string `json:"conversationId"`
}

func (r iyzicoResult) ok() bool { return r.Status == "success" }

type iyzicoCard struct {
	CardHolderName string `json:"cardHolderName"`
	CardNumber     string `json:"cardNumber"`
	ExpireMonth    string `json:"expireMonth"`
	ExpireYear     string `json:"expireYear"`
	CVC            string `json:"cvc"`
	RegisterCard   int    `json:"registerCard"`
}

type iyzicoBuyer struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Surname             string `json:"surname"`
	GSMNumber           string `json:"gsmNumber"`
	Email               string `json:"email"`
	IdentityNumber      string `json:"identityNumber"`
	RegistrationAddress string `json:"registrationAddress"`
	IP                  string `json:"ip"`
	City                string `json:"city"`
	Country             string `json:"country"`
	ZipCode             string `json:"zipCode,omitempty"`
}

type iyzicoAddress struct {
	ContactName string `json:"contactName"`
	City        string `json:"city"`
	Country     string `json:"country"`
	Address     string `json:"address"`
	ZipCode     string `json:"zipCode,omitempty"`
}

type iyzicoBasketItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category1 string `json:"category1"`
	ItemType  string `json:"itemType"`
	Price     string `json:"price"`
}

type iyzicoPaymentRequest struct {
	Locale          string             `json:"locale"`
	ConversationID  string             `json:"conversationId"`
	Price           string             `json:"price"`
	PaidPrice       string             `json:"paidPrice"`
	Currency        string             `json:"currency"`
	Installment     int                `json:"installment"`
	BasketID        string             `json:"basketId"`
	PaymentChannel  string             `json:"paymentChannel"`
	PaymentGroup    string             `json:"paymentGroup"`
	CallbackURL     string             `json:"callbackUrl,omitempty"`
	PaymentCard     iyzicoCard         `json:"paymentCard"`
	Buyer           iyzicoBuyer        `json:"buyer"`
	ShippingAddress iyzicoAddress      `json:"shippingAddress"`
	BillingAddress  iyzicoAddress      `json:"billingAddress"`
	BasketItems     []iyzicoBasketItem `json:"basketItems"`
}

type iyzicoItemTransaction struct {
	ItemID               string          `json:"itemId"`
	PaymentTransactionID string          `json:"paymentTransactionId"`
	PaidPrice            decimal.Decimal `json:"paidPrice"`
}

type iyzicoPaymentResponse struct {
	iyzicoResult
	PaymentID        string                  `json:"paymentId"`
	Price            decimal.Decimal         `json:"price"`
	PaidPrice        decimal.Decimal         `json:"paidPrice"`
	Currency         string                  `json:"currency"`
	BasketID         string                  `json:"basketId"`
	Signature        string                  `json:"signature"`
	ItemTransactions []iyzicoItemTransaction `json:"itemTransactions"`
}

func (r *iyzicoPaymentResponse) signaturePayload() string {
	return strings.Join([]string{
		r.PaymentID, r.Currency, r.BasketID, r.ConversationID, r.PaidPrice.String(), r.Price.String(),
	}, ":")
}

func (iz *Iyzico) paymentRequest(req *ChargeRequest) iyzicoPaymentRequest {
	addr := iyzicoAddress{
		ContactName: strings.TrimSpace(req.Buyer.Name + " " + req.Buyer.Surname),
		City:        req.Buyer.City,
		Country:     req.Buyer.Country,
		Address:     req.Buyer.Address,
		ZipCode:     req.Buyer.ZipCode,
	}
	items := make([]iyzicoBasketItem, 0, len(req.Lines))
	for _, l := range req.Lines {
		items = append(items, iyzicoBasketItem{
			ID:        l.ID,
			Name:      l.Name,
			Category1: l.Category,
			ItemType:  "PHYSICAL",
			Price:     l.Price.StringFixed(2),
		})
	}
	buyerID := req.Buyer.ID
	if buyerID == "" {
		buyerID = "guest"
	}
	return iyzicoPaymentRequest{
		Locale:         iz.cfg.Locale,
		ConversationID: req.ConversationID,
		Price:          req.PaidPrice.StringFixed(2),
		PaidPrice:      req.PaidPrice.StringFixed(2),
		Currency:       req.Currency,
		Installment:    1,
		BasketID:       req.BasketID,
		PaymentChannel: "WEB",
		PaymentGroup:   "PRODUCT",
		PaymentCard: iyzicoCard{
			CardHolderName: req.Card.HolderName,
			CardNumber:     req.Card.Number,
			ExpireMonth:    req.Card.ExpireMonth,
			ExpireYear:     req.Card.ExpireYear,
			CVC:            req.Card.CVC,
		},
		Buyer: iyzicoBuyer{
			ID:                  buyerID,
			Name:                req.Buyer.Name,
			Surname:             req.Buyer.Surname,
			GSMNumber:           req.Buyer.Phone,
			Email:               req.Buyer.Email,
			IdentityNumber:      req.Buyer.IdentityNumber,
			RegistrationAddress: req.Buyer.Address,
			IP:                  req.Buyer.IP,
			City:                req.Buyer.City,
			Country:             req.Buyer.Country,
			ZipCode:             req.Buyer.ZipCode,
		},
		ShippingAddress: addr,
		BillingAddress:  addr,
		BasketItems:     items,
	}
}

// BinCheck classifies a card prefix.
func (iz *Iyzico) BinCheck(ctx context.Context, bin string) (*BinResult, error) {
	var resp struct {
		iyzicoResult
		CardType string `json:"cardType"`
		BankName string `json:"bankName"`
	}
	in := map[string]string{"locale": iz.cfg.Locale, "conversationId": uuid.NewString(), "binNumber": bin}
	if err := iz.client.do(ctx, http.MethodPost, "/payment/bin/check", in, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return &BinResult{Supported: false}, nil
	}

	res := &BinResult{BankName: resp.BankName, Supported: true}
	switch resp.CardType {
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
func (iz *Iyzico) ChargeDirect(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	var resp iyzicoPaymentResponse
	if err := iz.client.do(ctx, http.MethodPost, "/payment/auth", iz.paymentRequest(req), &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return &ChargeResult{
			Status:       StatusFailure,
			ErrorCode:    resp.ErrorCode,
			ErrorMessage: resp.ErrorMessage,
			Reason:       iyzicoDeclines[resp.ErrorCode],
		}, nil
	}
	if !signaturesEqual(hmacHex(iz.cfg.SecretKey, resp.signaturePayload()), resp.Signature) {
		return nil, fmt.Errorf("payment %s: %w", resp.PaymentID, ErrInvalidSignature)
	}
	return &ChargeResult{Status: StatusSuccess, PaymentID: resp.PaymentID, PaidPrice: resp.PaidPrice}, nil
}

// Charge3DS starts a 3-D Secure charge and returns the bank's HTML form.
func (iz *Iyzico) Charge3DS(ctx context.Context, req *ChargeRequest, callbackURL string) (*ThreeDSInit, error) {
	in := iz.paymentRequest(req)
	in.CallbackURL = callbackURL

	var resp struct {
		iyzicoResult
		PaymentID          string `json:"paymentId"`
		ThreeDSHTMLContent string `json:"threeDSHtmlContent"`
		Signature          string `json:"signature"`
	}
	if err := iz.client.do(ctx, http.MethodPost, "/payment/3dsecure/initialize", in, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return &ThreeDSInit{
			Status:       StatusFailure,
			ErrorCode:    resp.ErrorCode,
			ErrorMessage: resp.ErrorMessage,
			Reason:       iyzicoDeclines[resp.ErrorCode],
		}, nil
	}
	if !signaturesEqual(hmacHex(iz.cfg.SecretKey, resp.PaymentID+":"+resp.ConversationID), resp.Signature) {
		return nil, fmt.Errorf("3ds initialize %s: %w", resp.PaymentID, ErrInvalidSignature)
	}

	html, err := base64.StdEncoding.DecodeString(resp.ThreeDSHTMLContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode 3ds html: %w", err)
	}
	return &ThreeDSInit{Status: StatusSuccess, PaymentID: resp.PaymentID, RedirectHTML: string(html)}, nil
}

// Verify3DS completes an authenticated 3-D Secure payment.
func (iz *Iyzico) Verify3DS(ctx context.Context, conversationID, paymentID string) (*VerifyResult, error) {
	in := map[string]string{"locale": iz.cfg.Locale, "conversationId": conversationID, "paymentId": paymentID}
	var resp iyzicoPaymentResponse
	if err := iz.client.do(ctx, http.MethodPost, "/payment/v2/3dsecure/auth", in, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return &VerifyResult{
			Status:       StatusFailure,
			PaymentID:    paymentID,
			ErrorCode:    resp.ErrorCode,
			ErrorMessage: resp.ErrorMessage,
			Reason:       iyzicoDeclines[resp.ErrorCode],
		}, nil
	}
	if !signaturesEqual(hmacHex(iz.cfg.SecretKey, resp.signaturePayload()), resp.Signature) {
		return nil, fmt.Errorf("3ds auth %s: %w", resp.PaymentID, ErrInvalidSignature)
	}

	lines := make([]LineResult, 0, len(resp.ItemTransactions))
	for _, it := range resp.ItemTransactions {
		lines = append(lines, LineResult{ItemID: it.ItemID, TransactionID: it.PaymentTransactionID, PaidPrice: it.PaidPrice})
	}
	return &VerifyResult{Status: StatusSuccess, PaymentID: resp.PaymentID, PaidPrice: resp.PaidPrice, Lines: lines}, nil
}

// Cancel voids a payment made the same day.
func (iz *Iyzico) Cancel(ctx context.Context, paymentID, reason string) (*OperationResult, error) {
	in := map[string]string{
		"locale":         iz.cfg.Locale,
		"conversationId": uuid.NewString(),
		"paymentId":      paymentID,
		"reason":         "other",
		"description":    reason,
	}
	var resp iyzicoResult
	if err := iz.client.do(ctx, http.MethodPost, "/payment/cancel", in, &resp); err != nil {
		return nil, err
	}
	return operationResult(resp.ok(), resp.ErrorCode, resp.ErrorMessage), nil
}

// Refund returns amount of a captured payment.
func (iz *Iyzico) Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*OperationResult, error) {
	in := map[string]string{
		"locale":         iz.cfg.Locale,
		"conversationId": uuid.NewString(),
		"paymentId":      paymentID,
		"price":          amount.StringFixed(2),
		"currency":       iz.cfg.Currency,
	}
	var resp iyzicoResult
	if err := iz.client.do(ctx, http.MethodPost, "/v2/payment/refund", in, &resp); err != nil {
		return nil, err
	}
	return operationResult(resp.ok(), resp.ErrorCode, resp.ErrorMessage), nil
}

// CallbackSignature computes the expected signature of a 3-D Secure callback.
func (iz *Iyzico) CallbackSignature(cb *Callback) string {
	return hmacHex(iz.cfg.SecretKey, strings.Join([]string{
		cb.ConversationData, cb.ConversationID, cb.MDStatus, cb.PaymentID, cb.Status,
	}, ":"))
}

// ParseCallback decodes and verifies the 3-D Secure browser callback.
func (iz *Iyzico) ParseCallback(form url.Values) (*Callback, error) {
	cb := &Callback{
		Status:           form.Get("status"),
		MDStatus:         form.Get("mdStatus"),
		PaymentID:        form.Get("paymentId"),
		ConversationID:   form.Get("conversationId"),
		ConversationData: form.Get("conversationData"),
		Signature:        form.Get("signature"),
	}
	if iz.cfg.SecretKey == "" || cb.Signature == "" || !signaturesEqual(iz.CallbackSignature(cb), cb.Signature) {
		return cb, ErrInvalidSignature
	}
	cb.Authenticated = cb.Status == "success" && cb.MDStatus == iyzicoAuthenticated
	return cb, nil
}

type iyzicoWebhook struct {
	PaymentConversationID string `json:"paymentConversationId"`
	PaymentID             string `json:"paymentId"`
	Status                string `json:"status"`
	ReferenceCode         string `json:"iyziReferenceCode"`
	EventType             string `json:"iyziEventType"`
}

// WebhookSignature computes the expected X-IYZ-SIGNATURE-V3 header.
func (iz *Iyzico) WebhookSignature(eventType, paymentID, conversationID, status string) string {
	return hmacHex(iz.cfg.SecretKey, iz.cfg.SecretKey+eventType+paymentID+conversationID+status)
}

// ParseWebhook decodes and verifies an iyzico webhook.
func (iz *Iyzico) ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error) {
	var wh iyzicoWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}
	// An empty key gives a signature anyone can compute.
	if iz.cfg.SecretKey == "" {
		return nil, ErrInvalidSignature
	}
	expected := iz.WebhookSignature(wh.EventType, wh.PaymentID, wh.PaymentConversationID, wh.Status)
	if !signaturesEqual(expected, header.Get("X-IYZ-SIGNATURE-V3")) {
		return nil, ErrInvalidSignature
	}

	var typ EventType
	switch wh.EventType {
	case "THREE_DS_AUTH":
		typ = EventThreeDSAuth
	case "API_AUTH":
		typ = EventAPIAuth
	case "REFUND":
		typ = EventRefund
	case "CANCEL":
		typ = EventCancel
	default:
		return nil, fmt.Errorf("unsupported iyzico event type %q", wh.EventType)
	}

	eventID := wh.ReferenceCode
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%s:%s", wh.EventType, wh.PaymentID, wh.Status)
	}
	return &WebhookEvent{
		EventID:        eventID,
		Type:           typ,
		PaymentID:      wh.PaymentID,
		ConversationID: wh.PaymentConversationID,
		Succeeded:      strings.EqualFold(wh.Status, "success"),
	}, nil
}

func operationResult(ok bool, code, message string) *OperationResult {
	if ok {
		return &OperationResult{Status: StatusSuccess}
	}
	return &OperationResult{Status: StatusFailure, ErrorCode: code, ErrorMessage: message}
}
