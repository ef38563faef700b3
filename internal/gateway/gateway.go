// Package gateway abstracts the card payment providers behind one contract.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSignature means a provider payload failed integrity checks.
	ErrInvalidSignature = errors.New("invalid provider signature")
	// ErrUnknownProvider is returned for provider names the registry does not hold.
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// Provider names an implementation.
type Provider string

const (
	ProviderIyzico    Provider = "iyzico"
	ProviderCraftgate Provider = "craftgate"
)

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderIyzico, ProviderCraftgate:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// CardType is the closed set of card classes returned by a bin lookup.
type CardType int

const (
	CardTypeCredit CardType = iota + 1
	CardTypeDebit
)

func (c CardType) String() string {
	switch c {
	case CardTypeCredit:
		return "CREDIT"
	case CardTypeDebit:
		return "DEBIT"
	}
	return fmt.Sprintf("CardType(%d)", int(c))
}

// EventType is the closed set of webhook events we act on.
type EventType int

const (
	EventThreeDSAuth EventType = iota + 1
	EventAPIAuth
	EventRefund
	EventCancel
)

func (e EventType) String() string {
	switch e {
	case EventThreeDSAuth:
		return "THREE_DS_AUTH"
	case EventAPIAuth:
		return "API_AUTH"
	case EventRefund:
		return "REFUND"
	case EventCancel:
		return "CANCEL"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// Status is a provider's verdict on an operation.
type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
)

// DeclineReason classifies a provider error code.
type DeclineReason int

const (
	DeclineUnknown DeclineReason = iota
	DeclineInvalidCardNumber
	DeclineInvalidExpireMonth
	DeclineInvalidExpireYear
	DeclineInvalidCVC
	DeclineInvalidHolderName
	DeclineInsufficientFunds
	DeclineCardNotSupported
)

// Card is the payment instrument. It is never persisted or logged.
type Card struct {
	HolderName  string `json:"holder_name" validate:"notblank"`
	Number      string `json:"number" validate:"required,number,min=12,max=19"`
	ExpireMonth string `json:"expire_month" validate:"required,number,month"`
	ExpireYear  string `json:"expire_year" validate:"required,number,len=2|len=4"`
	CVC         string `json:"cvc" validate:"required,number,min=3,max=4"`
	Force3DS    bool   `json:"force_3ds"`
}

// BIN returns the first digits used for the bin lookup.
func (c Card) BIN() string {
	if len(c.Number) < 6 {
		return c.Number
	}
	return c.Number[:6]
}

// BasketLine is one physical unit sent to the provider.
type BasketLine struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
}

// Buyer is the provider-facing buyer identity.
type Buyer struct {
	ID             string
	Name           string
	Surname        string
	Email          string
	Phone          string
	IdentityNumber string
	City           string
	Country        string
	Address        string
	ZipCode        string
	IP             string
}

// ChargeRequest carries everything a provider needs to charge a basket.
// PaidPrice must equal the sum of Lines to the cent.
type ChargeRequest struct {
	ConversationID string
	BasketID       string
	PaidPrice      decimal.Decimal
	Currency       string
	Card           Card
	Buyer          Buyer
	Lines          []BasketLine
}

// BinResult is the classification of a card prefix.
type BinResult struct {
	CardType  CardType
	Supported bool
	BankName  string
}

// ChargeResult is the outcome of a direct charge.
type ChargeResult struct {
	Status       Status
	PaymentID    string
	PaidPrice    decimal.Decimal
	ErrorCode    string
	ErrorMessage string
	Reason       DeclineReason
}

// ThreeDSInit is the outcome of starting a 3-D Secure charge.
type ThreeDSInit struct {
	Status       Status
	PaymentID    string
	RedirectHTML string
	ErrorCode    string
	ErrorMessage string
	Reason       DeclineReason
}

// VerifyResult is the provider's final word on a 3-D Secure charge.
type VerifyResult struct {
	Status       Status
	PaymentID    string
	PaidPrice    decimal.Decimal
	Lines        []LineResult
	ErrorCode    string
	ErrorMessage string
	Reason       DeclineReason
}

// LineResult is the provider's per-unit breakdown of a payment.
type LineResult struct {
	ItemID        string
	TransactionID string
	PaidPrice     decimal.Decimal
}

// OperationResult is the outcome of a cancel or refund.
type OperationResult struct {
	Status       Status
	ErrorCode    string
	ErrorMessage string
}

// Callback is a browser-redirect 3-D Secure result, normalised across providers.
type Callback struct {
	Status           string
	MDStatus         string
	PaymentID        string
	ConversationID   string
	ConversationData string
	Signature        string
	// Authenticated is true only when the provider reports full 3-D Secure
	// authentication for this payload.
	Authenticated bool
}

// WebhookEvent is a server-to-server notification, normalised across providers.
type WebhookEvent struct {
	EventID        string
	Type           EventType
	PaymentID      string
	ConversationID string
	Succeeded      bool
}

// Gateway is the contract every payment provider implements.
type Gateway interface {
	Provider() Provider
	BinCheck(ctx context.Context, bin string) (*BinResult, error)
	ChargeDirect(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)
	Charge3DS(ctx context.Context, req *ChargeRequest, callbackURL string) (*ThreeDSInit, error)
	Verify3DS(ctx context.Context, conversationID, paymentID string) (*VerifyResult, error)
	Cancel(ctx context.Context, paymentID, reason string) (*OperationResult, error)
	Refund(ctx context.Context, paymentID string, amount decimal.Decimal) (*OperationResult, error)
	// ParseCallback decodes the posted form and verifies its signature,
	// returning ErrInvalidSignature on mismatch.
	ParseCallback(form url.Values) (*Callback, error)
	// ParseWebhook decodes and verifies a webhook delivery.
	ParseWebhook(header http.Header, body []byte) (*WebhookEvent, error)
}

// Registry holds the configured providers and the one used for new charges.
type Registry struct {
	active   Provider
	gateways map[Provider]Gateway
}

// NewRegistry builds a registry; active must be among gateways.
func NewRegistry(active Provider, gateways ...Gateway) (*Registry, error) {
	r := &Registry{active: active, gateways: make(map[Provider]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Provider()] = g
	}
	if _, ok := r.gateways[active]; !ok {
		return nil, fmt.Errorf("%w: active provider %q not configured", ErrUnknownProvider, active)
	}
	return r, nil
}

// Active returns the gateway used for new checkouts.
func (r *Registry) Active() Gateway {
	return r.gateways[r.active]
}

// Get returns the gateway for p.
func (r *Registry) Get(p Provider) (Gateway, error) {
	g, ok := r.gateways[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return g, nil
}
