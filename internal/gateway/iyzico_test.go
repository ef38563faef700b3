package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "sandbox-secret"

func newIyzicoServer(t *testing.T, handler func(path string, body map[string]interface{}) interface{}) (*Iyzico, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "IYZWSv2 "))
		assert.NotEmpty(t, r.Header.Get("x-iyzi-rnd"))

		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handler(r.URL.Path, body))
	}))
	t.Cleanup(srv.Close)
	return NewIyzico(IyzicoConfig{APIKey: "sandbox-key", SecretKey: testSecret, BaseURL: srv.URL}), srv
}

func testCharge() *ChargeRequest {
	return &ChargeRequest{
		ConversationID: "c-1",
		BasketID:       "b-1",
		PaidPrice:      decimal.RequireFromString("236"),
		Currency:       "TRY",
		Card:           Card{HolderName: "Ayse Yilmaz", Number: "5528790000000008", ExpireMonth: "12", ExpireYear: "2030", CVC: "123"},
		Buyer:          Buyer{Name: "Ayse", Surname: "Yilmaz", Email: "ayse@example.com", City: "Istanbul", Country: "Turkey", IP: "85.34.78.112"},
		Lines: []BasketLine{
			{ID: "v1", Name: "Kahve", Price: decimal.RequireFromString("118"), Category: "Gida"},
			{ID: "v1", Name: "Kahve", Price: decimal.RequireFromString("118"), Category: "Gida"},
		},
	}
}

func TestIyzicoSignHeader(t *testing.T) {
	iz := NewIyzico(IyzicoConfig{APIKey: "k", SecretKey: "s"})
	req := httptest.NewRequest(http.MethodPost, "/payment/auth", nil)
	iz.sign(req, "/payment/auth", []byte(`{"a":1}`))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(req.Header.Get("Authorization"), "IYZWSv2 "))
	require.NoError(t, err)
	rnd := req.Header.Get("x-iyzi-rnd")
	want := "apiKey:k&randomKey:" + rnd + "&signature:" + hmacHex("s", rnd+"/payment/auth"+`{"a":1}`)
	assert.Equal(t, want, string(raw))
}

func TestIyzicoBinCheck(t *testing.T) {
	tests := []struct {
		cardType  string
		status    string
		want      CardType
		supported bool
	}{
		{"CREDIT_CARD", "success", CardTypeCredit, true},
		{"DEBIT_CARD", "success", CardTypeDebit, true},
		{"PREPAID_CARD", "success", 0, false},
		{"", "failure", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.cardType+tt.status, func(t *testing.T) {
			iz, _ := newIyzicoServer(t, func(path string, body map[string]interface{}) interface{} {
				assert.Equal(t, "/payment/bin/check", path)
				assert.Equal(t, "552879", body["binNumber"])
				return map[string]string{"status": tt.status, "cardType": tt.cardType}
			})
			res, err := iz.BinCheck(context.Background(), "552879")
			require.NoError(t, err)
			assert.Equal(t, tt.supported, res.Supported)
			if tt.supported {
				assert.Equal(t, tt.want, res.CardType)
			}
		})
	}
}

func TestIyzicoChargeDirectVerifiesSignature(t *testing.T) {
	iz, _ := newIyzicoServer(t, func(path string, body map[string]interface{}) interface{} {
		assert.Equal(t, "/payment/auth", path)
		assert.Equal(t, "236.00", body["paidPrice"])
		items := body["basketItems"].([]interface{})
		assert.Len(t, items, 2)
		return map[string]interface{}{
			"status": "success", "paymentId": "p-1", "currency": "TRY", "basketId": "b-1",
			"conversationId": "c-1", "price": 236.0, "paidPrice": 236.0,
			"signature": hmacHex(testSecret, "p-1:TRY:b-1:c-1:236:236"),
		}
	})

	res, err := iz.ChargeDirect(context.Background(), testCharge())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "p-1", res.PaymentID)
	assert.True(t, decimal.NewFromInt(236).Equal(res.PaidPrice))
}

func TestIyzicoRefundUsesConfiguredCurrency(t *testing.T) {
	iz, _ := newIyzicoServer(t, func(path string, body map[string]interface{}) interface{} {
		assert.Equal(t, "/v2/payment/refund", path)
		assert.Equal(t, "p-1", body["paymentId"])
		assert.Equal(t, "118.00", body["price"])
		assert.Equal(t, "EUR", body["currency"])
		return map[string]interface{}{"status": "success"}
	})
	iz.cfg.Currency = "EUR"

	res, err := iz.Refund(context.Background(), "p-1", decimal.RequireFromString("118"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestIyzicoChargeDirectRejectsForgedResponse(t *testing.T) {
	iz, _ := newIyzicoServer(t, func(string, map[string]interface{}) interface{} {
		return map[string]interface{}{
			"status": "success", "paymentId": "p-1", "currency": "TRY", "basketId": "b-1",
			"conversationId": "c-1", "price": 236.0, "paidPrice": 236.0, "signature": "deadbeef",
		}
	})

	_, err := iz.ChargeDirect(context.Background(), testCharge())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIyzicoChargeDirectMapsDeclines(t *testing.T) {
	codes := map[string]DeclineReason{
		"12":    DeclineInvalidCardNumber,
		"15":    DeclineInvalidExpireMonth,
		"14":    DeclineInvalidExpireYear,
		"17":    DeclineInvalidCVC,
		"20":    DeclineInvalidHolderName,
		"99999": DeclineUnknown,
	}
	for code, reason := range codes {
		iz, _ := newIyzicoServer(t, func(string, map[string]interface{}) interface{} {
			return map[string]string{"status": "failure", "errorCode": code, "errorMessage": "raw provider text"}
		})
		res, err := iz.ChargeDirect(context.Background(), testCharge())
		require.NoError(t, err)
		assert.Equal(t, StatusFailure, res.Status)
		assert.Equal(t, reason, res.Reason, code)
	}
}

func TestIyzicoCharge3DSDecodesHTML(t *testing.T) {
	html := "<form action='https://bank.example'></form>"
	iz, _ := newIyzicoServer(t, func(path string, body map[string]interface{}) interface{} {
		assert.Equal(t, "/payment/3dsecure/initialize", path)
		assert.Equal(t, "https://shop.example/callback/tok", body["callbackUrl"])
		return map[string]string{
			"status": "success", "paymentId": "p-3", "conversationId": "c-1",
			"threeDSHtmlContent": base64.StdEncoding.EncodeToString([]byte(html)),
			"signature":          hmacHex(testSecret, "p-3:c-1"),
		}
	})

	res, err := iz.Charge3DS(context.Background(), testCharge(), "https://shop.example/callback/tok")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, html, res.RedirectHTML)
}

func TestIyzicoVerify3DS(t *testing.T) {
	iz, _ := newIyzicoServer(t, func(path string, body map[string]interface{}) interface{} {
		assert.Equal(t, "/payment/v2/3dsecure/auth", path)
		assert.Equal(t, "p-3", body["paymentId"])
		return map[string]interface{}{
			"status": "success", "paymentId": "p-3", "currency": "TRY", "basketId": "b-1",
			"conversationId": "c-1", "price": 118.5, "paidPrice": 118.5,
			"signature":        hmacHex(testSecret, "p-3:TRY:b-1:c-1:118.5:118.5"),
			"itemTransactions": []map[string]interface{}{{"itemId": "v1", "paymentTransactionId": "t1", "paidPrice": 118.5}},
		}
	})

	res, err := iz.Verify3DS(context.Background(), "c-1", "p-3")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "t1", res.Lines[0].TransactionID)
}

func callbackForm(iz *Iyzico, status, mdStatus string) url.Values {
	cb := &Callback{Status: status, MDStatus: mdStatus, PaymentID: "p-3", ConversationID: "c-1"}
	return url.Values{
		"status":         {status},
		"mdStatus":       {mdStatus},
		"paymentId":      {"p-3"},
		"conversationId": {"c-1"},
		"signature":      {iz.CallbackSignature(cb)},
	}
}

func TestIyzicoParseCallback(t *testing.T) {
	iz := NewIyzico(IyzicoConfig{SecretKey: testSecret})

	cb, err := iz.ParseCallback(callbackForm(iz, "success", "1"))
	require.NoError(t, err)
	assert.True(t, cb.Authenticated)

	cb, err = iz.ParseCallback(callbackForm(iz, "failure", "0"))
	require.NoError(t, err)
	assert.False(t, cb.Authenticated)

	forged := callbackForm(iz, "success", "1")
	forged.Set("paymentId", "p-other")
	_, err = iz.ParseCallback(forged)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	unsigned := callbackForm(iz, "success", "1")
	unsigned.Del("signature")
	_, err = iz.ParseCallback(unsigned)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIyzicoParseWebhook(t *testing.T) {
	iz := NewIyzico(IyzicoConfig{SecretKey: testSecret})
	body := []byte(`{"paymentConversationId":"c-1","paymentId":"p-3","status":"SUCCESS","iyziReferenceCode":"ref-1","iyziEventType":"THREE_DS_AUTH"}`)

	header := http.Header{}
	header.Set("X-IYZ-SIGNATURE-V3", iz.WebhookSignature("THREE_DS_AUTH", "p-3", "c-1", "SUCCESS"))

	ev, err := iz.ParseWebhook(header, body)
	require.NoError(t, err)
	assert.Equal(t, EventThreeDSAuth, ev.Type)
	assert.Equal(t, "ref-1", ev.EventID)
	assert.True(t, ev.Succeeded)

	header.Set("X-IYZ-SIGNATURE-V3", "nope")
	_, err = iz.ParseWebhook(header, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIyzicoRejectsWebhookWithoutSecret(t *testing.T) {
	iz := NewIyzico(IyzicoConfig{APIKey: "sandbox-key"})
	body := []byte(`{"paymentConversationId":"c-1","paymentId":"p-3","status":"SUCCESS","iyziReferenceCode":"ref-1","iyziEventType":"API_AUTH"}`)

	header := http.Header{}
	header.Set("X-IYZ-SIGNATURE-V3", iz.WebhookSignature("API_AUTH", "p-3", "c-1", "SUCCESS"))

	_, err := iz.ParseWebhook(header, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
