package service

import "storefront-checkout/internal/gateway"

// User-facing messages. Raw provider errors are never shown to the buyer.
const (
	msgInvalidInput       = "Lütfen bilgilerinizi kontrol edip tekrar deneyin."
	msgCardNotSupported   = "Bu kart ile ödeme yapılamıyor. Lütfen başka bir kart deneyin."
	msgCardLookupFailed   = "Kart bilgileri doğrulanamadı. Lütfen tekrar deneyin."
	msgPaymentFailed      = "Ödeme işlemi başarısız oldu. Lütfen tekrar deneyin."
	msgGatewayUnavailable = "Ödeme sağlayıcısına şu anda ulaşılamıyor. Lütfen daha sonra tekrar deneyin."
	msgOutOfStock         = "Sepetinizdeki bazı ürünlerin stoğu tükendi."
	msgVariantGone        = "Sepetinizdeki bazı ürünler artık satışta değil."
	msgInvalidQuantity    = "Ürün adedi en az 1 olmalıdır."
	msgEmptyBasket        = "Sepetiniz boş."
	msgBasketTooLarge     = "Sepetinizde çok fazla ürün var."
	msgOrderCompleted     = "Siparişiniz alındı."
	msgThreeDSStarted     = "3D Secure doğrulaması bekleniyor."

	msgDiscountUnknown         = "İndirim kodu bulunamadı."
	msgDiscountNotStarted      = "İndirim kodu henüz geçerli değil."
	msgDiscountExpired         = "İndirim kodunun süresi dolmuş."
	msgDiscountExhausted       = "İndirim kodunun kullanım limiti dolmuş."
	msgDiscountNotEligible     = "İndirim kodu sepetinizdeki ürünler için geçerli değil."
	msgDiscountTooLarge        = "İndirim tutarı sepet tutarından büyük olamaz."
	msgDiscountUndistributable = "İndirim kodu bu sepetteki ürünlere dağıtılamıyor."

	msgCallbackInvalid    = "Ödeme doğrulanamadı."
	msgCallbackNotAuthed  = "3D Secure doğrulaması başarısız oldu."
	msgCallbackExpired    = "Ödeme oturumunun süresi doldu. Lütfen tekrar deneyin."
	msgCallbackUnknown    = "Ödeme oturumu bulunamadı veya zaten tamamlandı."
	msgCallbackInProgress = "Ödemeniz işleniyor, lütfen bekleyin."
)

var declineMessages = map[gateway.DeclineReason]string{
	gateway.DeclineInvalidCardNumber:  "Kart numarası geçersiz.",
	gateway.DeclineInvalidExpireMonth: "Son kullanma ayı geçersiz.",
	gateway.DeclineInvalidExpireYear:  "Son kullanma yılı geçersiz.",
	gateway.DeclineInvalidCVC:         "Güvenlik kodu (CVC) geçersiz.",
	gateway.DeclineInvalidHolderName:  "Kart sahibi adı geçersiz.",
	gateway.DeclineInsufficientFunds:  "Kart limitiniz yetersiz.",
	gateway.DeclineCardNotSupported:   msgCardNotSupported,
}

// DeclineMessage maps a provider decline to buyer-facing text.
func DeclineMessage(r gateway.DeclineReason) string {
	if msg, ok := declineMessages[r]; ok {
		return msg
	}
	return msgPaymentFailed
}

// declineLabel is the metric label for a decline reason.
func declineLabel(r gateway.DeclineReason) string {
	switch r {
	case gateway.DeclineInvalidCardNumber:
		return "invalid_card_number"
	case gateway.DeclineInvalidExpireMonth:
		return "invalid_expire_month"
	case gateway.DeclineInvalidExpireYear:
		return "invalid_expire_year"
	case gateway.DeclineInvalidCVC:
		return "invalid_cvc"
	case gateway.DeclineInvalidHolderName:
		return "invalid_holder_name"
	case gateway.DeclineInsufficientFunds:
		return "insufficient_funds"
	case gateway.DeclineCardNotSupported:
		return "card_not_supported"
	case gateway.DeclineUnknown:
		return "unknown"
	}
	return "unknown"
}
