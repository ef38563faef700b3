package service

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

var checkoutValidator = newCheckoutValidator()

// newCheckoutValidator reports fields by their JSON names so errors line up
// with what the storefront submitted.
func newCheckoutValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "notblank", validators.NotBlank)
	mustRegister(v, "month", func(fl validator.FieldLevel) bool {
		m, err := strconv.Atoi(fl.Field().String())
		return err == nil && m >= 1 && m <= 12
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

// Buyer-facing text per field; fields not listed fall back by tag.
var fieldMessages = map[string]string{
	"lines":        "en az bir ürün gerekli",
	"quantity":     "en az 1 olmalı",
	"number":       "geçersiz kart numarası",
	"expire_month": "geçersiz ay",
	"expire_year":  "geçersiz yıl",
	"cvc":          "geçersiz güvenlik kodu",
	"email":        "geçersiz e-posta adresi",
}

func fieldMessage(fe validator.FieldError) string {
	if msg, ok := fieldMessages[fe.Field()]; ok {
		return msg
	}
	switch fe.Tag() {
	case "required", "notblank":
		return "zorunlu alan"
	}
	return "geçersiz değer"
}

// validateCheckout checks the shape of a request before any external call.
// Keys are dotted JSON paths such as "card.cvc" or "lines[0].quantity".
func validateCheckout(req *CheckoutRequest) map[string]string {
	err := checkoutValidator.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"request": msgInvalidInput}
	}

	errs := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		key := fe.Namespace()
		if i := strings.IndexByte(key, '.'); i >= 0 {
			key = key[i+1:]
		}
		if _, seen := errs[key]; !seen {
			errs[key] = fieldMessage(fe)
		}
	}
	return errs
}
