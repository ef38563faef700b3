package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"storefront-checkout/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var (
	printer   = message.NewPrinter(language.Turkish)
	titleCase = cases.Title(language.Turkish)
)

// FormatAmount renders an amount the way Turkish customers read it, e.g.
// 1.234,50 TL.
func FormatAmount(d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	return printer.Sprintf("%v TL", number.Decimal(f, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}

// DisplayName title-cases a buyer name with Turkish casing rules (i -> İ).
func DisplayName(name string) string {
	return titleCase.String(strings.TrimSpace(name))
}

var funcs = template.FuncMap{
	"amount": FormatAmount,
	"name":   DisplayName,
}

var templates = template.Must(template.New("mail").Funcs(funcs).Parse(`
{{define "order_completed"}}Merhaba {{name .BuyerName}},

{{.OrderNumber}} numaralı siparişiniz alındı.
{{range .Items}}
- {{.Name}} x{{.Quantity}}: {{amount .TotalPrice}}{{end}}

Ödenen tutar: {{amount .PaidPrice}}

Bizi tercih ettiğiniz için teşekkür ederiz.
{{end}}
{{define "order_confirmed"}}Merhaba,

{{.OrderNumber}} numaralı siparişinizin ödemesi onaylandı ve hazırlanmaya başlandı.
{{end}}
{{define "order_cancelled"}}Merhaba,

{{.OrderNumber}} numaralı siparişiniz iptal edildi. Ödemeniz kartınıza iade edilecektir.
{{if .Reason}}
Sebep: {{.Reason}}
{{end}}{{end}}
{{define "order_item_refunded"}}Merhaba,

{{.OrderNumber}} numaralı siparişinizdeki bir ürün için {{amount .Amount}} iade edildi.
{{end}}
`))

func render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

// Template names, also used as metric labels.
const (
	TemplateOrderCompleted    = "order_completed"
	TemplateOrderConfirmed    = "order_confirmed"
	TemplateOrderCancelled    = "order_cancelled"
	TemplateOrderItemRefunded = "order_item_refunded"
)

func OrderCompleted(e *models.OrderCompletedEvent) (Message, error) {
	body, err := render(TemplateOrderCompleted, e)
	return Message{To: e.Email, Subject: "Siparişiniz alındı: " + e.OrderNumber, Body: body}, err
}

func OrderConfirmed(e *models.OrderConfirmedEvent) (Message, error) {
	body, err := render(TemplateOrderConfirmed, e)
	return Message{To: e.Email, Subject: "Ödemeniz onaylandı: " + e.OrderNumber, Body: body}, err
}

func OrderCancelled(e *models.OrderCancelledEvent) (Message, error) {
	body, err := render(TemplateOrderCancelled, e)
	return Message{To: e.Email, Subject: "Siparişiniz iptal edildi: " + e.OrderNumber, Body: body}, err
}

func OrderItemRefunded(e *models.OrderItemRefundedEvent) (Message, error) {
	body, err := render(TemplateOrderItemRefunded, e)
	return Message{To: e.Email, Subject: "İade işleminiz tamamlandı: " + e.OrderNumber, Body: body}, err
}
