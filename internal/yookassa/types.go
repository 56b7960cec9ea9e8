package yookassa

// PaymentStatus is the gateway-side payment status.
type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusWaitingForCapture PaymentStatus = "waiting_for_capture"
	StatusSucceeded         PaymentStatus = "succeeded"
	StatusCanceled          PaymentStatus = "canceled"
)

// Event is a webhook notification type.
type Event string

const (
	EventPaymentSucceeded         Event = "payment.succeeded"
	EventPaymentWaitingForCapture Event = "payment.waiting_for_capture"
	EventPaymentCanceled          Event = "payment.canceled"
	EventRefundSucceeded          Event = "refund.succeeded"
)

const ConfirmationRedirect = "redirect"

// Amount is a decimal major-unit value with its ISO 4217 currency.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type CancellationDetails struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

// Payment is the gateway payment object.
type Payment struct {
	ID                  string               `json:"id"`
	Status              PaymentStatus        `json:"status"`
	Amount              Amount               `json:"amount"`
	Description         string               `json:"description,omitempty"`
	Confirmation        *Confirmation        `json:"confirmation,omitempty"`
	Paid                bool                 `json:"paid"`
	Refundable          bool                 `json:"refundable"`
	Metadata            map[string]any       `json:"metadata,omitempty"`
	CreatedAt           string               `json:"created_at"`
	CancellationDetails *CancellationDetails `json:"cancellation_details,omitempty"`
}

// ConfirmationURL returns the redirect URL the buyer must visit, if any.
func (p *Payment) ConfirmationURL() string {
	if p.Confirmation == nil {
		return ""
	}
	return p.Confirmation.ConfirmationURL
}

type CreatePaymentRequest struct {
	Amount       Amount         `json:"amount"`
	Capture      bool           `json:"capture"`
	Confirmation Confirmation   `json:"confirmation"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type CapturePaymentRequest struct {
	Amount Amount `json:"amount"`
}

type CreateRefundRequest struct {
	PaymentID   string `json:"payment_id"`
	Amount      Amount `json:"amount"`
	Description string `json:"description,omitempty"`
}

// Refund is the gateway refund object.
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Amount    Amount `json:"amount"`
	CreatedAt string `json:"created_at"`
}
