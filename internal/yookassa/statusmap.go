package yookassa

import "github.com/cassiomorais/fabricshop/internal/domain/session"

// authorizeStatus maps a gateway status for AuthorizePayment. A succeeded
// payment is reported as authorized so the host completes its own
// authorize step before capturing.
func authorizeStatus(s PaymentStatus) (session.Status, bool) {
	switch s {
	case StatusPending:
		return session.StatusPending, true
	case StatusWaitingForCapture:
		return session.StatusAuthorized, true
	case StatusSucceeded:
		return session.StatusAuthorized, true
	case StatusCanceled:
		return session.StatusCanceled, true
	}
	return session.StatusPending, false
}

// queryStatus maps a gateway status for GetPaymentStatus.
func queryStatus(s PaymentStatus) (session.Status, bool) {
	switch s {
	case StatusPending:
		return session.StatusPending, true
	case StatusWaitingForCapture:
		return session.StatusAuthorized, true
	case StatusSucceeded:
		return session.StatusCaptured, true
	case StatusCanceled:
		return session.StatusCanceled, true
	}
	return session.StatusPending, false
}
