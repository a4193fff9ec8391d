package upstream

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Payer settles payment-challenge invoices. Invoices are hold invoices that
// only finalize once the Core delivers the paid-for resource, so payment is
// initiated asynchronously and never awaited inline; a Payer's failure is
// logged, not propagated.
type Payer interface {
	PayInvoice(ctx context.Context, paymentRequest string) error
}

// LogPayer is a Payer that only records the invoice. It stands in when no
// wallet is wired into the node, such as on free-tier Cores or in tests.
type LogPayer struct {
	logger *logrus.Entry
}

// NewLogPayer ...
func NewLogPayer(logger *logrus.Entry) *LogPayer {
	return &LogPayer{logger: logger}
}

// PayInvoice implements the Payer interface.
func (p *LogPayer) PayInvoice(ctx context.Context, paymentRequest string) error {
	p.logger.WithField("payment_request", paymentRequest).
		Warning("No wallet configured; invoice left unpaid")
	return nil
}
