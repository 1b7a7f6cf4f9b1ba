package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
)

const eventCheckoutCompleted = "checkout.session.completed"

// OutcomeStatus classifies what a webhook delivery did internally. The
// gateway-facing acknowledgement is separate: every delivery is acked so the
// gateway stops retrying, whatever the internal outcome.
type OutcomeStatus string

const (
	// StatusCredited means the purchased bucket was incremented.
	StatusCredited OutcomeStatus = "credited"
	// StatusDuplicate means this payment id was already credited.
	StatusDuplicate OutcomeStatus = "duplicate"
	// StatusPending means the gateway has not marked the payment paid yet.
	StatusPending OutcomeStatus = "pending"
	// StatusIgnored means the event type is not one we act on.
	StatusIgnored OutcomeStatus = "ignored"
	// StatusRejected means the delivery failed signature verification.
	StatusRejected OutcomeStatus = "rejected"
	// StatusFailed means an internal error was swallowed.
	StatusFailed OutcomeStatus = "failed"
)

// Outcome is the internal result of one webhook delivery.
type Outcome struct {
	Status    OutcomeStatus
	PaymentID string
	Err       error
}

// PurchaseNotifier receives a best-effort callback after a purchase was
// credited.
type PurchaseNotifier interface {
	NotifyPurchase(ctx context.Context, account credits.Account, amount int64, total int64)
}

// Processor consumes payment gateway webhook deliveries and credits the
// purchased bucket exactly once per payment id. Internal failures never
// propagate to the gateway; they surface only in the returned Outcome and
// the log.
type Processor struct {
	service       *credits.Service
	catalog       Catalog
	gateway       Gateway
	signingSecret string
	notifier      PurchaseNotifier
	logger        *zap.Logger
}

// NewProcessor wires a webhook processor. An empty signingSecret disables
// signature verification; the notifier may be nil.
func NewProcessor(service *credits.Service, catalog Catalog, gateway Gateway, signingSecret string, notifier PurchaseNotifier, logger *zap.Logger) (*Processor, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: nil service", credits.ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: nil gateway", credits.ErrInvalidServiceConfig)
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		service:       service,
		catalog:       catalog,
		gateway:       gateway,
		signingSecret: signingSecret,
		notifier:      notifier,
		logger:        logger,
	}, nil
}

// Process handles one raw delivery. The caller acks the gateway regardless
// of the returned Outcome.
func (processor *Processor) Process(ctx context.Context, payload []byte, signatureHeader string) Outcome {
	event, err := processor.parseEvent(payload, signatureHeader)
	if err != nil {
		processor.logger.Warn("webhook rejected", zap.Error(err))
		return Outcome{Status: StatusRejected, Err: err}
	}
	if string(event.Type) != eventCheckoutCompleted {
		return Outcome{Status: StatusIgnored}
	}

	var completed stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &completed); err != nil {
		processor.logger.Error("webhook payload unreadable", zap.Error(err))
		return Outcome{Status: StatusFailed, Err: err}
	}
	return processor.credit(ctx, completed.ID)
}

func (processor *Processor) credit(ctx context.Context, paymentID string) Outcome {
	outcome := Outcome{PaymentID: paymentID}

	record, err := processor.gateway.PaymentRecord(ctx, paymentID)
	if err != nil {
		processor.logger.Error("payment record lookup failed",
			zap.String("payment_id", paymentID), zap.Error(err))
		outcome.Status, outcome.Err = StatusFailed, err
		return outcome
	}
	if !record.Paid {
		outcome.Status = StatusPending
		return outcome
	}

	accountID, err := credits.NewAccountID(record.AccountID)
	if err != nil {
		processor.logger.Error("payment record missing account id",
			zap.String("payment_id", paymentID), zap.Error(err))
		outcome.Status, outcome.Err = StatusFailed, err
		return outcome
	}
	bundle, err := processor.catalog.Lookup(record.PackageID)
	if err != nil {
		processor.logger.Error("payment record names unknown package",
			zap.String("payment_id", paymentID),
			zap.String("package_id", record.PackageID))
		outcome.Status, outcome.Err = StatusFailed, err
		return outcome
	}

	credited, err := processor.service.CreditPurchase(ctx, accountID, paymentID, bundle.CreditCount, bundle.Label)
	if err != nil {
		processor.logger.Error("crediting purchase failed",
			zap.String("payment_id", paymentID),
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		outcome.Status, outcome.Err = StatusFailed, err
		return outcome
	}
	if !credited {
		outcome.Status = StatusDuplicate
		return outcome
	}

	processor.logger.Info("purchase credited",
		zap.String("payment_id", paymentID),
		zap.String("account_id", accountID.String()),
		zap.Int64("credits", bundle.CreditCount))
	processor.notifyPurchase(ctx, accountID, bundle.CreditCount)
	outcome.Status = StatusCredited
	return outcome
}

func (processor *Processor) notifyPurchase(ctx context.Context, accountID credits.AccountID, amount int64) {
	if processor.notifier == nil {
		return
	}
	account, err := processor.service.Account(ctx, accountID)
	if err != nil {
		processor.logger.Warn("purchase notification skipped",
			zap.String("account_id", accountID.String()), zap.Error(err))
		return
	}
	processor.notifier.NotifyPurchase(ctx, account, amount, account.FreeCredits+account.PurchasedCredits)
}

func (processor *Processor) parseEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if processor.signingSecret != "" {
		return webhook.ConstructEvent(payload, signatureHeader, processor.signingSecret)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, err
	}
	return event, nil
}
