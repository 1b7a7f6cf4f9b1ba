package payments

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
)

const (
	metadataAccountID = "account_id"
	metadataPackageID = "package_id"
)

// CheckoutSession is the redirect handed back to the browser after a
// checkout session was created.
type CheckoutSession struct {
	SessionID string
	URL       string
}

// PaymentRecord is the gateway's authoritative view of one payment, queried
// back during webhook processing. Metadata echoes what checkout creation
// attached; the credited amount always comes from the catalog, never from
// the record.
type PaymentRecord struct {
	PaymentID string
	Paid      bool
	AccountID string
	PackageID string
}

// Gateway abstracts the external payment provider.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, accountID string, bundle Package) (CheckoutSession, error)
	PaymentRecord(ctx context.Context, paymentID string) (PaymentRecord, error)
}

// StripeConfig configures the Stripe-backed gateway.
type StripeConfig struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
	Currency   string
}

// StripeGateway implements Gateway against Stripe Checkout.
type StripeGateway struct {
	config StripeConfig
}

// NewStripeGateway sets the global Stripe key and returns the gateway.
func NewStripeGateway(config StripeConfig) *StripeGateway {
	stripe.Key = config.APIKey
	if config.Currency == "" {
		config.Currency = "eur"
	}
	return &StripeGateway{config: config}
}

func (gateway *StripeGateway) CreateCheckoutSession(_ context.Context, accountID string, bundle Package) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(gateway.config.SuccessURL),
		CancelURL:  stripe.String(gateway.config.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(gateway.config.Currency),
					UnitAmount: stripe.Int64(bundle.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(bundle.Label),
					},
				},
			},
		},
	}
	params.AddMetadata(metadataAccountID, accountID)
	params.AddMetadata(metadataPackageID, bundle.PackageID)

	created, err := session.New(params)
	if err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{SessionID: created.ID, URL: created.URL}, nil
}

func (gateway *StripeGateway) PaymentRecord(_ context.Context, paymentID string) (PaymentRecord, error) {
	fetched, err := session.Get(paymentID, nil)
	if err != nil {
		return PaymentRecord{}, err
	}
	return PaymentRecord{
		PaymentID: fetched.ID,
		Paid:      fetched.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AccountID: fetched.Metadata[metadataAccountID],
		PackageID: fetched.Metadata[metadataPackageID],
	}, nil
}
