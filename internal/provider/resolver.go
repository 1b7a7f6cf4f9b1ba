package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
)

var (
	// ErrCredentialMissing reports an own-key account without a stored
	// credential.
	ErrCredentialMissing = errors.New("own api key not configured")
	// ErrPlatformUnavailable reports that no platform credential is
	// configured server side.
	ErrPlatformUnavailable = errors.New("platform ai credential unavailable")
)

// Resolution carries everything an AI call site needs: which credential to
// use and whether credits were debited for the operation.
type Resolution struct {
	Mode      credits.ExecutionMode
	APIKey    string
	Operation string
	Cost      int64
	Debited   bool
}

// Resolver decides per account whether an AI operation runs on the account's
// own credential or on the shared platform credential, debiting credits in
// the latter case before the call proceeds.
type Resolver struct {
	service     *credits.Service
	keybox      *Keybox
	platformKey string
	costs       CostTable
	logger      *zap.Logger
}

// NewResolver wires a resolver over the credit service. An empty platformKey
// is allowed; platform-mode resolutions then fail with
// ErrPlatformUnavailable.
func NewResolver(service *credits.Service, keybox *Keybox, platformKey string, costs CostTable, logger *zap.Logger) (*Resolver, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: nil service", credits.ErrInvalidServiceConfig)
	}
	if keybox == nil {
		return nil, fmt.Errorf("%w: nil keybox", credits.ErrInvalidServiceConfig)
	}
	if costs == nil {
		costs = DefaultCostTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		service:     service,
		keybox:      keybox,
		platformKey: platformKey,
		costs:       costs,
		logger:      logger,
	}, nil
}

// Resolve picks the credential for one AI operation. In own-key mode the
// stored credential is decrypted and no credits move. In platform mode the
// operation's cost is debited before the key is handed out; callers that see
// the downstream call fail must Refund.
func (resolver *Resolver) Resolve(ctx context.Context, accountID credits.AccountID, operation string) (Resolution, error) {
	account, err := resolver.service.Account(ctx, accountID)
	if err != nil {
		return Resolution{}, err
	}
	if account.ExecutionMode == credits.ModeOwnKey {
		if len(account.OwnCredential) == 0 {
			return Resolution{}, ErrCredentialMissing
		}
		apiKey, openErr := resolver.keybox.Open(account.OwnCredential)
		if openErr != nil {
			resolver.logger.Warn("stored credential unreadable",
				zap.String("account_id", accountID.String()),
				zap.Error(openErr))
			return Resolution{}, ErrCredentialMissing
		}
		return Resolution{
			Mode:      credits.ModeOwnKey,
			APIKey:    apiKey,
			Operation: operation,
		}, nil
	}

	if resolver.platformKey == "" {
		return Resolution{}, ErrPlatformUnavailable
	}
	resolution := Resolution{
		Mode:      credits.ModePlatform,
		APIKey:    resolver.platformKey,
		Operation: operation,
	}
	cost := resolver.costs.Lookup(operation)
	if operation == "" || cost.SkipDeduction {
		return resolution, nil
	}
	if _, err := resolver.service.Debit(ctx, accountID, cost.Credits, operation, ""); err != nil {
		return Resolution{}, err
	}
	resolution.Cost = cost.Credits
	resolution.Debited = true
	return resolution, nil
}

// Refund returns the credits a failed platform operation consumed. Callers
// pass the Resolution they obtained; own-key and skip-deduction resolutions
// are no-ops.
func (resolver *Resolver) Refund(ctx context.Context, accountID credits.AccountID, resolution Resolution) error {
	if !resolution.Debited {
		return nil
	}
	return resolver.service.Refund(ctx, accountID, resolution.Cost, resolution.Operation)
}

// Charge debits a variable number of credits outside the per-operation cost
// table, for callers that meter usage themselves.
func (resolver *Resolver) Charge(ctx context.Context, accountID credits.AccountID, cost int64, label string) (credits.Balance, error) {
	return resolver.service.Debit(ctx, accountID, cost, label, "")
}

// StoreOwnCredential seals and persists an account's own API key and
// switches the account to own-key mode. An empty apiKey clears the stored
// credential and switches back to platform mode.
func (resolver *Resolver) StoreOwnCredential(ctx context.Context, accountID credits.AccountID, apiKey string) error {
	if apiKey == "" {
		return resolver.service.UpdateProviderSettings(ctx, accountID, credits.ModePlatform, nil)
	}
	sealed, err := resolver.keybox.Seal(apiKey)
	if err != nil {
		return err
	}
	return resolver.service.UpdateProviderSettings(ctx, accountID, credits.ModeOwnKey, sealed)
}
