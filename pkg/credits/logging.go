package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	Amount    int64
	Type      TransactionType
	Status    string
	Error     error
}

// LowBalanceNotifier receives a callback after a debit leaves the account at
// or below the configured threshold. Implementations must not block the debit
// path and must not propagate failures back into it.
type LowBalanceNotifier interface {
	NotifyLowBalance(ctx context.Context, account Account, remaining int64)
}

// Policy holds the platform-configured ledger constants.
type Policy struct {
	MonthlyFreeCredits  int64
	ResetDay            int
	LowBalanceThreshold int64
}

// DefaultPolicy returns the production constants.
func DefaultPolicy() Policy {
	return Policy{
		MonthlyFreeCredits:  DefaultMonthlyFreeCredits,
		ResetDay:            DefaultResetDay,
		LowBalanceThreshold: DefaultLowBalanceThreshold,
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithLowBalanceNotifier wires the notifier invoked after threshold-crossing debits.
func WithLowBalanceNotifier(notifier LowBalanceNotifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithPolicy overrides the default ledger constants.
func WithPolicy(policy Policy) ServiceOption {
	return func(service *Service) {
		service.policy = policy
	}
}
