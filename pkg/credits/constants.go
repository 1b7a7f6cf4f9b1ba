package credits

const (
	operationDebit    = "debit"
	operationRefund   = "refund"
	operationPurchase = "purchase"
	operationReset    = "monthly_reset"
	operationAdjust   = "admin_adjust"
	operationCreate   = "create_account"
	operationSettings = "provider_settings"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	descriptionInitialAllowance = "initial free allowance"
	descriptionMonthlyReset     = "monthly free credit reset"
)

// DefaultPolicy values; overridable through WithPolicy.
const (
	DefaultMonthlyFreeCredits  int64 = 5
	DefaultResetDay                  = 1
	DefaultLowBalanceThreshold int64 = 2
)
