package perps

import "errors"

// Errors returned across the order, settlement and vault paths. Keepers
// match on these to decide whether an execution attempt is retryable:
// every settlement failure leaves the order Pending except
// ErrAlreadyExecuted.
var (
	ErrInvalidOrderParams            = errors.New("invalid order parameters")
	ErrNotCancellable                = errors.New("order not cancellable")
	ErrAlreadyExecuted               = errors.New("order already executed")
	ErrStalePrice                    = errors.New("stale price")
	ErrInsufficientOracleFee         = errors.New("insufficient oracle fee")
	ErrPriceSlippageExceeded         = errors.New("price slippage exceeded")
	ErrTriggerNotMet                 = errors.New("trigger price not met")
	ErrSltpNotTriggered              = errors.New("stop-loss/take-profit not triggered")
	ErrInvalidThresholds             = errors.New("invalid stop-loss/take-profit thresholds")
	ErrSkewLimitExceeded             = errors.New("market skew limit exceeded")
	ErrInsufficientCollateral        = errors.New("insufficient collateral")
	ErrPoolInsolvent                 = errors.New("pool cannot cover payout")
	ErrWithdrawalWouldBreachSolvency = errors.New("withdrawal would breach solvency")

	ErrInvalidPriceUpdate = errors.New("invalid price update")
	ErrUnknownFeed        = errors.New("unknown price feed")
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketExists       = errors.New("market already exists")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionNotFound   = errors.New("position not found")
	ErrNotAuthorized      = errors.New("not authorized")
	ErrVaultNotWired      = errors.New("vault not wired")
)
