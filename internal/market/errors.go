package market

import (
	"PredictionLedger/internal/access"
	"PredictionLedger/internal/amm"
	"errors"
)

// Sentinel errors. Every failed operation wraps exactly one of these and
// leaves the market unchanged.
var (
	ErrEmptyPool              = amm.ErrEmptyPool
	ErrOverflow               = amm.ErrOverflow
	ErrUnauthorized           = access.ErrUnauthorized
	ErrZeroAmount             = errors.New("amount must be greater than zero")
	ErrInvalidState           = errors.New("operation not allowed in current market state")
	ErrInvalidOutcome         = errors.New("invalid outcome")
	ErrInvalidSide            = errors.New("invalid side")
	ErrNoPosition             = errors.New("no position to settle")
	ErrFeeTooHigh             = errors.New("fee exceeds maximum")
	ErrZeroAddress            = errors.New("zero address")
	ErrTransferFailed         = errors.New("collateral transfer failed")
	ErrCannotRescueCollateral = errors.New("cannot rescue market collateral")
	ErrReentrant              = errors.New("reentrant call")
	ErrCustodyAccount         = errors.New("market custody account cannot hold positions")
)

// Stable error codes for calling software
const (
	CodeOK                     = "OK"
	CodeEmptyPool              = "EMPTY_POOL"
	CodeOverflow               = "OVERFLOW"
	CodeZeroAmount             = "ZERO_AMOUNT"
	CodeInvalidState           = "INVALID_STATE"
	CodeInvalidOutcome         = "INVALID_OUTCOME"
	CodeInvalidSide            = "INVALID_SIDE"
	CodeNoPosition             = "NO_POSITION"
	CodeFeeTooHigh             = "FEE_TOO_HIGH"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeZeroAddress            = "ZERO_ADDRESS"
	CodeTransferFailed         = "TRANSFER_FAILED"
	CodeCannotRescueCollateral = "CANNOT_RESCUE_COLLATERAL"
	CodeReentrant              = "REENTRANT"
	CodeCustodyAccount         = "CUSTODY_ACCOUNT"
	CodeInternal               = "INTERNAL"
)

var codeTable = []struct {
	err  error
	code string
}{
	{ErrEmptyPool, CodeEmptyPool},
	{ErrOverflow, CodeOverflow},
	{ErrZeroAmount, CodeZeroAmount},
	{ErrInvalidState, CodeInvalidState},
	{ErrInvalidOutcome, CodeInvalidOutcome},
	{ErrInvalidSide, CodeInvalidSide},
	{ErrNoPosition, CodeNoPosition},
	{ErrFeeTooHigh, CodeFeeTooHigh},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrZeroAddress, CodeZeroAddress},
	{ErrTransferFailed, CodeTransferFailed},
	{ErrCannotRescueCollateral, CodeCannotRescueCollateral},
	{ErrReentrant, CodeReentrant},
	{ErrCustodyAccount, CodeCustodyAccount},
}

// Code maps an error to its stable code. Unknown errors map to INTERNAL.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return CodeInternal
}
