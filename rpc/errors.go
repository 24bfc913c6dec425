package rpc

import (
	"errors"
	"net/http"

	coreerrors "shillmarket/core/errors"
	"shillmarket/core/types"
	"shillmarket/indexer"
	"shillmarket/native/escrow"
	"shillmarket/native/ledger"
)

// Application error codes. Values are part of the public API and never reused.
const (
	CodeInvalidInstruction    = -32100
	CodeInvalidSignature      = -32101
	CodeInvalidNonce          = -32102
	CodeInvalidFeeBps         = -32110
	CodeInsufficientFunds     = -32111
	CodeEscrowNotLocked       = -32112
	CodeEscrowUnauthorized    = -32113
	CodeTreasuryNotReady      = -32114
	CodeTreasuryExists        = -32115
	CodeEscrowNotFound        = -32116
	CodeEscrowExists          = -32117
	CodeArithmeticOverflow    = -32118
	CodeBalanceMismatch       = -32119
	CodeProgramOwned          = -32120
	CodeWrongOwner            = -32121
	CodeAccountExists         = -32122
	CodeDataTooLarge          = -32123
	CodeInvalidExecutor       = -32124
	CodeIndexerUnavailable    = -32130
	CodeIndexedRecordNotFound = -32131
)

type errorMapping struct {
	target error
	status int
	code   int
}

// Ordered so that wrapped errors resolve to their most specific kind first.
var errorMappings = []errorMapping{
	{escrow.ErrInvalidFeeBps, http.StatusBadRequest, CodeInvalidFeeBps},
	{escrow.ErrInsufficientFunds, http.StatusBadRequest, CodeInsufficientFunds},
	{escrow.ErrEscrowNotLocked, http.StatusConflict, CodeEscrowNotLocked},
	{escrow.ErrUnauthorized, http.StatusForbidden, CodeEscrowUnauthorized},
	{escrow.ErrTreasuryNotInitialized, http.StatusConflict, CodeTreasuryNotReady},
	{escrow.ErrTreasuryExists, http.StatusConflict, CodeTreasuryExists},
	{escrow.ErrEscrowNotFound, http.StatusNotFound, CodeEscrowNotFound},
	{escrow.ErrEscrowExists, http.StatusConflict, CodeEscrowExists},
	{escrow.ErrArithmeticOverflow, http.StatusBadRequest, CodeArithmeticOverflow},
	{escrow.ErrBalanceMismatch, http.StatusConflict, CodeBalanceMismatch},
	{escrow.ErrInvalidExecutor, http.StatusBadRequest, CodeInvalidExecutor},
	{coreerrors.ErrInvalidSignature, http.StatusUnauthorized, CodeInvalidSignature},
	{types.ErrUnsignedInstruction, http.StatusUnauthorized, CodeInvalidSignature},
	{types.ErrSignerMismatch, http.StatusUnauthorized, CodeInvalidSignature},
	{coreerrors.ErrInvalidNonce, http.StatusConflict, CodeInvalidNonce},
	{coreerrors.ErrInvalidInstruction, http.StatusBadRequest, CodeInvalidInstruction},
	{ledger.ErrInsufficientBalance, http.StatusBadRequest, CodeInsufficientFunds},
	{ledger.ErrProgramOwned, http.StatusForbidden, CodeProgramOwned},
	{ledger.ErrBalanceOverflow, http.StatusBadRequest, CodeArithmeticOverflow},
	{ledger.ErrWrongOwner, http.StatusConflict, CodeWrongOwner},
	{ledger.ErrMissingSignature, http.StatusUnauthorized, CodeInvalidSignature},
	{ledger.ErrAccountExists, http.StatusConflict, CodeAccountExists},
	{ledger.ErrDataTooLarge, http.StatusBadRequest, CodeDataTooLarge},
	{indexer.ErrNotFound, http.StatusNotFound, CodeIndexedRecordNotFound},
}

// classify returns the HTTP status and JSON-RPC code reported for err.
func classify(err error) (int, int) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, codeServerError
}

func writeAppError(w http.ResponseWriter, id interface{}, err error) {
	status, code := classify(err)
	writeError(w, status, id, code, err.Error(), nil)
}
