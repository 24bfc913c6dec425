package errors

import stderrors "errors"

var (
	ErrInvalidInstruction = stderrors.New("instruction: malformed instruction")
	ErrInvalidSignature   = stderrors.New("instruction: invalid signature")
	ErrInvalidNonce       = stderrors.New("instruction: invalid nonce")
)
