package invoice

import "errors"

var (
	ErrInvalidArgument   = errors.New("invoice: invalid argument")
	ErrInvalidToken      = errors.New("invoice: invalid token")
	ErrUnauthorized      = errors.New("invoice: unauthorized")
	ErrInvalidState      = errors.New("invoice: invalid state")
	ErrInsufficientFunds = errors.New("invoice: insufficient funds")
	ErrTooEarly          = errors.New("invoice: payment time not reached")
	ErrAlreadySettled    = errors.New("invoice: all installments settled")
	ErrCanceled          = errors.New("invoice: invoice canceled")
	ErrNothingReserved   = errors.New("invoice: no payment reserved")
	ErrNotFound          = errors.New("invoice: not found")
	ErrAdminNotSet       = errors.New("invoice: admin wallet not initialized")
)
