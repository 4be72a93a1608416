// Package exchange speaks the exchange protocol. It is the only package
// that touches exchange credentials or the exchange wire format; everything
// else sees the uniform service.Exchange surface or bus messages.
package exchange

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInsufficientFunds = errors.New("insufficient funds or locked")
	ErrInvalidAsset      = errors.New("invalid asset")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrUnknownOrder      = errors.New("unknown order")
)

// OrderError wraps an order failure with the request that caused it.
type OrderError struct {
	Err      error
	Symbol   string
	Quantity float64
}

func (o *OrderError) Error() string {
	return fmt.Sprintf("order error: %v", o.Err)
}

func (o *OrderError) Unwrap() error {
	return o.Err
}
