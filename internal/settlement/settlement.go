// Package settlement is the boundary to the layer that actually moves funds.
// The scheduler and TWAP controller only ever see these two interfaces; the
// HTTP client below is the production implementation.
package settlement

import "context"

// Layer submits trade slices for settlement. SubmitSlice may block on network
// I/O; the implementation owns the request timeout, which is also the maximum
// in-flight duration a slice can hold its task's execution slot.
type Layer interface {
	SubmitSlice(ctx context.Context, source, asset string, amount float64) (ref string, err error)
}

// PriceOracle reports the current price of an asset. Fetched by the caller
// and handed to the risk gate, which itself does no I/O.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, asset string) (float64, error)
}
