package health

import "context"

// Checker interface defines the contract for aggregate health reporting
type Checker interface {
	CheckHealth(ctx context.Context) (int, []byte, error)
}
