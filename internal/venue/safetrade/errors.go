package safetrade

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"

	"verus-arb/internal/venue"
	"verus-arb/pkg/types"
)

// classify maps a resty response/error pair onto the shared venue error
// taxonomy. A nil return means the call succeeded with a 2xx status.
func classify(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return venue.Errf(Name, op, types.ErrTimeout, err)
		}
		return venue.Errf(Name, op, types.ErrTransport, err)
	}
	if resp == nil {
		return venue.Errf(Name, op, types.ErrTransport, fmt.Errorf("no response"))
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return venue.Errf(Name, op, types.ErrRateLimited, fmt.Errorf("status %d", code))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return venue.Errf(Name, op, types.ErrAuth, fmt.Errorf("status %d", code))
	case code == http.StatusNotFound:
		return venue.Errf(Name, op, types.ErrNotFound, fmt.Errorf("status %d", code))
	case code == http.StatusUnprocessableEntity:
		return venue.Errf(Name, op, types.ErrPreconditionFailed, fmt.Errorf("status %d: %s", code, resp.String()))
	case code >= 500:
		return venue.Errf(Name, op, types.ErrVenueDown, fmt.Errorf("status %d", code))
	default:
		return venue.Errf(Name, op, types.ErrInvalidResponse, fmt.Errorf("status %d: %s", code, resp.String()))
	}
}
