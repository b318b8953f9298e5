package onboard

import (
	"errors"
	"fmt"
)

// ErrUnknownPlatform is wrapped by the ValidationError for an unmapped platform tag.
var ErrUnknownPlatform = errors.New("unknown platform")

// ValidationError reports bad site input: an invalid subnet, an unknown
// platform or a malformed batch.
type ValidationError struct {
	Site  string
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("site %q: invalid %s %q: %v", e.Site, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("site %q: invalid %s: %v", e.Site, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ResolutionError reports that no nearest location could be chosen.
type ResolutionError struct {
	Site string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("site %q: resolving nearest location: %v", e.Site, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ProvisioningError reports a failed write against the tenant. Err is
// usually a *tenant.APIError carrying the status code and response body.
type ProvisioningError struct {
	Site     string
	Resource string
	Name     string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("site %q: creating %s %s: %v", e.Site, e.Resource, e.Name, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
