package onboard

import (
	"fmt"
	"net/netip"
)

// ValidateSubnets returns the site's subnets if every one is a network
// address in CIDR form. Host bits must be clear: 10.1.1.1/24 is rejected.
func ValidateSubnets(site Site) ([]string, error) {
	out := make([]string, 0, len(site.Subnets))
	for _, s := range site.Subnets {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, &ValidationError{Site: site.Name, Field: "subnet", Value: s, Err: err}
		}
		if p != p.Masked() {
			return nil, &ValidationError{Site: site.Name, Field: "subnet", Value: s, Err: fmt.Errorf("host bits set, did you mean %s", p.Masked())}
		}
		out = append(out, p.String())
	}
	return out, nil
}
