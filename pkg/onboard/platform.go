package onboard

import (
	"fmt"
	"sort"
	"strings"
)

// Platform is the branch device family. The set is closed; "other" is an
// explicit member, not a fallback.
type Platform string

const (
	PlatformCloudGenix Platform = "cloudgenix"
	PlatformPaloAlto   Platform = "paloalto"
	PlatformVeloCloud  Platform = "velocloud"
	PlatformSilverPeak Platform = "silverpeak"
	PlatformViptela    Platform = "viptela"
	PlatformRiverbed   Platform = "riverbed"
	PlatformCiscoASA   Platform = "ciscoasa"
	PlatformCiscoISR   Platform = "ciscoisr"
	PlatformOther      Platform = "other"
)

// CryptoProfiles names the IKE and IPSec crypto profiles for a tunnel.
type CryptoProfiles struct {
	IKE   string
	IPSec string
}

var platformProfiles = map[Platform]CryptoProfiles{
	PlatformCloudGenix: {"CloudGenix-IKE-Crypto-Default", "CloudGenix-IPSec-Crypto-Default"},
	PlatformPaloAlto:   {"PaloAlto-Networks-IKE-Crypto", "PaloAlto-Networks-IPSec-Crypto"},
	PlatformVeloCloud:  {"Velocloud-IKE-default", "Velocloud-IPSec-default"},
	PlatformSilverPeak: {"SilverPeak-IKE-Crypto-Default", "SilverPeak-IPSec-Crypto-Default"},
	PlatformViptela:    {"Viptela-IKE-default", "Viptela-IPSec-default"},
	PlatformRiverbed:   {"Riverbed-IKE-Crypto-Default", "Riverbed-IPSec-Crypto-Default"},
	PlatformCiscoASA:   {"CiscoASA-IKE-Crypto-Default", "CiscoASA-IPSec-Crypto-Default"},
	PlatformCiscoISR:   {"CiscoISR-IKE-Crypto-Default", "CiscoISR-IPSec-Crypto-Default"},
	PlatformOther:      {"Others-IKE-Crypto-Default", "Others-IPSec-Crypto-Default"},
}

// Platforms lists the known platform tags in sorted order.
func Platforms() []Platform {
	out := make([]Platform, 0, len(platformProfiles))
	for p := range platformProfiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParsePlatform maps an input tag onto the enumeration. Matching ignores
// case and surrounding space.
func ParsePlatform(tag string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(tag)))
	if _, ok := platformProfiles[p]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownPlatform, tag)
	}
	return p, nil
}

// Profiles returns the crypto profiles for p.
func (p Platform) Profiles() CryptoProfiles {
	return platformProfiles[p]
}

// ProfileSelector decides which crypto profiles a site's tunnels use.
type ProfileSelector interface {
	Select(site Site) (CryptoProfiles, error)
}

// PlatformProfiles selects by the site's platform tag. With UnknownAsOther
// an unmapped tag is treated as PlatformOther instead of being rejected.
type PlatformProfiles struct {
	UnknownAsOther bool
}

func (s PlatformProfiles) Select(site Site) (CryptoProfiles, error) {
	p, err := ParsePlatform(site.Platform)
	if err != nil {
		if !s.UnknownAsOther {
			return CryptoProfiles{}, &ValidationError{Site: site.Name, Field: "platform", Value: site.Platform, Err: ErrUnknownPlatform}
		}
		p = PlatformOther
	}
	return p.Profiles(), nil
}

// FixedProfiles uses the same profiles for every site regardless of platform.
type FixedProfiles CryptoProfiles

func (s FixedProfiles) Select(Site) (CryptoProfiles, error) {
	return CryptoProfiles(s), nil
}
