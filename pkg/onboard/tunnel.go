package onboard

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/tenant"
)

// TunnelAPI is the slice of the tenant API the provisioner needs.
type TunnelAPI interface {
	CreateIKEGateway(ctx context.Context, gw tenant.IKEGateway) (*tenant.IKEGateway, error)
	CreateIPSecTunnel(ctx context.Context, t tenant.IPSecTunnel) (*tenant.IPSecTunnel, error)
}

// maxIdentityDraws bounds redraws of a suffix the site already uses.
const maxIdentityDraws = 8

// Role tells the primary tunnel of a site from its redundant twin.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// TunnelPair is one identity with the gateway and tunnel built on it.
// Gateway is set even when the tunnel create failed, so callers can
// account for what was left behind.
type TunnelPair struct {
	Role     Role
	Identity TunnelIdentity
	Gateway  *tenant.IKEGateway
	Tunnel   *tenant.IPSecTunnel
}

// TunnelProvisioner creates IKE gateway and IPSec tunnel pairs.
type TunnelProvisioner struct {
	api      TunnelAPI
	profiles ProfileSelector
	domain   string
	folder   string
	random   io.Reader
	log      *zap.SugaredLogger
}

// NewTunnelProvisioner returns a provisioner drawing keys from crypto/rand.
func NewTunnelProvisioner(api TunnelAPI, profiles ProfileSelector, domain, folder string, log *zap.SugaredLogger) *TunnelProvisioner {
	return &TunnelProvisioner{
		api:      api,
		profiles: profiles,
		domain:   domain,
		folder:   folder,
		random:   rand.Reader,
		log:      log.Named("tunnels"),
	}
}

// Provision creates a fresh identity, an IKEv2 gateway that accepts a
// dynamic peer identified by the identity's UFQDN, and an IPSec tunnel on
// that gateway. The new identity shares no key material with other pairs,
// and its suffix differs from avoid, the suffix of the site's other pair
// (empty for a primary).
func (p *TunnelProvisioner) Provision(ctx context.Context, site Site, role Role, avoid string) (*TunnelPair, error) {
	profiles, err := p.profiles.Select(site)
	if err != nil {
		return nil, err
	}

	id, err := p.identity(avoid)
	if err != nil {
		return nil, fmt.Errorf("site %q: %w", site.Name, err)
	}
	pair := &TunnelPair{Role: role, Identity: id}

	base := strings.ReplaceAll(site.Name, " ", "_")
	gwName := base + "-ike-" + id.Suffix
	tunnelName := base + "-ipsec-" + id.Suffix
	log := p.log.With("site", site.Name, "role", role)

	log.Infow("creating IKE gateway", "name", gwName, "profile", profiles.IKE)
	gw, err := p.api.CreateIKEGateway(ctx, tenant.IKEGateway{
		Name:   gwName,
		Folder: p.folder,
		Authentication: tenant.IKEAuthentication{
			PreSharedKey: &tenant.PreSharedKey{Key: id.PreSharedKey},
		},
		PeerAddress: tenant.PeerAddress{Dynamic: &struct{}{}},
		PeerID:      &tenant.IKEIdentity{Type: "ufqdn", ID: id.LocalID},
		Protocol: tenant.IKEProtocol{
			Version: "ikev2",
			IKEv2: &tenant.IKESettings{
				DPD:              tenant.DPD{Enable: true},
				IKECryptoProfile: profiles.IKE,
			},
		},
	})
	if err != nil {
		return pair, &ProvisioningError{Site: site.Name, Resource: "IKE gateway", Name: gwName, Err: err}
	}
	pair.Gateway = gw

	log.Infow("creating IPSec tunnel", "name", tunnelName, "profile", profiles.IPSec)
	tunnel, err := p.api.CreateIPSecTunnel(ctx, tenant.IPSecTunnel{
		Name:   tunnelName,
		Folder: p.folder,
		AutoKey: tenant.AutoKey{
			IKEGateway:         []tenant.GatewayRef{{Name: gw.Name}},
			IPSecCryptoProfile: profiles.IPSec,
		},
	})
	if err != nil {
		return pair, &ProvisioningError{Site: site.Name, Resource: "IPSec tunnel", Name: tunnelName, Err: err}
	}
	pair.Tunnel = tunnel
	return pair, nil
}

// identity draws identities until the suffix differs from avoid.
func (p *TunnelProvisioner) identity(avoid string) (TunnelIdentity, error) {
	for attempt := 0; attempt < maxIdentityDraws; attempt++ {
		id, err := NewTunnelIdentity(p.random, p.domain)
		if err != nil {
			return TunnelIdentity{}, err
		}
		if avoid == "" || id.Suffix != avoid {
			return id, nil
		}
		p.log.Debugw("suffix already used by this site, redrawing", "suffix", id.Suffix)
	}
	return TunnelIdentity{}, fmt.Errorf("no tunnel suffix distinct from %s after %d draws", avoid, maxIdentityDraws)
}
