package onboard

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/tenant"
)

var localIDPattern = regexp.MustCompile(`^[0-9a-f]{4}@example\.com$`)

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		tag     string
		want    Platform
		wantErr bool
	}{
		{"paloalto", PlatformPaloAlto, false},
		{" CiscoISR ", PlatformCiscoISR, false},
		{"VELOCLOUD", PlatformVeloCloud, false},
		{"other", PlatformOther, false},
		{"fortinet", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParsePlatform(tt.tag)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownPlatform)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlatformProfileTable(t *testing.T) {
	assert.Len(t, Platforms(), 9)
	assert.Equal(t, CryptoProfiles{"PaloAlto-Networks-IKE-Crypto", "PaloAlto-Networks-IPSec-Crypto"}, PlatformPaloAlto.Profiles())
	assert.Equal(t, CryptoProfiles{"Velocloud-IKE-default", "Velocloud-IPSec-default"}, PlatformVeloCloud.Profiles())
	assert.Equal(t, CryptoProfiles{"Others-IKE-Crypto-Default", "Others-IPSec-Crypto-Default"}, PlatformOther.Profiles())
	for _, p := range Platforms() {
		assert.NotEmpty(t, p.Profiles().IKE, p)
		assert.NotEmpty(t, p.Profiles().IPSec, p)
	}
}

func TestPlatformProfilesUnknown(t *testing.T) {
	site := Site{Name: "branch", Platform: "fortinet"}

	_, err := PlatformProfiles{}.Select(site)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "platform", ve.Field)
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	got, err := PlatformProfiles{UnknownAsOther: true}.Select(site)
	require.NoError(t, err)
	assert.Equal(t, PlatformOther.Profiles(), got)

	fixed := FixedProfiles{IKE: "ike", IPSec: "ipsec"}
	got, err = fixed.Select(site)
	require.NoError(t, err)
	assert.Equal(t, CryptoProfiles{"ike", "ipsec"}, got)
}

func TestNewTunnelIdentity(t *testing.T) {
	a, err := NewTunnelIdentity(rand.Reader, "example.com")
	require.NoError(t, err)
	b, err := NewTunnelIdentity(rand.Reader, "example.com")
	require.NoError(t, err)

	assert.Len(t, a.PreSharedKey, 43)
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, a.PreSharedKey)
	assert.Regexp(t, localIDPattern, a.LocalID)
	assert.Equal(t, a.Suffix+"@example.com", a.LocalID)
	assert.NotEqual(t, a.PreSharedKey, b.PreSharedKey)
}

func TestNewTunnelIdentityDeterministic(t *testing.T) {
	seed := append(bytes.Repeat([]byte{0}, pskBytes), 0xbe, 0xef)
	id, err := NewTunnelIdentity(bytes.NewReader(seed), "corp.example")
	require.NoError(t, err)
	assert.Equal(t, "beef", id.Suffix)
	assert.Equal(t, "beef@corp.example", id.LocalID)

	_, err = NewTunnelIdentity(bytes.NewReader(seed[:10]), "corp.example")
	assert.Error(t, err, "short entropy source")
}

func TestProvisionPayloads(t *testing.T) {
	var gw tenant.IKEGateway
	var tun tenant.IPSecTunnel

	m := new(mockTenant)
	m.On("CreateIKEGateway", mock.Anything, mock.MatchedBy(func(g tenant.IKEGateway) bool { gw = g; return true })).Return(nil, nil)
	m.On("CreateIPSecTunnel", mock.Anything, mock.MatchedBy(func(t tenant.IPSecTunnel) bool { tun = t; return true })).Return(nil, nil)

	p := NewTunnelProvisioner(m, PlatformProfiles{}, "example.com", "Remote Networks", zap.NewNop().Sugar())
	pair, err := p.Provision(context.Background(), Site{Name: "Main Office", Platform: "viptela"}, RolePrimary, "")
	require.NoError(t, err)

	suffix := pair.Identity.Suffix
	assert.Equal(t, "Main_Office-ike-"+suffix, gw.Name)
	assert.Equal(t, "Main_Office-ipsec-"+suffix, tun.Name)
	assert.Equal(t, "Remote Networks", gw.Folder)
	assert.Equal(t, pair.Identity.PreSharedKey, gw.Authentication.PreSharedKey.Key)
	assert.NotNil(t, gw.PeerAddress.Dynamic)
	assert.Equal(t, &tenant.IKEIdentity{Type: "ufqdn", ID: pair.Identity.LocalID}, gw.PeerID)
	assert.Equal(t, "ikev2", gw.Protocol.Version)
	require.NotNil(t, gw.Protocol.IKEv2)
	assert.True(t, gw.Protocol.IKEv2.DPD.Enable)
	assert.Equal(t, "Viptela-IKE-default", gw.Protocol.IKEv2.IKECryptoProfile)

	assert.Equal(t, []tenant.GatewayRef{{Name: gw.Name}}, tun.AutoKey.IKEGateway)
	assert.Equal(t, "Viptela-IPSec-default", tun.AutoKey.IPSecCryptoProfile)
	assert.Equal(t, tun.Name, pair.Tunnel.Name)
}

func TestProvisionTunnelFailureKeepsGateway(t *testing.T) {
	m := new(mockTenant)
	m.On("CreateIKEGateway", mock.Anything, mock.Anything).Return(nil, nil)
	m.On("CreateIPSecTunnel", mock.Anything, mock.Anything).Return(nil, errors.New("rejected"))

	p := NewTunnelProvisioner(m, PlatformProfiles{}, "example.com", "Remote Networks", zap.NewNop().Sugar())
	pair, err := p.Provision(context.Background(), Site{Name: "b", Platform: "other"}, RoleSecondary, "")

	var pe *ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "IPSec tunnel", pe.Resource)
	require.NotNil(t, pair)
	assert.NotNil(t, pair.Gateway)
	assert.Nil(t, pair.Tunnel)
}

func TestProvisionUnknownPlatformWritesNothing(t *testing.T) {
	m := new(mockTenant)
	p := NewTunnelProvisioner(m, PlatformProfiles{}, "example.com", "Remote Networks", zap.NewNop().Sugar())
	_, err := p.Provision(context.Background(), Site{Name: "b", Platform: "fortinet"}, RolePrimary, "")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	m.AssertNotCalled(t, "CreateIKEGateway", mock.Anything, mock.Anything)
}

func TestProvisionAvoidsSuffix(t *testing.T) {
	same := append(bytes.Repeat([]byte{0x07}, pskBytes), 0xbe, 0xef)

	t.Run("redraws until distinct", func(t *testing.T) {
		m := new(mockTenant)
		m.On("CreateIKEGateway", mock.Anything, mock.Anything).Return(nil, nil)
		m.On("CreateIPSecTunnel", mock.Anything, mock.Anything).Return(nil, nil)

		p := NewTunnelProvisioner(m, PlatformProfiles{}, "example.com", "Remote Networks", zap.NewNop().Sugar())
		stream := append(append([]byte(nil), same...), same...)
		stream = append(stream, append(bytes.Repeat([]byte{0x08}, pskBytes), 0xca, 0xfe)...)
		p.random = bytes.NewReader(stream)

		pair, err := p.Provision(context.Background(), Site{Name: "b", Platform: "other"}, RoleSecondary, "beef")
		require.NoError(t, err)
		assert.Equal(t, "cafe", pair.Identity.Suffix)
		assert.Equal(t, "b-ipsec-cafe", pair.Tunnel.Name)
	})

	t.Run("gives up without writing", func(t *testing.T) {
		m := new(mockTenant)
		p := NewTunnelProvisioner(m, PlatformProfiles{}, "example.com", "Remote Networks", zap.NewNop().Sugar())
		p.random = bytes.NewReader(bytes.Repeat(same, maxIdentityDraws))

		_, err := p.Provision(context.Background(), Site{Name: "b", Platform: "other"}, RoleSecondary, "beef")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "beef")
		m.AssertNotCalled(t, "CreateIKEGateway", mock.Anything, mock.Anything)
	})
}
