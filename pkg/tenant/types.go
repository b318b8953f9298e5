package tenant

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Location is a point-of-presence advertised by the tenant.
type Location struct {
	Value           string      `json:"value"`
	Display         string      `json:"display"`
	Continent       string      `json:"continent,omitempty"`
	Region          string      `json:"region"`
	AggregateRegion string      `json:"aggregate_region"`
	Latitude        json.Number `json:"latitude"`
	Longitude       json.Number `json:"longitude"`
}

// Coordinates parses the location's latitude and longitude. The API returns
// them as numbers or numeric strings.
func (l Location) Coordinates() (lat, lng float64, err error) {
	lat, err = strconv.ParseFloat(l.Latitude.String(), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location %s latitude %q: %w", l.Value, l.Latitude, err)
	}
	lng, err = strconv.ParseFloat(l.Longitude.String(), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location %s longitude %q: %w", l.Value, l.Longitude, err)
	}
	return lat, lng, nil
}

// BandwidthAllocation is the per-aggregate-region bandwidth ledger entry.
type BandwidthAllocation struct {
	Name               string   `json:"name"`
	AllocatedBandwidth int      `json:"allocated_bandwidth"`
	SPNNameList        []string `json:"spn_name_list,omitempty"`
	QoS                *QoS     `json:"qos,omitempty"`
}

// QoS is carried through ledger updates untouched.
type QoS struct {
	Enabled         bool   `json:"enabled"`
	Customized      bool   `json:"customized,omitempty"`
	Profile         string `json:"profile,omitempty"`
	GuaranteedRatio int    `json:"guaranteed_ratio,omitempty"`
}

// ─── IKE gateways ───────────────────────────────────────────────────────────

// IKEGateway is the tenant-side IKE endpoint for one branch tunnel.
type IKEGateway struct {
	ID             string            `json:"id,omitempty"`
	Name           string            `json:"name"`
	Folder         string            `json:"folder,omitempty"`
	Authentication IKEAuthentication `json:"authentication"`
	PeerAddress    PeerAddress       `json:"peer_address"`
	PeerID         *IKEIdentity      `json:"peer_id,omitempty"`
	LocalID        *IKEIdentity      `json:"local_id,omitempty"`
	Protocol       IKEProtocol       `json:"protocol"`
}

type IKEAuthentication struct {
	PreSharedKey *PreSharedKey `json:"pre_shared_key,omitempty"`
}

type PreSharedKey struct {
	Key string `json:"key"`
}

// PeerAddress is either dynamic (empty object) or a fixed IP.
type PeerAddress struct {
	Dynamic *struct{} `json:"dynamic,omitempty"`
	IP      string    `json:"ip,omitempty"`
}

type IKEIdentity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type IKEProtocol struct {
	Version string       `json:"version"`
	IKEv1   *IKESettings `json:"ikev1,omitempty"`
	IKEv2   *IKESettings `json:"ikev2,omitempty"`
}

type IKESettings struct {
	DPD              DPD    `json:"dpd"`
	IKECryptoProfile string `json:"ike_crypto_profile"`
}

type DPD struct {
	Enable bool `json:"enable"`
}

// ─── IPSec tunnels ──────────────────────────────────────────────────────────

// IPSecTunnel binds an IKE gateway to an IPSec crypto profile.
type IPSecTunnel struct {
	ID      string  `json:"id,omitempty"`
	Name    string  `json:"name"`
	Folder  string  `json:"folder,omitempty"`
	AutoKey AutoKey `json:"auto_key"`
}

type AutoKey struct {
	IKEGateway         []GatewayRef `json:"ike_gateway"`
	IPSecCryptoProfile string       `json:"ipsec_crypto_profile"`
}

type GatewayRef struct {
	Name string `json:"name"`
}

// ─── Remote networks ────────────────────────────────────────────────────────

// RemoteNetwork registers a branch with a region and serving node.
type RemoteNetwork struct {
	ID                   string   `json:"id,omitempty"`
	Name                 string   `json:"name"`
	Folder               string   `json:"folder,omitempty"`
	LicenseType          string   `json:"license_type"`
	Region               string   `json:"region"`
	SPNName              string   `json:"spn_name"`
	IPSecTunnel          string   `json:"ipsec_tunnel"`
	SecondaryIPSecTunnel string   `json:"secondary_ipsec_tunnel,omitempty"`
	Subnets              []string `json:"subnets"`
	Protocol             *Routing `json:"protocol,omitempty"`
}

type Routing struct {
	BGP *BGP `json:"bgp,omitempty"`
}

// BGP is the dynamic routing block of a remote network.
type BGP struct {
	Enable                bool   `json:"enable"`
	PeerAS                string `json:"peer_as"`
	PeerIPAddress         string `json:"peer_ip_address"`
	LocalIPAddress        string `json:"local_ip_address"`
	Secret                string `json:"secret,omitempty"`
	OriginateDefaultRoute bool   `json:"originate_default_route"`
	DoNotExportRoutes     bool   `json:"do_not_export_routes"`
}

// ─── Settings and jobs ──────────────────────────────────────────────────────

// SharedInfrastructureSettings carries tenant-wide values used by onboarding.
type SharedInfrastructureSettings struct {
	InfraBGPAS    string `json:"infra_bgp_as"`
	InfraSubnet   string `json:"infrastructure_subnet,omitempty"`
	APIKey        string `json:"api_key"`
	CaptivePortal string `json:"captive_portal_redirect_ip_address,omitempty"`
}

// PushResult is the answer to a candidate configuration push.
type PushResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

// Job is a configuration job as reported by the jobs endpoint.
type Job struct {
	ID        string `json:"id"`
	StatusStr string `json:"status_str"`
	ResultStr string `json:"result_str,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Details   string `json:"details,omitempty"`
}

// listResponse is the envelope most list and read endpoints use.
type listResponse[T any] struct {
	Data   []T `json:"data"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
	Total  int `json:"total,omitempty"`
}
