package onboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Coordinate is a latitude or longitude as written in the input file. The
// input may carry numbers or numeric strings; parsing is deferred so a bad
// value fails only the site that carries it.
type Coordinate string

// UnmarshalJSON accepts both 12.5 and "12.5".
func (c *Coordinate) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Coordinate(s)
		return nil
	}
	*c = Coordinate(b)
	return nil
}

// UnmarshalYAML keeps the scalar text verbatim.
func (c *Coordinate) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: coordinate must be a scalar", node.Line)
	}
	*c = Coordinate(node.Value)
	return nil
}

// Degrees parses the coordinate.
func (c Coordinate) Degrees() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(c)), 64)
}

// Site is one branch to onboard.
type Site struct {
	Name       string     `json:"name" yaml:"name"`
	Latitude   Coordinate `json:"latitude" yaml:"latitude"`
	Longitude  Coordinate `json:"longitude" yaml:"longitude"`
	Bandwidth  int        `json:"bandwidth" yaml:"bandwidth"`
	Platform   string     `json:"platform" yaml:"platform"`
	Subnets    []string   `json:"subnets" yaml:"subnets"`
	Redundancy bool       `json:"redundancy" yaml:"redundancy"`
	// BGP is nil when the input leaves it out; the run default then applies.
	BGP *bool `json:"bgp,omitempty" yaml:"bgp,omitempty"`
}

// Record is the per-site output handed to whoever configures the branch.
type Record struct {
	PreSharedKey          string `json:"pre_shared_key"`
	PrimaryLocalID        string `json:"primary_local_id"`
	SecondaryLocalID      string `json:"secondary_local_id,omitempty"`
	SecondaryPreSharedKey string `json:"secondary_pre_shared_key,omitempty"`
	PeerASN               string `json:"peer_asn,omitempty"`
	PeerIP                string `json:"peer_ip,omitempty"`
	BGPLocalAddress       string `json:"bgp_local_address,omitempty"`
	BGPPeerAddress        string `json:"bgp_peer_address,omitempty"`
	Region                string `json:"region,omitempty"`
	SPNName               string `json:"spn_name,omitempty"`
}

// LoadSites reads the site list from a JSON or YAML file.
func LoadSites(path string) ([]Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sites %s: %w", path, err)
	}
	sites, err := ParseSites(data)
	if err != nil {
		return nil, fmt.Errorf("parsing sites %s: %w", path, err)
	}
	return sites, nil
}

// ParseSites decodes a JSON array, falling back to YAML for anything else.
func ParseSites(data []byte) ([]Site, error) {
	var sites []Site
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &sites); err != nil {
			return nil, err
		}
		return sites, nil
	}
	if err := yaml.Unmarshal(trimmed, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}
