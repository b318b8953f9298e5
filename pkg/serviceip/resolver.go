package serviceip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/config"
	"github.com/glennswest/pangraft/pkg/observability"
	"github.com/glennswest/pangraft/pkg/tenant"
)

// SettingsSource supplies the data-path API key.
type SettingsSource interface {
	GetSharedInfrastructureSettings(ctx context.Context) (*tenant.SharedInfrastructureSettings, error)
}

// Addresses maps a remote network (node) name to its service address.
type Addresses map[string]string

// For returns the address of name, if the lookup listed it.
func (a Addresses) For(name string) (string, bool) {
	addr, ok := a[name]
	return addr, ok
}

// Resolver looks up the public service addresses assigned to remote
// networks once the configuration has been pushed.
type Resolver struct {
	settings SettingsSource
	http     *http.Client
	cfg      config.ServiceIPConfig
	log      *zap.SugaredLogger
}

// NewResolver returns a Resolver using cfg.
func NewResolver(settings SettingsSource, cfg config.ServiceIPConfig, log *zap.SugaredLogger) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{
		settings: settings,
		http:     &http.Client{Timeout: timeout},
		cfg:      cfg,
		log:      log.Named("service-ips"),
	}
}

// Resolve reads the API key, waits out the propagation delay and performs
// the lookup.
func (r *Resolver) Resolve(ctx context.Context) (Addresses, error) {
	settings, err := r.settings.GetSharedInfrastructureSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading shared infrastructure settings: %w", err)
	}
	if settings.APIKey == "" {
		return nil, errors.New("shared infrastructure settings carry no api_key")
	}

	if d := r.cfg.PropagationDelay; d > 0 {
		r.log.Infow("waiting for service addresses to propagate", "delay", d)
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return r.Lookup(ctx, settings.APIKey)
}

type lookupRequest struct {
	ServiceType string `json:"serviceType"`
	AddrType    string `json:"addrType"`
	Location    string `json:"location"`
}

type lookupResponse struct {
	Status string `json:"status"`
	Result []struct {
		Zone           string `json:"zone"`
		AddressDetails []struct {
			Address     string   `json:"address"`
			ServiceType string   `json:"serviceType"`
			AddressType string   `json:"addressType"`
			NodeName    []string `json:"node_name"`
		} `json:"address_details"`
	} `json:"result"`
}

// Lookup performs one request against the data-path API with apiKey.
func (r *Resolver) Lookup(ctx context.Context, apiKey string) (Addresses, error) {
	ctx, span := observability.Tracer().Start(ctx, "service-ip lookup")
	defer span.End()

	body, err := json.Marshal(lookupRequest{
		ServiceType: r.cfg.ServiceType,
		AddrType:    r.cfg.AddrType,
		Location:    r.cfg.Location,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("header-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", r.cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("POST %s: %d: %s", r.cfg.URL, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding service address response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return nil, fmt.Errorf("service address lookup returned status %q", out.Status)
	}

	addrs := make(Addresses)
	for _, zone := range out.Result {
		for _, d := range zone.AddressDetails {
			if len(d.NodeName) == 0 || d.Address == "" {
				continue
			}
			addrs[d.NodeName[0]] = d.Address
		}
	}
	r.log.Infow("resolved service addresses", "count", len(addrs))
	return addrs, nil
}
