package tenant

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"k8s.io/client-go/util/flowcontrol"

	"github.com/glennswest/pangraft/pkg/config"
	"github.com/glennswest/pangraft/pkg/observability"
)

const basePath = "/sse/config/v1"

// Client talks to the Tenant Config API. Calls are rate limited, traced and
// counted; failures come back as *APIError.
type Client struct {
	baseURL string
	folder  string
	http    *http.Client
	limiter flowcontrol.RateLimiter
	metrics *observability.Metrics
	log     *zap.SugaredLogger
}

// Option customises a Client.
type Option func(*Client)

// WithMetrics records every call on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient sends requests through h as is. The config's credentials
// and TLS settings are not consulted.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRateLimiter replaces the token-bucket limiter built from the config.
func WithRateLimiter(l flowcontrol.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient builds a Client for cfg. Authentication uses the static access
// token when present, otherwise the OAuth2 client-credentials flow scoped to
// the tenant service group.
func NewClient(cfg config.TenantConfig, log *zap.SugaredLogger, opts ...Option) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("tenant API URL is empty")
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		folder:  cfg.Folder,
		log:     log.Named("tenant"),
	}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = flowcontrol.NewTokenBucketRateLimiter(cfg.QPS, burst)
	} else {
		c.limiter = flowcontrol.NewFakeAlwaysRateLimiter()
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.http != nil {
		return c, nil
	}

	base := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		},
		Timeout: cfg.Timeout,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	switch {
	case cfg.AccessToken != "":
		c.http = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.AccessToken,
			TokenType:   "Bearer",
		}))
	case cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.TSGID != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.AuthURL,
			Scopes:       []string{"tsg_id:" + cfg.TSGID},
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		c.http = cc.Client(ctx)
	default:
		return nil, errors.New("tenant credentials not configured")
	}
	c.http.Timeout = cfg.Timeout
	return c, nil
}

// ─── Locations and settings ─────────────────────────────────────────────────

// ListLocations returns every point-of-presence known to the tenant.
func (c *Client) ListLocations(ctx context.Context) ([]Location, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "locations", nil, &raw); err != nil {
		return nil, err
	}

	// Plain array on current tenants, data envelope on older ones.
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var locs []Location
		if err := json.Unmarshal(trimmed, &locs); err != nil {
			return nil, fmt.Errorf("decoding locations: %w", err)
		}
		return locs, nil
	}
	var env listResponse[Location]
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decoding locations: %w", err)
	}
	return env.Data, nil
}

// GetSharedInfrastructureSettings reads the tenant-wide infrastructure settings.
func (c *Client) GetSharedInfrastructureSettings(ctx context.Context) (*SharedInfrastructureSettings, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "shared-infrastructure-settings", nil, &raw); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(raw)
	var s SharedInfrastructureSettings
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []SharedInfrastructureSettings
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decoding shared infrastructure settings: %w", err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("shared infrastructure settings: %w", ErrNotFound)
		}
		s = list[0]
	} else if err := json.Unmarshal(trimmed, &s); err != nil {
		return nil, fmt.Errorf("decoding shared infrastructure settings: %w", err)
	}
	return &s, nil
}

// ─── Bandwidth allocations ──────────────────────────────────────────────────

// GetBandwidthAllocation reads the allocation for an aggregate region.
// Returns an error matching ErrNotFound when the region has none.
func (c *Client) GetBandwidthAllocation(ctx context.Context, name string) (*BandwidthAllocation, error) {
	var env listResponse[BandwidthAllocation]
	if err := c.get(ctx, "bandwidth-allocations", url.Values{"name": {name}}, &env); err != nil {
		return nil, err
	}
	for i := range env.Data {
		if env.Data[i].Name == name {
			return &env.Data[i], nil
		}
	}
	if len(env.Data) == 1 && env.Data[0].Name == "" {
		return &env.Data[0], nil
	}
	return nil, fmt.Errorf("bandwidth allocation %s: %w", name, ErrNotFound)
}

// CreateBandwidthAllocation creates the allocation for a region.
func (c *Client) CreateBandwidthAllocation(ctx context.Context, a BandwidthAllocation) (*BandwidthAllocation, error) {
	var out BandwidthAllocation
	if err := c.send(ctx, http.MethodPost, "bandwidth-allocations", nil, a, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return fillAllocation(&out, a), nil
}

// UpdateBandwidthAllocation replaces the allocation for a region.
func (c *Client) UpdateBandwidthAllocation(ctx context.Context, a BandwidthAllocation) (*BandwidthAllocation, error) {
	var out BandwidthAllocation
	if err := c.send(ctx, http.MethodPut, "bandwidth-allocations", nil, a, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return fillAllocation(&out, a), nil
}

// fillAllocation backfills fields an older tenant leaves out of write
// responses from what was sent.
func fillAllocation(out *BandwidthAllocation, sent BandwidthAllocation) *BandwidthAllocation {
	if out.Name == "" {
		out.Name = sent.Name
	}
	if out.AllocatedBandwidth == 0 {
		out.AllocatedBandwidth = sent.AllocatedBandwidth
	}
	if len(out.SPNNameList) == 0 {
		out.SPNNameList = sent.SPNNameList
	}
	return out
}

// ─── Tunnels and remote networks ────────────────────────────────────────────

// CreateIKEGateway creates an IKE gateway in the configured folder.
func (c *Client) CreateIKEGateway(ctx context.Context, gw IKEGateway) (*IKEGateway, error) {
	var out IKEGateway
	if err := c.send(ctx, http.MethodPost, "ike-gateways", c.folderQuery(), gw, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	if out.Name == "" {
		out.Name = gw.Name
	}
	return &out, nil
}

// CreateIPSecTunnel creates an IPSec tunnel in the configured folder.
func (c *Client) CreateIPSecTunnel(ctx context.Context, t IPSecTunnel) (*IPSecTunnel, error) {
	var out IPSecTunnel
	if err := c.send(ctx, http.MethodPost, "ipsec-tunnels", c.folderQuery(), t, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	if out.Name == "" {
		out.Name = t.Name
	}
	return &out, nil
}

// CreateRemoteNetwork creates a remote network in the configured folder.
func (c *Client) CreateRemoteNetwork(ctx context.Context, rn RemoteNetwork) (*RemoteNetwork, error) {
	var out RemoteNetwork
	if err := c.send(ctx, http.MethodPost, "remote-networks", c.folderQuery(), rn, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	if out.Name == "" {
		out.Name = rn.Name
	}
	return &out, nil
}

// ─── Config push and jobs ───────────────────────────────────────────────────

// PushCandidate commits the candidate configuration for folders and returns
// the job tracking it.
func (c *Client) PushCandidate(ctx context.Context, folders []string) (*PushResult, error) {
	var out PushResult
	body := map[string][]string{"folders": folders}
	if err := c.send(ctx, http.MethodPost, "config-versions/candidate:push", nil, body, &out, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, fmt.Errorf("push accepted without a job id: %s", out.Message)
	}
	return &out, nil
}

// GetJob reads a configuration job. Anything but 200 is an *APIError.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var env listResponse[Job]
	if err := c.get(ctx, "jobs/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return &env.Data[0], nil
}

// ─── HTTP helpers ───────────────────────────────────────────────────────────

func (c *Client) folderQuery() url.Values {
	if c.folder == "" {
		return nil
	}
	return url.Values{"folder": {c.folder}}
}

func (c *Client) get(ctx context.Context, resource string, query url.Values, result interface{}) error {
	return c.send(ctx, http.MethodGet, resource, query, nil, result, http.StatusOK)
}

// send performs one API call. The response must carry one of the expected
// status codes, otherwise the body is returned inside an *APIError.
func (c *Client) send(ctx context.Context, method, resource string, query url.Values, body, result interface{}, expected ...int) error {
	path := basePath + "/" + resource
	metricResource := resourceLabel(resource)

	ctx, span := observability.Tracer().Start(ctx, method+" "+metricResource)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: rate limiter: %w", method, path, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("pangraft.resource", metricResource),
		attribute.String("pangraft.request_id", requestID),
	)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveAPI(metricResource, method, 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveAPI(metricResource, method, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	c.log.Debugw("api call", "method", method, "path", path, "status", resp.StatusCode, "requestID", requestID)

	if !statusIn(resp.StatusCode, expected) {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		span.SetStatus(codes.Error, apiErr.Error())
		return apiErr
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func statusIn(code int, expected []int) bool {
	for _, e := range expected {
		if code == e {
			return true
		}
	}
	return false
}

// resourceLabel strips identifiers so jobs/123 and jobs/456 share a label.
func resourceLabel(resource string) string {
	if i := strings.IndexByte(resource, '/'); i >= 0 && !strings.Contains(resource, ":") {
		return resource[:i]
	}
	return resource
}
