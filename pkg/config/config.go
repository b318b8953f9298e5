package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the top-level pangraft configuration.
type Config struct {
	Tenant        TenantConfig        `yaml:"tenant"`
	Onboard       OnboardConfig       `yaml:"onboard"`
	Publish       PublishConfig       `yaml:"publish"`
	ServiceIP     ServiceIPConfig     `yaml:"serviceIP"`
	Journal       JournalConfig       `yaml:"journal"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// TenantConfig describes how to reach the Tenant Config API.
type TenantConfig struct {
	APIURL       string `yaml:"apiURL"`
	AuthURL      string `yaml:"authURL"`
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	TSGID        string `yaml:"tsgID"`
	// AccessToken skips the client-credentials exchange when set.
	AccessToken        string        `yaml:"accessToken"`
	Folder             string        `yaml:"folder"`
	Timeout            time.Duration `yaml:"timeout"`
	QPS                float32       `yaml:"qps"`
	Burst              int           `yaml:"burst"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
}

// OnboardConfig holds the per-run onboarding settings.
type OnboardConfig struct {
	Domain string `yaml:"domain"`
	BGPASN string `yaml:"bgpASN"`
	// BGPDefault applies to sites whose input omits the bgp flag. It is
	// switched on implicitly when a BGP ASN is given on the command line.
	BGPDefault  bool   `yaml:"bgpDefault"`
	PeerNet     string `yaml:"peerNet"`
	LicenseType string `yaml:"licenseType"`

	// ProfileStrategy is "platform" (per-platform table) or "fixed".
	ProfileStrategy string `yaml:"profileStrategy"`
	IKEProfile      string `yaml:"ikeProfile"`
	IPSecProfile    string `yaml:"ipsecProfile"`
	// UnknownPlatform is "reject" or "other".
	UnknownPlatform string `yaml:"unknownPlatform"`

	AvoidAddressCollisions bool   `yaml:"avoidAddressCollisions"`
	AddressDB              string `yaml:"addressDB"`

	// OnError is "abort" or "skip".
	OnError       string `yaml:"onError"`
	SkipCompleted bool   `yaml:"skipCompleted"`
	NoPush        bool   `yaml:"noPush"`
}

// PublishConfig controls the configuration push and job polling.
type PublishConfig struct {
	Folders      []string      `yaml:"folders"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// MaxAttempts of 0 polls until the job leaves PEND/ACT or the run is cancelled.
	MaxAttempts int `yaml:"maxAttempts"`
	// UnknownStatus is "fail" or "succeed".
	UnknownStatus string `yaml:"unknownStatus"`
}

// ServiceIPConfig controls the post-commit service address lookup.
type ServiceIPConfig struct {
	URL              string        `yaml:"url"`
	PropagationDelay time.Duration `yaml:"propagationDelay"`
	ServiceType      string        `yaml:"serviceType"`
	AddrType         string        `yaml:"addrType"`
	Location         string        `yaml:"location"`
	Timeout          time.Duration `yaml:"timeout"`
}

// JournalConfig points at the YAML run journal. Empty disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// ObservabilityConfig covers metrics push and tracing.
type ObservabilityConfig struct {
	Pushgateway string        `yaml:"pushgateway"`
	JobName     string        `yaml:"jobName"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig governs how tracing is initialised.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	Exporter    string  `yaml:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Default returns a Config populated with the stock values.
func Default() Config {
	return Config{
		Tenant: TenantConfig{
			APIURL:  "https://api.sase.paloaltonetworks.com",
			AuthURL: "https://auth.apps.paloaltonetworks.com/oauth2/access_token",
			Folder:  "Remote Networks",
			Timeout: 30 * time.Second,
			QPS:     5,
			Burst:   10,
		},
		Onboard: OnboardConfig{
			PeerNet:         "172.16.0.0/12",
			LicenseType:     "FWAAS-AGGREGATE",
			ProfileStrategy: "platform",
			UnknownPlatform: "reject",
			OnError:         "abort",
		},
		Publish: PublishConfig{
			Folders:       []string{"Remote Networks"},
			PollInterval:  5 * time.Second,
			UnknownStatus: "fail",
		},
		ServiceIP: ServiceIPConfig{
			URL:              "https://api.prod.datapath.prismaaccess.com/getPrismaAccessIP/v2",
			PropagationDelay: 15 * time.Second,
			ServiceType:      "remote_network",
			AddrType:         "service_ip",
			Location:         "all",
			Timeout:          30 * time.Second,
		},
		Observability: ObservabilityConfig{
			JobName: "pangraft",
			Tracing: TracingConfig{
				ServiceName: "pangraft",
				Exporter:    "stdout",
				SampleRatio: 1,
			},
		},
	}
}

// Load reads a YAML config file on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// Variables already set in the environment win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides credentials and a few knobs from PANGRAFT_* variables.
func (c *Config) ApplyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Tenant.ClientID, "PANGRAFT_CLIENT_ID")
	setString(&c.Tenant.ClientSecret, "PANGRAFT_CLIENT_SECRET")
	setString(&c.Tenant.TSGID, "PANGRAFT_TSG_ID")
	setString(&c.Tenant.AccessToken, "PANGRAFT_ACCESS_TOKEN")
	setString(&c.Tenant.APIURL, "PANGRAFT_API_URL")
	setString(&c.Observability.Pushgateway, "PANGRAFT_PUSHGATEWAY")

	if v := os.Getenv("PANGRAFT_TRACING_ENABLED"); v != "" {
		c.Observability.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("PANGRAFT_TRACING_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			c.Observability.Tracing.SampleRatio = r
		}
	}
}

// BindFlags registers the flags shared by every onboarding command. Values
// written by the flags override whatever Load and ApplyEnv produced, so
// callers must bind after loading.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Onboard.BGPASN, "bgp-asn", "b", c.Onboard.BGPASN, "BGP autonomous system number announced by the sites")
	fs.StringVarP(&c.Onboard.PeerNet, "peer-net", "p", c.Onboard.PeerNet, "netblock used for BGP peering addresses")
	fs.StringVar(&c.Onboard.OnError, "on-error", c.Onboard.OnError, "what to do when a site fails: abort or skip")
	fs.BoolVar(&c.Onboard.SkipCompleted, "skip-completed", c.Onboard.SkipCompleted, "skip sites the journal records as completed")
	fs.BoolVar(&c.Onboard.NoPush, "no-push", c.Onboard.NoPush, "create objects but do not push the configuration")
	fs.StringVar(&c.Onboard.AddressDB, "address-db", c.Onboard.AddressDB, "SQLite file recording issued BGP addresses")
	fs.StringVar(&c.Journal.Path, "journal", c.Journal.Path, "YAML journal of created resources")
	fs.IntVar(&c.Publish.MaxAttempts, "max-polls", c.Publish.MaxAttempts, "give up on the push job after this many polls (0 = never)")
}

// Validate checks the settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []string

	if c.Tenant.APIURL == "" {
		errs = append(errs, "tenant.apiURL is required")
	}
	if c.Tenant.AccessToken == "" && (c.Tenant.ClientID == "" || c.Tenant.ClientSecret == "" || c.Tenant.TSGID == "") {
		errs = append(errs, "tenant credentials missing: set accessToken or clientID, clientSecret and tsgID")
	}
	if c.Tenant.QPS < 0 || c.Tenant.Burst < 0 {
		errs = append(errs, "tenant.qps and tenant.burst must not be negative")
	}

	if p, err := netip.ParsePrefix(c.Onboard.PeerNet); err != nil || !p.Addr().Is4() {
		errs = append(errs, fmt.Sprintf("onboard.peerNet %q is not an IPv4 prefix", c.Onboard.PeerNet))
	}
	if c.Onboard.BGPASN != "" {
		if n, err := strconv.ParseUint(c.Onboard.BGPASN, 10, 32); err != nil || n == 0 {
			errs = append(errs, fmt.Sprintf("onboard.bgpASN %q is not a valid AS number", c.Onboard.BGPASN))
		}
	}
	switch c.Onboard.ProfileStrategy {
	case "platform":
	case "fixed":
		if c.Onboard.IKEProfile == "" || c.Onboard.IPSecProfile == "" {
			errs = append(errs, "onboard.profileStrategy fixed needs ikeProfile and ipsecProfile")
		}
	default:
		errs = append(errs, fmt.Sprintf("onboard.profileStrategy %q must be platform or fixed", c.Onboard.ProfileStrategy))
	}
	if c.Onboard.UnknownPlatform != "reject" && c.Onboard.UnknownPlatform != "other" {
		errs = append(errs, fmt.Sprintf("onboard.unknownPlatform %q must be reject or other", c.Onboard.UnknownPlatform))
	}
	if c.Onboard.OnError != "abort" && c.Onboard.OnError != "skip" {
		errs = append(errs, fmt.Sprintf("onboard.onError %q must be abort or skip", c.Onboard.OnError))
	}

	if len(c.Publish.Folders) == 0 {
		errs = append(errs, "publish.folders must not be empty")
	}
	if c.Publish.PollInterval <= 0 {
		errs = append(errs, "publish.pollInterval must be positive")
	}
	if c.Publish.MaxAttempts < 0 {
		errs = append(errs, "publish.maxAttempts must not be negative")
	}
	if c.Publish.UnknownStatus != "fail" && c.Publish.UnknownStatus != "succeed" {
		errs = append(errs, fmt.Sprintf("publish.unknownStatus %q must be fail or succeed", c.Publish.UnknownStatus))
	}

	if c.ServiceIP.URL == "" {
		errs = append(errs, "serviceIP.url is required")
	}
	if c.ServiceIP.PropagationDelay < 0 {
		errs = append(errs, "serviceIP.propagationDelay must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
