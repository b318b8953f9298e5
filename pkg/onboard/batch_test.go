package onboard

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/glennswest/pangraft/pkg/config"
	"github.com/glennswest/pangraft/pkg/ipam"
	"github.com/glennswest/pangraft/pkg/journal"
	"github.com/glennswest/pangraft/pkg/publish"
	"github.com/glennswest/pangraft/pkg/serviceip"
	"github.com/glennswest/pangraft/pkg/tenant"
	"github.com/glennswest/pangraft/pkg/tenant/tenanttest"
)

type fixture struct {
	srv    *tenanttest.Server
	client *tenant.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := tenanttest.New(t)
	srv.Locations = testLocations

	cfg := config.Default().Tenant
	cfg.APIURL = srv.URL
	cfg.AccessToken = "test-token"
	cfg.QPS = 0
	client, err := tenant.NewClient(cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return &fixture{srv: srv, client: client}
}

func (f *fixture) batch(opts BatchOptions, j *journal.Journal, addrs AddressAllocator) *Batch {
	log := zap.NewNop().Sugar()

	pub := publish.New(f.client, publish.Options{Interval: time.Millisecond, MaxAttempts: 50}, nil, log)
	svc := config.Default().ServiceIP
	svc.URL = f.srv.ServiceIPURL()
	svc.PropagationDelay = 0
	resolver := serviceip.NewResolver(f.client, svc, log)

	if opts.Onboard.Domain == "" {
		opts.Onboard.Domain = "example.com"
	}
	if opts.Onboard.Folder == "" {
		opts.Onboard.Folder = "Remote Networks"
	}
	return NewBatch(f.client, addrs, PlatformProfiles{}, pub, resolver, j, nil, opts, log)
}

func site(name, lat, lng string, mbps int) Site {
	return Site{Name: name, Latitude: Coordinate(lat), Longitude: Coordinate(lng), Bandwidth: mbps, Platform: "paloalto", Subnets: []string{"10.0.0.0/24"}}
}

// Scenario: each site lands in the region nearest to it.
func TestBatchNearestRegion(t *testing.T) {
	f := newFixture(t)
	sites := []Site{
		site("Richmond", "37.54", "-77.43", 20),
		site("London", "51.50", "-0.12", 30),
		site("Seoul", "37.56", "126.97", 40),
	}

	report, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), sites)
	require.NoError(t, err)

	want := map[string]string{"Richmond": "us-east-1", "London": "eu-west-1", "Seoul": "ap-northeast-1"}
	for name, region := range want {
		assert.Equal(t, region, report.Records[name].Region, name)
		rn, ok := f.srv.RemoteNetwork(name)
		require.True(t, ok, name)
		assert.Equal(t, region, rn.Region)
	}
	assert.Equal(t, []string{"Richmond", "London", "Seoul"}, report.Order)

	for region, mbps := range map[string]int{"us-southeast": 20, "europe-west": 30, "asia-northeast": 40} {
		a, ok := f.srv.Allocation(region)
		require.True(t, ok, region)
		assert.Equal(t, mbps, a.AllocatedBandwidth)
	}
}

// Scenario: an existing allocation grows and the site attaches to its last serving node.
func TestBatchBandwidthAccumulates(t *testing.T) {
	f := newFixture(t)
	f.srv.Allocations["us-southeast"] = &tenant.BandwidthAllocation{
		Name:               "us-southeast",
		AllocatedBandwidth: 100,
		SPNNameList:        []string{"us-southeast-a", "us-southeast-b"},
	}

	report, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), []Site{site("Richmond", "37.54", "-77.43", 50)})
	require.NoError(t, err)

	a, _ := f.srv.Allocation("us-southeast")
	assert.Equal(t, 150, a.AllocatedBandwidth)
	assert.Equal(t, []string{"us-southeast-a", "us-southeast-b"}, a.SPNNameList)

	rn, _ := f.srv.RemoteNetwork("Richmond")
	assert.Equal(t, "us-southeast-b", rn.SPNName)
	assert.Equal(t, "us-southeast-b", report.Records["Richmond"].SPNName)
}

// Scenario: a redundant site gets two independent identities.
func TestBatchRedundantSite(t *testing.T) {
	f := newFixture(t)
	s := site("HQ", "51.50", "-0.12", 100)
	s.Redundancy = true

	report, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), []Site{s})
	require.NoError(t, err)

	rec := report.Records["HQ"]
	assert.Regexp(t, localIDPattern, rec.PrimaryLocalID)
	assert.Regexp(t, localIDPattern, rec.SecondaryLocalID)
	assert.NotEqual(t, strings.Split(rec.PrimaryLocalID, "@")[0], strings.Split(rec.SecondaryLocalID, "@")[0])

	gws, tunnels, rns := f.srv.Counts()
	assert.Equal(t, 2, gws)
	assert.Equal(t, 2, tunnels)
	assert.Equal(t, 1, rns)

	rn, _ := f.srv.RemoteNetwork("HQ")
	assert.NotEmpty(t, rn.SecondaryIPSecTunnel)
	assert.NotEqual(t, rn.IPSecTunnel, rn.SecondaryIPSecTunnel)
}

// Scenario: an invalid subnet stops the run before the remote network and the push.
func TestBatchInvalidSubnetAborts(t *testing.T) {
	f := newFixture(t)
	bad := site("Broken", "37.54", "-77.43", 10)
	bad.Subnets = []string{"10.0.0.0/33"}
	sites := []Site{bad, site("Never", "51.50", "-0.12", 10)}

	report, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), sites)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, report.Records)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "Broken", report.Failures[0].Site)

	gws, tunnels, rns := f.srv.Counts()
	assert.Equal(t, 1, gws, "tunnels created before the subnet check are left in place")
	assert.Equal(t, 1, tunnels)
	assert.Equal(t, 0, rns)
	assert.Zero(t, f.srv.PushCount())
	_, ok := f.srv.Allocation("europe-west")
	assert.False(t, ok, "second site must not start")
}

// Scenario: the job finishes on the third poll and the run goes on to the service addresses.
func TestBatchPublishesAndJoinsServiceIPs(t *testing.T) {
	f := newFixture(t)
	f.srv.JobStatuses = []string{"PEND", "ACT", "FIN"}
	f.srv.ServiceIPs["Richmond"] = "34.1.1.1"
	f.srv.ServiceIPs["Elsewhere"] = "34.9.9.9"

	report, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), []Site{
		site("Richmond", "37.54", "-77.43", 20),
		site("London", "51.50", "-0.12", 20),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, f.srv.Polls())
	require.NotNil(t, report.Publish)
	assert.Equal(t, "101", report.Publish.JobID)
	assert.Equal(t, publish.StatusFinished, report.Publish.Status)
	assert.Equal(t, 3, report.Publish.Polls)

	assert.Equal(t, "34.1.1.1", report.Records["Richmond"].PeerIP)
	assert.Empty(t, report.Records["London"].PeerIP)
	assert.Len(t, report.ServiceIPs, 2)
}

func TestBatchBGP(t *testing.T) {
	f := newFixture(t)
	block, err := ipam.NewNetblock("169.254.0.0/24", ipam.WithCollisionAvoidance())
	require.NoError(t, err)

	opts := BatchOptions{Onboard: Options{BGPASN: "65010", BGPDefault: true}}
	plain := site("Static", "51.50", "-0.12", 10)
	plain.BGP = boolPtr(false)

	report, err := f.batch(opts, nil, block).Run(context.Background(), []Site{
		site("Peered", "37.54", "-77.43", 10),
		plain,
	})
	require.NoError(t, err)

	rec := report.Records["Peered"]
	assert.Equal(t, "65534", rec.PeerASN)
	rn, _ := f.srv.RemoteNetwork("Peered")
	require.NotNil(t, rn.Protocol)
	assert.Equal(t, "65010", rn.Protocol.BGP.PeerAS)
	assert.Equal(t, rec.BGPLocalAddress, rn.Protocol.BGP.LocalIPAddress)
	assert.Equal(t, rec.PreSharedKey, rn.Protocol.BGP.Secret)

	static, _ := f.srv.RemoteNetwork("Static")
	assert.Nil(t, static.Protocol)
	assert.Empty(t, report.Records["Static"].PeerASN)
}

func TestBatchSkipPolicy(t *testing.T) {
	f := newFixture(t)
	bad := site("Broken", "37.54", "-77.43", 10)
	bad.Subnets = []string{"10.1.1.1/24"}

	report, err := f.batch(BatchOptions{OnError: ErrorSkip}, nil, nil).Run(context.Background(), []Site{
		bad,
		site("Good", "51.50", "-0.12", 10),
	})
	assert.ErrorIs(t, err, ErrSitesFailed)
	assert.Equal(t, []string{"Good"}, report.Order)
	assert.Len(t, report.Failures, 1)
	assert.Equal(t, 1, f.srv.PushCount(), "the sites that made it are still pushed")
}

func TestBatchProvisioningFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.srv.FailCreate["remote-networks"] = 400
	f.srv.FailAfter["remote-networks"] = 1

	report, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), []Site{
		site("First", "37.54", "-77.43", 10),
		site("Second", "51.50", "-0.12", 10),
		site("Third", "37.56", "126.97", 10),
	})
	var pe *ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Second", pe.Site)
	assert.Equal(t, "remote network", pe.Resource)

	var apiErr *tenant.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)

	assert.Equal(t, []string{"First"}, report.Order)
	assert.Zero(t, f.srv.PushCount())
}

func TestBatchNoPush(t *testing.T) {
	f := newFixture(t)
	report, err := f.batch(BatchOptions{NoPush: true}, nil, nil).Run(context.Background(), []Site{site("A", "37.54", "-77.43", 10)})
	require.NoError(t, err)
	assert.Len(t, report.Records, 1)
	assert.Nil(t, report.Publish)
	assert.Zero(t, f.srv.PushCount())
}

func TestBatchPublishFailureKeepsRecords(t *testing.T) {
	f := newFixture(t)
	f.srv.JobStatuses = []string{"ACT", "FIN"}
	f.srv.JobResult = "FAIL"

	report, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), []Site{site("A", "37.54", "-77.43", 10)})
	assert.ErrorIs(t, err, publish.ErrJobFailed)
	require.Contains(t, report.Records, "A")
	assert.NotEmpty(t, report.Records["A"].PreSharedKey)
	require.NotNil(t, report.Publish)
	assert.Equal(t, "101", report.Publish.JobID)
}

func TestBatchSkipCompleted(t *testing.T) {
	f := newFixture(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.yaml"))
	require.NoError(t, err)

	sites := []Site{site("A", "37.54", "-77.43", 10)}
	first, err := f.batch(BatchOptions{Onboard: Options{RunID: "first"}}, j, nil).Run(context.Background(), sites)
	require.NoError(t, err)
	assert.Len(t, first.Records, 1)

	second, err := f.batch(BatchOptions{SkipCompleted: true, Onboard: Options{RunID: "second"}}, j, nil).Run(context.Background(), sites)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, second.Skipped)
	assert.Empty(t, second.Records)

	a, _ := f.srv.Allocation("us-southeast")
	assert.Equal(t, 10, a.AllocatedBandwidth, "completed site must not be allocated twice")
	assert.Equal(t, 1, f.srv.PushCount())

	entry, _ := j.Site("A")
	assert.Equal(t, "first", entry.RunID)
	assert.Equal(t, "101", j.Snapshot().LastJob)
}

func TestBatchJournalsFailure(t *testing.T) {
	f := newFixture(t)
	f.srv.FailCreate["ike-gateways"] = 409
	j, _ := journal.Open("")

	_, err := f.batch(BatchOptions{}, j, nil).Run(context.Background(), []Site{site("A", "37.54", "-77.43", 10)})
	require.Error(t, err)

	entry, ok := j.Site("A")
	require.True(t, ok)
	assert.Equal(t, journal.StatusFailed, entry.Status)
	assert.Contains(t, entry.Error, "IKE gateway")
	assert.Equal(t, 10, entry.BandwidthAdded)
}

func TestBatchValidate(t *testing.T) {
	b := newFixture(t).batch(BatchOptions{}, nil, nil)

	err := b.Validate(nil)
	assert.Error(t, err)

	peered := site("C", "1", "1", 10)
	peered.BGP = boolPtr(true)
	unknown := site("D", "1", "1", 10)
	unknown.Platform = "fortinet"

	err = b.Validate([]Site{
		site("A", "1", "1", 10),
		site("A", "1", "1", 10),
		site("B", "1", "1", 0),
		peered,
		unknown,
		site(" ", "1", "1", 10),
	})
	require.Error(t, err)

	agg, ok := err.(utilerrors.Aggregate)
	require.True(t, ok, "expected an aggregate, got %T", err)

	fields := sets.New[string]()
	for _, e := range agg.Errors() {
		var ve *ValidationError
		if errors.As(e, &ve) {
			fields.Insert(ve.Site + "/" + ve.Field)
		}
	}
	assert.True(t, fields.HasAll("A/name", "B/bandwidth", "C/bgp", "D/platform", "#5/name"), fields.UnsortedList())
}

func TestBatchValidationWritesNothing(t *testing.T) {
	f := newFixture(t)
	_, err := f.batch(BatchOptions{}, nil, nil).Run(context.Background(), []Site{site("A", "1", "1", -5)})
	require.Error(t, err)
	assert.Empty(t, f.srv.Recorded())
}

func TestBatchCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.batch(BatchOptions{}, nil, nil).Run(ctx, []Site{site("A", "37.54", "-77.43", 10)})
	assert.ErrorIs(t, err, context.Canceled)
	_, _, rns := f.srv.Counts()
	assert.Zero(t, rns)
}

func TestMarshalRecords(t *testing.T) {
	r := &Report{
		Records: map[string]Record{
			"zeta":  {PreSharedKey: "k1", PrimaryLocalID: "0001@example.com"},
			"alpha": {PreSharedKey: "k2", PrimaryLocalID: "0002@example.com", PeerIP: "34.1.1.1"},
		},
		Order: []string{"zeta", "alpha"},
	}
	out, err := r.MarshalRecords()
	require.NoError(t, err)

	assert.Less(t, strings.Index(string(out), `"zeta"`), strings.Index(string(out), `"alpha"`))

	var decoded map[string]Record
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, r.Records, decoded)

	empty, err := (&Report{}).MarshalRecords()
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(empty))
}
