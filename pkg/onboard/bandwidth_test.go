package onboard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/tenant"
)

func TestAllocateAddsToExisting(t *testing.T) {
	m := new(mockTenant)
	m.On("GetBandwidthAllocation", mock.Anything, "us-southeast").
		Return(&tenant.BandwidthAllocation{Name: "us-southeast", AllocatedBandwidth: 100, SPNNameList: []string{"us-southeast-a", "us-southeast-b"}}, nil)
	m.On("UpdateBandwidthAllocation", mock.Anything, mock.Anything).Return(nil, nil)

	l := NewBandwidthLedger(m, nil, zap.NewNop().Sugar())
	got, err := l.Allocate(context.Background(), "us-southeast", 50)
	require.NoError(t, err)
	assert.Equal(t, 150, got.AllocatedBandwidth)
	assert.Equal(t, []string{"us-southeast-a", "us-southeast-b"}, got.SPNNameList)

	spn, err := ServingNode(got)
	require.NoError(t, err)
	assert.Equal(t, "us-southeast-b", spn)

	m.AssertNotCalled(t, "CreateBandwidthAllocation", mock.Anything, mock.Anything)
	m.AssertExpectations(t)
}

func TestAllocatePreservesQoS(t *testing.T) {
	qos := &tenant.QoS{Enabled: true}
	var sent tenant.BandwidthAllocation

	m := new(mockTenant)
	m.On("GetBandwidthAllocation", mock.Anything, "europe-west").
		Return(&tenant.BandwidthAllocation{Name: "europe-west", AllocatedBandwidth: 10, SPNNameList: []string{"x"}, QoS: qos}, nil)
	m.On("UpdateBandwidthAllocation", mock.Anything, mock.MatchedBy(func(a tenant.BandwidthAllocation) bool {
		sent = a
		return true
	})).Return(nil, nil)

	_, err := NewBandwidthLedger(m, nil, zap.NewNop().Sugar()).Allocate(context.Background(), "europe-west", 5)
	require.NoError(t, err)
	assert.Equal(t, 15, sent.AllocatedBandwidth)
	assert.Same(t, qos, sent.QoS)
}

func TestAllocateCreatesMissingRegion(t *testing.T) {
	m := new(mockTenant)
	m.On("GetBandwidthAllocation", mock.Anything, "asia-northeast").Return(nil, notFound("asia-northeast"))
	m.On("CreateBandwidthAllocation", mock.Anything, tenant.BandwidthAllocation{Name: "asia-northeast", AllocatedBandwidth: 25}).
		Return(&tenant.BandwidthAllocation{Name: "asia-northeast", AllocatedBandwidth: 25, SPNNameList: []string{"asia-northeast-1"}}, nil)

	got, err := NewBandwidthLedger(m, nil, zap.NewNop().Sugar()).Allocate(context.Background(), "asia-northeast", 25)
	require.NoError(t, err)
	assert.Equal(t, 25, got.AllocatedBandwidth)
	m.AssertNotCalled(t, "UpdateBandwidthAllocation", mock.Anything, mock.Anything)
}

// memStore is a map-backed BandwidthStore.
type memStore map[string]tenant.BandwidthAllocation

func (s memStore) GetBandwidthAllocation(_ context.Context, name string) (*tenant.BandwidthAllocation, error) {
	a, ok := s[name]
	if !ok {
		return nil, notFound(name)
	}
	return &a, nil
}

func (s memStore) CreateBandwidthAllocation(_ context.Context, a tenant.BandwidthAllocation) (*tenant.BandwidthAllocation, error) {
	a.SPNNameList = []string{a.Name + "-1"}
	s[a.Name] = a
	return &a, nil
}

func (s memStore) UpdateBandwidthAllocation(_ context.Context, a tenant.BandwidthAllocation) (*tenant.BandwidthAllocation, error) {
	s[a.Name] = a
	return &a, nil
}

func TestAllocateAccumulates(t *testing.T) {
	store := memStore{}
	l := NewBandwidthLedger(store, nil, zap.NewNop().Sugar())
	for _, mbps := range []int{20, 30, 40} {
		_, err := l.Allocate(context.Background(), "r", mbps)
		require.NoError(t, err)
	}
	assert.Equal(t, 90, store["r"].AllocatedBandwidth)
	assert.Equal(t, []string{"r-1"}, store["r"].SPNNameList)
}

func TestAllocateErrors(t *testing.T) {
	l := NewBandwidthLedger(new(mockTenant), nil, zap.NewNop().Sugar())
	_, err := l.Allocate(context.Background(), "r", 0)
	assert.Error(t, err, "zero bandwidth")

	boom := errors.New("connection reset")
	m := new(mockTenant)
	m.On("GetBandwidthAllocation", mock.Anything, "r").Return(nil, boom)
	_, err = NewBandwidthLedger(m, nil, zap.NewNop().Sugar()).Allocate(context.Background(), "r", 10)
	assert.ErrorIs(t, err, boom)
	m.AssertNotCalled(t, "CreateBandwidthAllocation", mock.Anything, mock.Anything)

	rejected := &tenant.APIError{Method: "POST", Path: "/bandwidth-allocations", StatusCode: 400, Body: "bad"}
	m = new(mockTenant)
	m.On("GetBandwidthAllocation", mock.Anything, "r").Return(nil, notFound("r"))
	m.On("CreateBandwidthAllocation", mock.Anything, mock.Anything).Return(nil, rejected)
	_, err = NewBandwidthLedger(m, nil, zap.NewNop().Sugar()).Allocate(context.Background(), "r", 10)
	var pe *ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bandwidth allocation", pe.Resource)
	assert.ErrorIs(t, err, rejected)
}

func TestServingNode(t *testing.T) {
	_, err := ServingNode(&tenant.BandwidthAllocation{Name: "empty"})
	assert.Error(t, err)
	_, err = ServingNode(nil)
	assert.Error(t, err)

	spn, err := ServingNode(&tenant.BandwidthAllocation{SPNNameList: []string{"only"}})
	require.NoError(t, err)
	assert.Equal(t, "only", spn)
}

func TestMbpsString(t *testing.T) {
	assert.Equal(t, "150 Mbps", mbpsString(150))
	assert.Equal(t, "2 Gbps", mbpsString(2000))
}
