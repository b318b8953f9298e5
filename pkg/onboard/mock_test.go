package onboard

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/glennswest/pangraft/pkg/tenant"
)

// mockTenant is a testify mock of TenantAPI. Create methods echo their
// input unless the expectation returns an error.
type mockTenant struct {
	mock.Mock
}

var _ TenantAPI = (*mockTenant)(nil)

func (m *mockTenant) GetBandwidthAllocation(ctx context.Context, name string) (*tenant.BandwidthAllocation, error) {
	args := m.Called(ctx, name)
	a, _ := args.Get(0).(*tenant.BandwidthAllocation)
	return a, args.Error(1)
}

func (m *mockTenant) CreateBandwidthAllocation(ctx context.Context, a tenant.BandwidthAllocation) (*tenant.BandwidthAllocation, error) {
	args := m.Called(ctx, a)
	if out, ok := args.Get(0).(*tenant.BandwidthAllocation); ok {
		return out, args.Error(1)
	}
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *mockTenant) UpdateBandwidthAllocation(ctx context.Context, a tenant.BandwidthAllocation) (*tenant.BandwidthAllocation, error) {
	args := m.Called(ctx, a)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *mockTenant) CreateIKEGateway(ctx context.Context, gw tenant.IKEGateway) (*tenant.IKEGateway, error) {
	args := m.Called(ctx, gw)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return &gw, nil
}

func (m *mockTenant) CreateIPSecTunnel(ctx context.Context, t tenant.IPSecTunnel) (*tenant.IPSecTunnel, error) {
	args := m.Called(ctx, t)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *mockTenant) CreateRemoteNetwork(ctx context.Context, rn tenant.RemoteNetwork) (*tenant.RemoteNetwork, error) {
	args := m.Called(ctx, rn)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	return &rn, nil
}

func notFound(name string) error {
	return &tenant.APIError{Method: "GET", Path: "/sse/config/v1/bandwidth-allocations?name=" + name, StatusCode: 404, Body: "object not found"}
}
