package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/model"
)

type fakeClient struct {
	images []api.Image
	err    error
}

func (f *fakeClient) DescribeInstances(ctx context.Context, filter api.InstanceFilter) ([]*model.Instance, error) {
	return nil, nil
}
func (f *fakeClient) RunInstances(ctx context.Context, req api.RunInstancesRequest) ([]*model.Instance, error) {
	return nil, nil
}
func (f *fakeClient) CreateTags(ctx context.Context, ids []string, tags map[string]string) error {
	return nil
}
func (f *fakeClient) TerminateInstances(ctx context.Context, ids []string) error { return nil }
func (f *fakeClient) DescribeImages(ctx context.Context, ownerID string) ([]api.Image, error) {
	return f.images, f.err
}

type fakeFactory struct {
	clients map[model.Region]*fakeClient
}

func (f *fakeFactory) Client(ctx context.Context, region model.Region) (api.CloudClient, error) {
	return f.clients[region], nil
}

func TestGetImageSelectsByVirtualizationType(t *testing.T) {
	factory := &fakeFactory{clients: map[model.Region]*fakeClient{
		model.RegionUSWest2: {images: []api.Image{
			{ID: "ami-a", Name: "broker-2021-04-01", VirtualizationType: "paravirtual"},
			{ID: "ami-b", Name: "broker-2021-02-01", VirtualizationType: "hvm"},
			{ID: "ami-c", Name: "broker-2021-03-01", VirtualizationType: "hvm"},
		}},
	}}

	reg, err := New(context.Background(), factory, []model.Region{model.RegionUSWest2}, "owner")
	require.NoError(t, err)

	id, err := reg.GetImage(model.RegionUSWest2, "t1.micro")
	require.NoError(t, err)
	require.Equal(t, "ami-a", id, "t1 prefix should select the paravirtual image")

	id, err = reg.GetImage(model.RegionUSWest2, "m4.large")
	require.NoError(t, err)
	require.Equal(t, "ami-c", id, "non-legacy prefix should select the newest hvm image")
}

func TestGetImageFailsForUnknownRegion(t *testing.T) {
	factory := &fakeFactory{clients: map[model.Region]*fakeClient{}}
	reg, err := New(context.Background(), factory, nil, "owner")
	require.NoError(t, err)

	_, err = reg.GetImage(model.RegionEUWest1, "m4.large")
	require.ErrorIs(t, err, ErrImageNotFound)
}

func TestNewFailsFastOnRegionError(t *testing.T) {
	factory := &fakeFactory{clients: map[model.Region]*fakeClient{
		model.RegionUSWest2: {err: context.DeadlineExceeded},
	}}

	_, err := New(context.Background(), factory, []model.Region{model.RegionUSWest2}, "owner")
	require.Error(t, err)
}
