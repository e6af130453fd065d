// Package cloud implements api.CloudClient and api.CloudClientFactory over
// the AWS EC2 API.
package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/model"
)

// client adapts one region's ec2iface.EC2API handle to api.CloudClient.
type client struct {
	region model.Region
	ec2    ec2iface.EC2API
}

var _ api.CloudClient = (*client)(nil)

func (c *client) DescribeInstances(ctx context.Context, filter api.InstanceFilter) ([]*model.Instance, error) {
	var filters []*ec2.Filter
	for k, vals := range filter.Tags {
		values := make([]*string, len(vals))
		for i, v := range vals {
			values[i] = aws.String(v)
		}
		filters = append(filters, &ec2.Filter{
			Name:   aws.String("tag:" + k),
			Values: values,
		})
	}

	var out []*model.Instance
	req := &ec2.DescribeInstancesInput{Filters: filters, MaxResults: aws.Int64(1000)}
	for req != nil {
		resp, err := c.ec2.DescribeInstancesWithContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("describing instances in %s: %w", c.region, err)
		}
		for _, resv := range resp.Reservations {
			for _, inst := range resv.Instances {
				out = append(out, toModelInstance(c.region, inst))
			}
		}
		if resp.NextToken != nil {
			req.NextToken = resp.NextToken
		} else {
			req = nil
		}
	}
	return out, nil
}

func (c *client) RunInstances(ctx context.Context, req api.RunInstancesRequest) ([]*model.Instance, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(req.ImageID),
		MinCount:     aws.Int64(int64(req.Count)),
		MaxCount:     aws.Int64(int64(req.Count)),
		InstanceType: aws.String(req.InstanceType),
	}
	if req.KeyPair != "" {
		input.KeyName = aws.String(req.KeyPair)
	}
	if req.SecurityGroup != "" {
		input.SecurityGroups = []*string{aws.String(req.SecurityGroup)}
	}
	if req.UserData != "" {
		input.UserData = aws.String(req.UserData)
	}

	resp, err := c.ec2.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("running %d %s instances in %s: %w", req.Count, req.InstanceType, c.region, err)
	}

	out := make([]*model.Instance, len(resp.Instances))
	for i, inst := range resp.Instances {
		out[i] = toModelInstance(c.region, inst)
	}
	return out, nil
}

func (c *client) CreateTags(ctx context.Context, ids []string, tags map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	resIDs := make([]*string, len(ids))
	for i, id := range ids {
		resIDs[i] = aws.String(id)
	}
	ec2Tags := make([]*ec2.Tag, 0, len(tags))
	for k, v := range tags {
		ec2Tags = append(ec2Tags, &ec2.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	_, err := c.ec2.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: resIDs,
		Tags:      ec2Tags,
	})
	if err != nil {
		return fmt.Errorf("tagging instances in %s: %w", c.region, err)
	}
	return nil
}

func (c *client) TerminateInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	resIDs := make([]*string, len(ids))
	for i, id := range ids {
		resIDs[i] = aws.String(id)
	}
	_, err := c.ec2.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{InstanceIds: resIDs})
	if err != nil {
		return fmt.Errorf("terminating instances in %s: %w", c.region, err)
	}
	return nil
}

func (c *client) DescribeImages(ctx context.Context, ownerID string) ([]api.Image, error) {
	resp, err := c.ec2.DescribeImagesWithContext(ctx, &ec2.DescribeImagesInput{
		Owners: []*string{aws.String(ownerID)},
	})
	if err != nil {
		return nil, fmt.Errorf("describing images in %s: %w", c.region, err)
	}

	out := make([]api.Image, len(resp.Images))
	for i, img := range resp.Images {
		out[i] = api.Image{
			ID:                 aws.StringValue(img.ImageId),
			Name:               aws.StringValue(img.Name),
			VirtualizationType: aws.StringValue(img.VirtualizationType),
			OwnerID:            aws.StringValue(img.OwnerId),
		}
	}
	return out, nil
}

func toModelInstance(region model.Region, inst *ec2.Instance) *model.Instance {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.StringValue(t.Key)] = aws.StringValue(t.Value)
	}

	var state model.InstanceState
	if inst.State != nil {
		switch aws.StringValue(inst.State.Name) {
		case ec2.InstanceStateNamePending:
			state = model.InstancePending
		case ec2.InstanceStateNameRunning:
			state = model.InstanceRunning
		case ec2.InstanceStateNameStopping:
			state = model.InstanceStopping
		case ec2.InstanceStateNameStopped:
			state = model.InstanceStopped
		default:
			state = model.InstanceTerminated
		}
	}

	var launch time.Time
	if inst.LaunchTime != nil {
		launch = *inst.LaunchTime
	}

	return &model.Instance{
		ID:         aws.StringValue(inst.InstanceId),
		Region:     region,
		Type:       aws.StringValue(inst.InstanceType),
		PublicIP:   aws.StringValue(inst.PublicIpAddress),
		PrivateIP:  aws.StringValue(inst.PrivateIpAddress),
		State:      state,
		LaunchTime: launch,
		Tags:       tags,
	}
}

// Factory memoizes one ec2iface.EC2API-backed CloudClient per region, built
// lazily and exactly once per region (single-flight via sync.Once),
// matching the teacher's per-region connection pooling idiom in
// pkg/runner/client_pool.go.
type Factory struct {
	mu      sync.Mutex
	once    map[model.Region]*sync.Once
	clients map[model.Region]api.CloudClient
	errs    map[model.Region]error
}

var _ api.CloudClientFactory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{
		once:    make(map[model.Region]*sync.Once),
		clients: make(map[model.Region]api.CloudClient),
		errs:    make(map[model.Region]error),
	}
}

func (f *Factory) Client(ctx context.Context, region model.Region) (api.CloudClient, error) {
	f.mu.Lock()
	once, ok := f.once[region]
	if !ok {
		once = &sync.Once{}
		f.once[region] = once
	}
	f.mu.Unlock()

	once.Do(func() {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(string(region))})
		if err != nil {
			f.errs[region] = fmt.Errorf("opening session for %s: %w", region, err)
			return
		}
		f.clients[region] = &client{region: region, ec2: ec2.New(sess)}
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[region]; err != nil {
		return nil, err
	}
	return f.clients[region], nil
}
