// Package registry populates and serves a per-region map of virtualization
// type to base image id, queried from the IaaS once at broker startup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mozilla-services/loadbroker/pkg/api"
	"github.com/mozilla-services/loadbroker/pkg/model"
)

// ErrImageNotFound is returned by GetImage when no image is indexed for the
// requested region/virtualization-type slot.
var ErrImageNotFound = errors.New("registry: image not found")

const (
	virtHVM         = "hvm"
	virtParavirtual = "paravirtual"
)

// paravirtualPrefixes are the instance-type families that require a
// paravirtual AMI rather than HVM.
var paravirtualPrefixes = []string{"m1", "m2", "c1", "t1"}

type regionImages map[string]string // virtualization type -> image id

// Registry is the broker's startup-populated, read-only index of base
// images per region.
type Registry struct {
	mu     sync.RWMutex
	byRegion map[model.Region]regionImages
}

// New populates a Registry by querying, for every region, images owned by
// ownerID, retaining the two highest-sorted-by-name and indexing them by
// virtualization type. Population is concurrent across regions with
// parallelism equal to len(regions); a single region's failure fails the
// whole call, per spec §4.1 ("fail-fast so nothing proceeds with a blank
// registry").
func New(ctx context.Context, factory api.CloudClientFactory, regions []model.Region, ownerID string) (*Registry, error) {
	r := &Registry{byRegion: make(map[model.Region]regionImages, len(regions))}

	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	for _, region := range regions {
		region := region
		eg.Go(func() error {
			images, err := populateRegion(ctx, factory, region, ownerID)
			if err != nil {
				return fmt.Errorf("populating image registry for %s: %w", region, err)
			}
			mu.Lock()
			r.byRegion[region] = images
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return r, nil
}

func populateRegion(ctx context.Context, factory api.CloudClientFactory, region model.Region, ownerID string) (regionImages, error) {
	client, err := factory.Client(ctx, region)
	if err != nil {
		return nil, err
	}

	images, err := client.DescribeImages(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	if len(images) > 2 {
		images = images[len(images)-2:]
	}

	out := make(regionImages, 2)
	for _, img := range images {
		out[img.VirtualizationType] = img.ID
	}
	return out, nil
}

// GetImage selects paravirtual for legacy instance-type families (m1, m2,
// c1, t1) and hvm otherwise, per spec §4.1.
func (r *Registry) GetImage(region model.Region, instanceType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	virt := virtHVM
	for _, prefix := range paravirtualPrefixes {
		if strings.HasPrefix(instanceType, prefix+".") {
			virt = virtParavirtual
			break
		}
	}

	images, ok := r.byRegion[region]
	if !ok {
		return "", fmt.Errorf("%w: region %s not populated", ErrImageNotFound, region)
	}
	id, ok := images[virt]
	if !ok {
		return "", fmt.Errorf("%w: region %s virtualization %s", ErrImageNotFound, region, virt)
	}
	return id, nil
}
