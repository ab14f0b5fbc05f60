package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/agentdeploy/internal/cache"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
	"golang.org/x/sync/errgroup"
)

// ListRunningInstances returns the names of RUNNING instances, sorted.
// Results are cached for the inventory TTL when a cache is configured;
// cache failures only cost a backend call.
func (e *Extractor) ListRunningInstances(ctx context.Context) ([]string, error) {
	key := cache.InventoryKey(e.cmds.Zone)
	if e.cache != nil {
		if data, ok, err := e.cache.Get(ctx, key); err != nil {
			e.logger.Warn("reading inventory cache", "error", err)
		} else if ok {
			var names []string
			if err := json.Unmarshal(data, &names); err == nil {
				return names, nil
			}
		}
	}

	res, err := e.runner.Run(ctx, e.cmds.ListInstances())
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	instances, err := gcloud.ParseInstanceList(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}
	names := make([]string, 0, len(instances))
	for _, inst := range instances {
		if inst.Running() {
			names = append(names, inst.Name)
		}
	}

	if e.cache != nil {
		data, _ := json.Marshal(names)
		if err := e.cache.Set(ctx, key, data, e.inventoryTTL); err != nil {
			e.logger.Warn("writing inventory cache", "error", err)
		}
	}
	return names, nil
}

// ListKnownDeploymentsWithInstance returns every deployment that recorded
// an instance name, newest first.
func (e *Extractor) ListKnownDeploymentsWithInstance(ctx context.Context) ([]models.InstanceDeployment, error) {
	ds, err := e.deployments.ListDeployments(ctx, store.DeploymentFilter{WithInstance: true})
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	out := make([]models.InstanceDeployment, 0, len(ds))
	for _, d := range ds {
		out = append(out, models.InstanceDeployment{
			JobID:        d.JobID,
			InstanceName: d.Instance(),
			Status:       d.Status,
		})
	}
	return out, nil
}

// Overview joins the known deployments with the live inventory. Both are
// fetched concurrently.
func (e *Extractor) Overview(ctx context.Context) (*models.InstanceOverview, error) {
	var (
		deployments []models.InstanceDeployment
		running     []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		deployments, err = e.ListKnownDeploymentsWithInstance(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		running, err = e.ListRunningInstances(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	alive := make(map[string]bool, len(running))
	for _, name := range running {
		alive[name] = true
	}
	for i := range deployments {
		deployments[i].IsRunning = alive[deployments[i].InstanceName]
	}
	return &models.InstanceOverview{Deployments: deployments, AvailableInstances: running}, nil
}
