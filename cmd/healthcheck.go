package cmd

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/mozilla-services/loadbroker/pkg/cloud"
	"github.com/mozilla-services/loadbroker/pkg/config"
	"github.com/mozilla-services/loadbroker/pkg/registry"
	"github.com/mozilla-services/loadbroker/pkg/repository"
)

// HealthcheckCommand verifies the preconditions serve needs to start
// cleanly: the configuration parses, the Repository's on-disk store opens,
// and every configured region's cloud credentials can list images.
// Grounded on the teacher's `healthcheck` command (pkg/cmd/healthcheck.go)
// but scoped to this broker's own dependencies rather than a pluggable
// runner.
var HealthcheckCommand = cli.Command{
	Name:   "healthcheck",
	Usage:  "checks the preconditions the broker needs to serve traffic",
	Action: healthcheckCommand,
}

func healthcheckCommand(c *cli.Context) error {
	ctx := ProcessContext()

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %s: FAIL (%w)", c.GlobalString("config"), err)
	}
	fmt.Printf("config: %s: OK\n", c.GlobalString("config"))

	repo, err := repository.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("repository: %s: FAIL (%w)", cfg.DBPath, err)
	}
	defer repo.Close()
	fmt.Printf("repository: %s: OK\n", cfg.DBPath)

	factory := cloud.NewFactory()
	if _, err := registry.New(ctx, factory, cfg.Regions, cfg.ImageOwnerID); err != nil {
		return fmt.Errorf("registry: FAIL (%w)", err)
	}
	fmt.Printf("registry: %d region(s): OK\n", len(cfg.Regions))

	return nil
}
