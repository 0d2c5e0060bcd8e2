package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"sitepipe/internal/config"
	"sitepipe/internal/daemonrun"
	"sitepipe/internal/database"
	"sitepipe/internal/dispatch"
	"sitepipe/internal/logging"
	"sitepipe/internal/pipeline"
	"sitepipe/internal/sites"
	"sitepipe/internal/status"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// JSONMode reports whether --json was given.
func (c *commandContext) JSONMode() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// storeHandle is the direct-database view the CLI works through.
type storeHandle struct {
	cfg    *config.Config
	db     *database.DB
	store  *sites.Store
	queue  *dispatch.Queue
	status *status.Service
}

func (h *storeHandle) admitter() *pipeline.Admitter {
	return pipeline.NewAdmitter(h.store, daemonrun.Planner(h.cfg), h.queue, logging.NewNop())
}

func (c *commandContext) withStore(cmd *cobra.Command, fn func(context.Context, *storeHandle) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	store := sites.New(db)
	return fn(ctx, &storeHandle{
		cfg:    cfg,
		db:     db,
		store:  store,
		queue:  dispatch.NewQueueFromConfig(db, cfg),
		status: status.NewService(store, cfg.Reconciler.StaleThreshold()),
	})
}

// withComponents builds the full pipeline, including the stage commands.
func (c *commandContext) withComponents(cmd *cobra.Command, fn func(context.Context, *daemonrun.Components) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPaths: []string{"stderr"}})
	if err != nil {
		return err
	}
	comps, err := daemonrun.Build(cfg, db, logger)
	if err != nil {
		return err
	}
	defer comps.Close(context.WithoutCancel(ctx))
	return fn(ctx, comps)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
