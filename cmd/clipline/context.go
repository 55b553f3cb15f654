package main

import (
	"os/exec"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"clipline/internal/api"
	"clipline/internal/config"
	"clipline/internal/daemonrun"
	"clipline/internal/intake"
	"clipline/internal/jobqueue"
	"clipline/internal/logging"
	"clipline/internal/media"
	"clipline/internal/metadata"
	"clipline/internal/notifications"
	"clipline/internal/pipeline"
	"clipline/internal/titles"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
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
		cfg, path, _, err := config.Load(c.flagPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
	})
	return c.config, c.configErr
}

func (c *commandContext) flagPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

// JSONMode reports whether --json was passed.
func (c *commandContext) JSONMode() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// runtime is the set of collaborators video and queue commands operate on.
type runtime struct {
	cfg    *config.Config
	store  metadata.Store
	queue  jobqueue.Queue
	videos *api.VideoService
}

// Inspector returns the queue's admin surface, or nil for drivers without one.
func (r *runtime) Inspector() jobqueue.Inspector {
	inspector, _ := r.queue.(jobqueue.Inspector)
	return inspector
}

func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(*runtime) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := logging.NewNop()
	store, err := metadata.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	queue, err := daemonrun.OpenQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	notifier := notifications.NewNotifier(notifications.NewService(cfg), logger, cfg.API.PublicBaseURL)
	opts := []intake.Option{intake.WithListeners(notifier)}
	if _, err := exec.LookPath(cfg.Media.FFprobeBinary); err == nil {
		opts = append(opts, intake.WithProber(media.NewEngine(cfg)))
	}
	in := intake.NewService(cfg, store, queue, logger, opts...)
	videos := api.NewVideoService(store, pipeline.NewWorkspace(cfg.VideosDir()), in, titles.New(cfg, logger), cfg.API.PublicBaseURL)

	return fn(&runtime{cfg: cfg, store: store, queue: queue, videos: videos})
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
