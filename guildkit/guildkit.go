package guildkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
)

// Default directory names under KitConfig.ConfigRoot.
const (
	GuildConfigDirName  = "guildcfg"
	CommonConfigDirName = "commoncfg"
	JobDatabaseName     = "jobs.sqlite3"
)

// Config path scopes accepted by Kit.Cfg.
const (
	configScopeGuild  = "g"
	configScopeCommon = "c"
)

// KitConfig configures a Kit.
type KitConfig struct {
	// ConfigRoot is the directory holding all persistent state: guild
	// configs, common configs and the job database.
	ConfigRoot string `yaml:"config_root" mapstructure:"config_root" json:"config_root" validate:"required"`

	// JobDatabase is the path to the sqlite database persisting jobs and
	// schedules. Empty uses ConfigRoot/jobs.sqlite3.
	JobDatabase string `yaml:"job_database" mapstructure:"job_database" json:"job_database"`

	// GuildTemplate, if non-nil, is applied to every guild config when
	// it's loaded or created.
	GuildTemplate *Template `yaml:"-" mapstructure:"-" json:"-"`

	// CommonTemplates maps common (non-guild) config names to the
	// templates applied to them.
	CommonTemplates map[string]*Template `yaml:"-" mapstructure:"-" json:"-"`

	// Queue configures the job queue.
	Queue QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// CronInterval is how often the scheduler checks for due schedules.
	// 0 uses DefaultCronInterval.
	CronInterval time.Duration `yaml:"cron_interval" mapstructure:"cron_interval" json:"cron_interval"`

	// WatchConfigDir enables reloading guild configs edited on disk while
	// the bot is running.
	WatchConfigDir bool `yaml:"watch_config_dir" mapstructure:"watch_config_dir" json:"watch_config_dir"`

	// API, if non-nil, enables the HTTP admin API.
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// AckEmoji is the reaction used by Kit.Ack. Empty uses
	// DefaultAckEmoji.
	AckEmoji string `yaml:"ack_emoji" mapstructure:"ack_emoji" json:"ack_emoji"`

	// LogLevel is the minimum level logged when Logger is nil.
	LogLevel slog.Level `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Logger overrides the default logger.
	Logger *slog.Logger `yaml:"-" mapstructure:"-" json:"-"`
}

// DefaultKitConfig returns a config with defaults filled in, rooted at the
// given directory.
func DefaultKitConfig(configRoot string) KitConfig {
	return KitConfig{
		ConfigRoot:  configRoot,
		JobDatabase: filepath.Join(configRoot, JobDatabaseName),
		Queue: QueueConfig{
			Size:          DefaultQueueSize,
			StartInterval: DefaultJobStartInterval,
		},
		CronInterval: DefaultCronInterval,
		AckEmoji:     DefaultAckEmoji,
		LogLevel:     slog.LevelInfo,
	}
}

// Kit bundles per-guild config storage with job scheduling for a discord
// bot. Create one with New, register task and state types, call Attach to
// hook the discord session, then Run to start the background loops.
type Kit struct {
	config  KitConfig
	session *discordgo.Session
	logger  *slog.Logger

	guildConfigs  *ConfigDirectory
	commonConfigs *ConfigDirectory

	store    *JobStore
	registry *TaskRegistry
	factory  *JobFactory
	queue    *JobQueue
	cron     *JobCron
	states   *GuildStateDB
	api      *apiServer

	readyOnce sync.Once
}

// New builds a Kit from the given config. The discord session isn't
// touched until Attach.
func New(
	ctx context.Context,
	session *discordgo.Session,
	config KitConfig,
) (*Kit, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(NewLogHandler(os.Stdout, config.LogLevel))
	}

	if err := os.MkdirAll(config.ConfigRoot, 0o755); err != nil {
		return nil, fmt.Errorf(
			"creating config root %q: %w",
			config.ConfigRoot,
			err,
		)
	}

	dbPath := config.JobDatabase
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigRoot, JobDatabaseName)
	}
	db, err := CreateDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	store := NewJobStore(db, logger)

	guildConfigs := NewConfigDirectory(
		filepath.Join(config.ConfigRoot, GuildConfigDirName),
		config.GuildTemplate,
		logger,
	)
	if err = guildConfigs.Load(); err != nil {
		return nil, err
	}

	commonConfigs := NewConfigDirectory(
		filepath.Join(config.ConfigRoot, CommonConfigDirName),
		nil,
		logger,
	)
	for name, template := range config.CommonTemplates {
		commonConfigs.SetNameTemplate(name, template)
	}
	if err = commonConfigs.Load(); err != nil {
		return nil, err
	}

	registry := NewTaskRegistry()
	if err = RegisterBuiltinTasks(registry); err != nil {
		return nil, err
	}
	factory := NewJobFactory(registry, session)

	queue := NewJobQueue(config.Queue, logger)
	queue.OnJobSubmit(store.CreateJob)
	queue.OnJobStop(
		func(ctx context.Context, header *JobHeader) error {
			return store.DeleteJob(ctx, header.ID)
		},
	)
	queue.OnJobCancel(
		func(ctx context.Context, header *JobHeader) error {
			return store.DeleteJob(ctx, header.ID)
		},
	)

	cron := NewJobCron(queue, factory, logger)
	if config.CronInterval > 0 {
		cron.interval = config.CronInterval
	}
	cron.OnCreateSchedule(store.CreateSchedule)
	cron.OnDeleteSchedule(
		func(ctx context.Context, header *CronHeader) error {
			return store.DeleteSchedule(ctx, header.ID)
		},
	)

	k := &Kit{
		config:        config,
		session:       session,
		logger:        logger.With(loggerNameKey, "kit"),
		guildConfigs:  guildConfigs,
		commonConfigs: commonConfigs,
		store:         store,
		registry:      registry,
		factory:       factory,
		queue:         queue,
		cron:          cron,
	}
	k.states = newGuildStateDB(k)

	if config.API != nil && config.API.Listen != "" {
		k.api = newAPIServer(k, *config.API, logger)
	}
	return k, nil
}

// Session returns the discord session the kit was built with.
func (k *Kit) Session() *discordgo.Session { return k.session }

// Queue returns the job queue.
func (k *Kit) Queue() *JobQueue { return k.queue }

// Cron returns the job scheduler.
func (k *Kit) Cron() *JobCron { return k.cron }

// Tasks returns the task registry. Register custom task types here before
// calling Attach, so persisted jobs of those types can be resumed.
func (k *Kit) Tasks() *TaskRegistry { return k.registry }

// States returns the per-guild state registry.
func (k *Kit) States() *GuildStateDB { return k.states }

// GuildConfigs returns the directory holding one config per guild.
func (k *Kit) GuildConfigs() *ConfigDirectory { return k.guildConfigs }

// CommonConfigs returns the directory holding configs not tied to any
// guild.
func (k *Kit) CommonConfigs() *ConfigDirectory { return k.commonConfigs }

// Store returns the job persistence layer.
func (k *Kit) Store() *JobStore { return k.store }

// Attach registers the kit's discord event handlers on the session. On the
// first Ready event, persisted schedules are restored, unfinished jobs are
// resubmitted, and configs are created for any guilds joined while
// offline.
func (k *Kit) Attach() {
	k.session.AddHandler(k.handleReady)
	k.session.AddHandler(k.handleGuildCreate)
	k.session.AddHandler(k.handleGuildDelete)
}

func (k *Kit) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	k.readyOnce.Do(
		func() {
			ctx := context.Background()

			if err := k.restoreSchedules(ctx); err != nil {
				k.logger.Error("restoring schedules failed", "error", err)
			}
			if err := k.resumeJobs(ctx); err != nil {
				k.logger.Error("resuming jobs failed", "error", err)
			}

			for _, guild := range r.Guilds {
				if _, err := k.guildConfigs.EnsureExists(guild.ID); err != nil {
					k.logger.Error(
						"creating guild config failed",
						"guild_id", guild.ID,
						"error", err,
					)
				}
			}
		},
	)
	k.logger.Info("ready", "guilds", len(r.Guilds))
}

func (k *Kit) handleGuildCreate(
	_ *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	k.logger.Info("joined guild", "guild_id", g.ID, "name", g.Name)
	if _, err := k.guildConfigs.EnsureExists(g.ID); err != nil {
		k.logger.Error(
			"creating guild config failed",
			"guild_id", g.ID,
			"error", err,
		)
	}
}

func (k *Kit) handleGuildDelete(
	_ *discordgo.Session,
	g *discordgo.GuildDelete,
) {
	k.logger.Info("left guild", "guild_id", g.ID)
	k.states.Delete(g.ID)
}

// restoreSchedules re-adds persisted schedules to the scheduler, keeping
// their IDs.
func (k *Kit) restoreSchedules(ctx context.Context) error {
	headers, err := k.store.Schedules(ctx)
	if err != nil {
		return err
	}
	if len(headers) == 0 {
		return nil
	}

	if err = k.cron.Restore(headers); err != nil {
		return err
	}
	k.logger.Info("restored schedules", "count", len(headers))
	return nil
}

// resumeJobs resubmits jobs that never finished before the last shutdown.
// Each stored header is deleted first, then resubmitted through the queue,
// which re-persists it under the same ID.
func (k *Kit) resumeJobs(ctx context.Context) error {
	headers, err := k.store.PendingJobs(ctx)
	if err != nil {
		return err
	}

	resumed := 0
	for _, header := range headers {
		if err = k.store.DeleteJob(ctx, header.ID); err != nil {
			return err
		}

		job, createErr := k.factory.CreateJob(header)
		if createErr != nil {
			k.logger.Error(
				"dropping unresumable job",
				"job_id", header.ID,
				"task_type", header.TaskType,
				"error", createErr,
			)
			continue
		}
		if err = k.queue.Submit(ctx, job); err != nil {
			return err
		}
		resumed++
	}

	if resumed > 0 {
		k.logger.Info("resumed jobs", "count", resumed)
	}
	return nil
}

// GuildConfig returns the config for a guild, creating it if it doesn't
// exist yet.
func (k *Kit) GuildConfig(guildID string) (Config, error) {
	return k.guildConfigs.EnsureExists(guildID)
}

// CommonConfig returns a config not tied to any guild, creating it if it
// doesn't exist yet.
func (k *Kit) CommonConfig(name string) (Config, error) {
	return k.commonConfigs.EnsureExists(name)
}

// Sub returns a guild config scoped to the given namespace, creating the
// namespace if needed.
func (k *Kit) Sub(guildID string, namespace string) (Config, error) {
	cfg, err := k.GuildConfig(guildID)
	if err != nil {
		return nil, err
	}
	return cfg.Sub(namespace, true)
}

// SubStrict returns a guild config scoped to the given namespace. If the
// namespace was never created, it fails with ErrNamespaceNotFound.
func (k *Kit) SubStrict(guildID string, namespace string) (Config, error) {
	cfg, err := k.GuildConfig(guildID)
	if err != nil {
		return nil, err
	}
	return cfg.Sub(namespace, false)
}

// Get reads a value from a guild config namespace. A value that was never
// written fails with ErrKeyNotFound, whether or not the namespace exists.
func (k *Kit) Get(guildID string, namespace string, key string) (any, error) {
	cfg, err := k.GuildConfig(guildID)
	if err != nil {
		return nil, err
	}

	value, err := cfg.Get(BuildPath(namespace, key))
	if err != nil {
		var pathErr *PathError
		if errors.As(err, &pathErr) && pathErr.Missing {
			return nil, fmt.Errorf(
				"%q: %w",
				BuildPath(namespace, key),
				ErrKeyNotFound,
			)
		}
		return nil, err
	}
	return value, nil
}

// Set writes a value to a guild config namespace and persists it. The
// namespace is created if needed. On a storage failure, the in-memory
// config is rolled back and the error is returned.
func (k *Kit) Set(
	guildID string,
	namespace string,
	key string,
	value any,
) error {
	return k.guildConfigs.Update(
		guildID,
		func(cfg Config) error {
			return cfg.Set(BuildPath(namespace, key), value)
		},
	)
}

// Delete removes a value from a guild config namespace and persists the
// change.
func (k *Kit) Delete(guildID string, namespace string, key string) error {
	return k.guildConfigs.Update(
		guildID,
		func(cfg Config) error {
			return cfg.Delete(BuildPath(namespace, key))
		},
	)
}

// Cfg resolves a scoped config path of the form "g/..." (the current
// guild's config) or "c/<name>/..." (a common config). Remaining path
// segments scope the returned config to a sub-namespace, created if
// needed.
func (k *Kit) Cfg(path string, guildID string) (Config, error) {
	keys := ParsePath(path)
	if len(keys) == 0 {
		return nil, emptyPathError(path)
	}

	switch keys[0] {
	case configScopeGuild:
		if guildID == "" {
			return nil, &PathError{
				Path:   path,
				At:     configScopeGuild,
				Reason: "requires a guild",
			}
		}
		cfg, err := k.GuildConfig(guildID)
		if err != nil {
			return nil, err
		}
		if len(keys) == 1 {
			return cfg, nil
		}
		return cfg.Sub(BuildPath(keys[1:]...), true)
	case configScopeCommon:
		if len(keys) < 2 {
			return nil, &PathError{
				Path:   path,
				At:     configScopeCommon,
				Reason: "requires a config name",
			}
		}
		cfg, err := k.CommonConfig(keys[1])
		if err != nil {
			return nil, err
		}
		if len(keys) == 2 {
			return cfg, nil
		}
		return cfg.Sub(BuildPath(keys[2:]...), true)
	default:
		return nil, &PathError{
			Path:   path,
			At:     keys[0],
			Reason: "must start with \"g\" or \"c\"",
		}
	}
}

// StartJob builds and enqueues a one-off job. The returned job's Wait
// method blocks until it finishes.
func (k *Kit) StartJob(
	ctx context.Context,
	guildID string,
	ownerID string,
	taskType string,
	props Properties,
) (*Job, error) {
	header := &JobHeader{
		TaskType:   taskType,
		Properties: props,
		OwnerID:    ownerID,
		GuildID:    guildID,
		StartTime:  time.Now().Unix(),
	}

	job, err := k.factory.CreateJob(header)
	if err != nil {
		return nil, err
	}
	if err = k.queue.Submit(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ScheduleJob creates a recurring job from a cron schedule string
// ("30 4 * * sun", or a macro form like "30 4 !weekly"). The returned
// header carries the assigned schedule ID.
func (k *Kit) ScheduleJob(
	ctx context.Context,
	guildID string,
	ownerID string,
	taskType string,
	schedule string,
	props Properties,
) (*CronHeader, error) {
	if !k.registry.Has(taskType) {
		return nil, fmt.Errorf("%q: %w", taskType, ErrUnknownTaskType)
	}

	header := &CronHeader{
		TaskType:   taskType,
		Properties: props,
		OwnerID:    ownerID,
		GuildID:    guildID,
		Schedule:   schedule,
	}
	if err := k.cron.Create(ctx, header); err != nil {
		return nil, err
	}
	return header, nil
}

// Ack reacts to a message with the configured acknowledgement emoji.
func (k *Kit) Ack(channelID string, messageID string) error {
	return Ack(k.session, channelID, messageID, k.config.AckEmoji)
}

// Run starts the kit's background loops (job queue, scheduler, and
// optionally the config watcher and admin API) and blocks until ctx is
// done or one of them fails.
func (k *Kit) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return k.queue.Run(groupCtx) })
	group.Go(func() error { return k.cron.Run(groupCtx) })

	if k.config.WatchConfigDir {
		group.Go(func() error { return k.guildConfigs.Watch(groupCtx) })
	}
	if k.api != nil {
		group.Go(func() error { return k.api.run(groupCtx) })
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
