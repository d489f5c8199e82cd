package guildkit

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const apiShutdownTimeout = 5 * time.Second

// APIConfig configures the HTTP admin API. The API exposes guild configs,
// running jobs and schedules for inspection and remote management.
type APIConfig struct {
	// Listen is the address to serve on ("127.0.0.1:8080"). Empty
	// disables the API.
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen"`

	// Token is required as a bearer token on every request.
	Token string `yaml:"token" mapstructure:"token" json:"-" validate:"required"`

	// ReadTimeout and WriteTimeout apply to the underlying http.Server.
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
}

type apiServer struct {
	kit    *Kit
	config APIConfig
	logger *slog.Logger
	engine *gin.Engine
}

func newAPIServer(kit *Kit, config APIConfig, logger *slog.Logger) *apiServer {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &apiServer{
		kit:    kit,
		config: config,
		logger: logger.With(loggerNameKey, "api"),
		engine: engine,
	}

	api := engine.Group("/api", s.authRequired)
	api.GET("/guilds", s.listGuilds)
	api.GET("/guilds/:guild_id/config/*path", s.getGuildConfig)
	api.PUT("/guilds/:guild_id/config/*path", s.setGuildConfig)
	api.DELETE("/guilds/:guild_id/config/*path", s.deleteGuildConfig)
	api.GET("/jobs", s.listJobs)
	api.DELETE("/jobs/:id", s.cancelJob)
	api.GET("/schedules", s.listSchedules)
	api.POST("/schedules", s.createSchedule)
	api.DELETE("/schedules/:id", s.deleteSchedule)
	api.POST("/schedules/:id/run", s.runSchedule)

	return s
}

// authRequired rejects requests without the configured bearer token.
func (s *apiServer) authRequired(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare(
		[]byte(token),
		[]byte(s.config.Token),
	) != 1 {
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			gin.H{"error": "invalid or missing token"},
		)
		return
	}
	c.Next()
}

func (s *apiServer) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin api", "listen", s.config.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			apiShutdownTimeout,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("admin api stopped")
		return ctx.Err()
	}
}

func (s *apiServer) listGuilds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"guilds": s.kit.GuildConfigs().IDs()})
}

// configStatus maps config errors to HTTP status codes.
func configStatus(err error) int {
	var pathErr *PathError
	switch {
	case errors.Is(err, ErrKeyNotFound),
		errors.Is(err, ErrNamespaceNotFound),
		errors.Is(err, ErrConfigNotFound):
		return http.StatusNotFound
	case errors.As(err, &pathErr):
		if pathErr.Missing {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) getGuildConfig(c *gin.Context) {
	cfg, err := s.kit.GuildConfig(c.Param("guild_id"))
	if err != nil {
		c.JSON(configStatus(err), gin.H{"error": err.Error()})
		return
	}

	path := strings.Trim(c.Param("path"), "/")
	if path == "" {
		c.JSON(http.StatusOK, gin.H{"value": cfg.Snapshot()})
		return
	}

	value, err := cfg.Get(path)
	if err != nil {
		c.JSON(configStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": value})
}

type setConfigRequest struct {
	Value any `json:"value" binding:"required"`
}

func (s *apiServer) setGuildConfig(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	if path == "" {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"error": "cannot set the config root"},
		)
		return
	}

	var req setConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.kit.GuildConfigs().Update(
		c.Param("guild_id"),
		func(cfg Config) error {
			return cfg.Set(path, req.Value)
		},
	)
	if err != nil {
		c.JSON(configStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": req.Value})
}

func (s *apiServer) deleteGuildConfig(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	if path == "" {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"error": "cannot delete the config root"},
		)
		return
	}

	err := s.kit.GuildConfigs().Update(
		c.Param("guild_id"),
		func(cfg Config) error {
			return cfg.Delete(path)
		},
	)
	if err != nil {
		c.JSON(configStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *apiServer) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.kit.Queue().Jobs()})
}

func (s *apiServer) cancelJob(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	err = s.kit.Queue().Cancel(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *apiServer) listSchedules(c *gin.Context) {
	filter := CronFilter{
		GuildID:  c.Query("guild_id"),
		OwnerID:  c.Query("owner_id"),
		TaskType: c.Query("task_type"),
	}
	c.JSON(http.StatusOK, gin.H{"schedules": s.kit.Cron().Filter(filter)})
}

type createScheduleRequest struct {
	GuildID    string     `json:"guild_id" binding:"required"`
	OwnerID    string     `json:"owner_id"`
	TaskType   string     `json:"task_type" binding:"required"`
	Schedule   string     `json:"schedule" binding:"required"`
	Properties Properties `json:"properties"`
}

func (s *apiServer) createSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	header, err := s.kit.ScheduleJob(
		c.Request.Context(),
		req.GuildID,
		req.OwnerID,
		req.TaskType,
		req.Schedule,
		req.Properties,
	)
	var parseErr *ScheduleParseError
	switch {
	case errors.Is(err, ErrUnknownTaskType), errors.As(err, &parseErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, header)
	}
}

func (s *apiServer) deleteSchedule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}

	err = s.kit.Cron().Delete(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *apiServer) runSchedule(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}

	job, err := s.kit.Cron().RunNow(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, job.Header)
	}
}
