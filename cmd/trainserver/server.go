package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nixpig/trainrunner/internal/auth"
	"github.com/nixpig/trainrunner/internal/jobmanager"
	"github.com/nixpig/trainrunner/internal/jobmanager/limits"
	"github.com/nixpig/trainrunner/internal/ratelimit"
	"github.com/nixpig/trainrunner/internal/redact"
	"github.com/nixpig/trainrunner/internal/registry"
	"github.com/nixpig/trainrunner/internal/scriptgen"
	"github.com/nixpig/trainrunner/internal/tlsconfig"
	"github.com/nixpig/trainrunner/internal/trainconfig"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	rateWindow        = time.Minute
	rateSweepInterval = 5 * time.Minute

	shutdownTimeout = 10 * time.Second
)

// Error codes returned to callers. The UI switches on these; messages are
// advisory and always pass through redaction.
const (
	codeValidationError    = "validation_error"
	codeRuntimeUnavailable = "runtime_unavailable"
	codeNotFound           = "not_found"
	codeInvalidState       = "invalid_state"
	codeForbidden          = "forbidden"
	codeRateLimited        = "rate_limited"
	codeInternal           = "internal_error"
)

type server struct {
	manager  *jobmanager.Manager
	generate scriptgen.Generator
	logger   *logrus.Logger
	cfg      *serverConfig

	limitGeneral  *ratelimit.Limiter
	limitStart    *ratelimit.Limiter
	limitValidate *ratelimit.Limiter
}

func newServer(
	manager *jobmanager.Manager,
	generate scriptgen.Generator,
	logger *logrus.Logger,
	cfg *serverConfig,
) *server {
	return &server{
		manager:       manager,
		generate:      generate,
		logger:        logger,
		cfg:           cfg,
		limitGeneral:  ratelimit.New(cfg.rateGeneralMax, rateWindow),
		limitStart:    ratelimit.New(cfg.rateStartMax, rateWindow),
		limitValidate: ratelimit.New(cfg.rateValidateMax, rateWindow),
	}
}

func runServer(ctx context.Context, cfg *serverConfig) error {
	logger := logrus.New()
	if cfg.debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	manager, err := jobmanager.NewManager(registry.NewMemoryStore(), jobmanager.Options{
		Runtime:               cfg.runtime,
		WorkRoot:              cfg.workRoot,
		VirtualMemoryMaxBytes: cfg.workerVMemMaxBytes,
		CgroupRoot:            cfg.cgroupRoot,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("create job manager: %w", err)
	}

	s := newServer(manager, scriptgen.Generate, logger, cfg)

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.host, strconv.Itoa(int(cfg.port))),
		Handler: s.router(),

		// No WriteTimeout: it would cut off long-lived event streams.
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.certPath != "" {
		tlsConfig, err := tlsconfig.SetupServerTLS(cfg.certPath, cfg.keyPath)
		if err != nil {
			return err
		}

		httpServer.TLSConfig = tlsConfig
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("server listening")

		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}

		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		s.limitGeneral.Run(ctx, rateSweepInterval)
		return nil
	})

	g.Go(func() error {
		s.limitStart.Run(ctx, rateSweepInterval)
		return nil
	})

	g.Go(func() error {
		s.limitValidate.Run(ctx, rateSweepInterval)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}

		manager.Shutdown()

		return nil
	})

	return g.Wait()
}

func (s *server) router() *gin.Engine {
	if !s.cfg.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1", s.rateLimit(s.limitGeneral))

	api.POST("/auth/validate", s.rateLimit(s.limitValidate), s.validateCredential)

	jobs := api.Group("/jobs", s.requireCredential)
	jobs.POST("", s.rateLimit(s.limitStart), s.startJob)
	jobs.GET("/:id", s.getJob)
	jobs.POST("/:id/stop", s.stopJob)
	jobs.GET("/:id/stream", s.streamJob)

	return r
}

func (s *server) startJob(c *gin.Context) {
	credential := c.GetString(credentialKey)

	var cfg trainconfig.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		s.writeError(c, http.StatusBadRequest, codeValidationError, "malformed training config")
		return
	}

	if err := cfg.Validate(); err != nil {
		s.writeError(c, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}

	if err := s.manager.CheckRuntime(c.Request.Context()); err != nil {
		s.logger.WithError(err).Warn("runtime probe failed")
		s.writeError(
			c,
			http.StatusServiceUnavailable,
			codeRuntimeUnavailable,
			"worker runtime is not available on this host",
		)
		return
	}

	program, err := s.generate(cfg)
	if err != nil {
		s.logger.WithError(err).Error("generate worker program")
		s.writeError(c, http.StatusInternalServerError, codeInternal, "failed to generate worker program")
		return
	}

	// The credential reaches the worker only through its environment, never
	// through the program text.
	env := append(os.Environ(),
		"TRAINER_API_KEY="+credential,
		"PYTHONUNBUFFERED=1",
	)

	job, err := s.manager.Spawn(credential, cfg, program, env, limits.Resources{
		MemoryMaxBytes: s.cfg.workerMemoryMaxBytes,
		CPUMaxPercent:  s.cfg.workerCPUMaxPercent,
	})
	if err != nil {
		s.logger.WithError(err).Error("spawn job")
		s.writeError(c, http.StatusInternalServerError, codeInternal, "failed to start job")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"jobId": job.ID})
}

func (s *server) getJob(c *gin.Context) {
	job, err := s.manager.Get(c.Param("id"), c.GetString(credentialKey))
	if err != nil {
		s.mapError(c, "get job", err)
		return
	}

	resp := gin.H{
		"jobId":     job.ID,
		"status":    job.Status,
		"startedAt": job.StartedAt,
		"lineCount": job.Output.Len(),
	}

	if !job.CompletedAt.IsZero() {
		resp["completedAt"] = job.CompletedAt
	}

	c.JSON(http.StatusOK, resp)
}

func (s *server) stopJob(c *gin.Context) {
	if err := s.manager.Stop(c.Param("id"), c.GetString(credentialKey)); err != nil {
		s.mapError(c, "stop job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *server) validateCredential(c *gin.Context) {
	var req struct {
		Key string `json:"key"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, codeValidationError, "malformed request body")
		return
	}

	if err := auth.ValidateCredential(req.Key); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"valid":   false,
			"message": "key failed format validation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// mapError translates jobmanager errors to HTTP error responses.
func (s *server) mapError(c *gin.Context, logMsg string, err error) {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		s.writeError(c, http.StatusNotFound, codeNotFound, "job not found")

	case errors.Is(err, jobmanager.ErrNotOwner):
		s.writeError(c, http.StatusForbidden, codeForbidden, "credential does not own this job")

	case errors.As(err, new(jobmanager.InvalidStateError)):
		s.writeError(c, http.StatusConflict, codeInvalidState, err.Error())

	default:
		s.logger.WithError(err).Error(logMsg)
		s.writeError(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

func (s *server) writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": redact.Sanitize(message),
		},
	})
}
