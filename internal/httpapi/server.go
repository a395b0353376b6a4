package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hihihowru/forum-autoposter-sub001/internal/schedule"
	"github.com/hihihowru/forum-autoposter-sub001/internal/scheduler"
	"github.com/hihihowru/forum-autoposter-sub001/internal/store"
	logx "github.com/hihihowru/forum-autoposter-sub001/pkg/logx"
)

// Server is the operator-facing control surface: a thin gin binding over the
// scheduler's control API. It carries no auth of its own and is meant to be
// bound to localhost or an internal network.
type Server struct {
	api    *scheduler.API
	log    logx.Logger
	engine *gin.Engine
	srv    *http.Server
}

func New(api *scheduler.API, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{api: api, log: log.With(logx.String("component", "httpapi")), engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)

	g := s.engine.Group("/api")
	g.POST("/schedules", s.create)
	g.GET("/schedules", s.list)
	g.GET("/schedules/:id", s.get)
	g.POST("/schedules/:id/start", s.start)
	g.POST("/schedules/:id/cancel", s.cancel)
	g.POST("/schedules/:id/execute", s.execute)
	g.PUT("/schedules/:id/auto-posting", s.autoPosting)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving on addr. It returns once the listener is running;
// serve errors after that are logged, not returned.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("control api listening", logx.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control api serve failed", logx.Err(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createScheduleRequest mirrors the rows upstream batch tooling produces.
// Timing fields are accepted as-is; validation happens lazily at run time.
type createScheduleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`

	ScheduleType       string `json:"schedule_type" binding:"required"`
	DailyExecutionTime string `json:"daily_execution_time"`
	WeekdaysOnly       bool   `json:"weekdays_only"`
	Timezone           string `json:"timezone"`
	IntervalSeconds    int    `json:"interval_seconds"`

	AutoPosting     bool `json:"auto_posting"`
	MaxPostsPerHour int  `json:"max_posts_per_hour"`

	GenerationConfig map[string]any `json:"generation_config"`
	BatchInfo        map[string]any `json:"batch_info"`
	PostIDs          []string       `json:"post_ids"`

	SourceBatchID      string `json:"source_batch_id"`
	SourceExperimentID string `json:"source_experiment_id"`
}

func (s *Server) create(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, scheduler.Result{Message: "invalid request: " + err.Error()})
		return
	}

	def := &schedule.Definition{
		Name:               req.Name,
		Description:        req.Description,
		CreatedBy:          req.CreatedBy,
		Type:               schedule.Type(req.ScheduleType),
		DailyExecutionTime: req.DailyExecutionTime,
		WeekdaysOnly:       req.WeekdaysOnly,
		Timezone:           req.Timezone,
		IntervalSeconds:    req.IntervalSeconds,
		AutoPosting:        req.AutoPosting,
		MaxPostsPerHour:    req.MaxPostsPerHour,
		GenerationConfig:   schedule.JSONMap(req.GenerationConfig),
		BatchInfo:          schedule.JSONMap(req.BatchInfo),
		PostIDs:            schedule.StringList(req.PostIDs),
		SourceBatchID:      req.SourceBatchID,
		SourceExperimentID: req.SourceExperimentID,
	}

	res := s.api.Create(c.Request.Context(), def)
	if !res.OK {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) list(c *gin.Context) {
	defs, err := s.api.Schedules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, scheduler.Result{Message: "list failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": defs, "count": len(defs)})
}

func (s *Server) get(c *gin.Context) {
	id := c.Param("id")
	def, links, history, err := s.api.Schedule(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, scheduler.Result{Message: "schedule " + id + " not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, scheduler.Result{Message: "get failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"schedule":    def,
		"posts":       links,
		"recent_runs": history,
		"supervised":  s.api.Supervised(id),
	})
}

func (s *Server) start(c *gin.Context) {
	s.result(c, s.api.Start(c.Request.Context(), c.Param("id")))
}

func (s *Server) cancel(c *gin.Context) {
	s.result(c, s.api.Cancel(c.Request.Context(), c.Param("id")))
}

func (s *Server) execute(c *gin.Context) {
	s.result(c, s.api.ExecuteNow(c.Request.Context(), c.Param("id")))
}

type autoPostingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) autoPosting(c *gin.Context) {
	var req autoPostingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, scheduler.Result{Message: "invalid request: " + err.Error()})
		return
	}
	s.result(c, s.api.SetAutoPosting(c.Request.Context(), c.Param("id"), *req.Enabled))
}

// result maps the control API's uniform envelope onto HTTP: failures are 400,
// successes 200, both with the same body shape.
func (s *Server) result(c *gin.Context, res scheduler.Result) {
	if !res.OK {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
