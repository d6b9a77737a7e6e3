package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/idregistry"
	"github.com/ceyewan/gidkit/uid"
)

const maxSnowflakeBatch = 1000

type server struct {
	reg      idregistry.Registry
	ids      uid.Provider
	health   func(ctx context.Context) error
	gatherer prometheus.Gatherer
	logger   clog.Logger
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(s.traceMiddleware(), s.loggingMiddleware(), gin.CustomRecovery(s.recover))

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.GET("/globalid", s.globalID)
	v1.GET("/ready", s.ready)
	v1.GET("/snowflake", s.snowflake)
	return r
}

// traceMiddleware 沿用请求中的 X-Trace-ID，没有时生成 UUID v7
func (s *server) traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = s.ids.GetUUIDV7()
		}
		c.Request = c.Request.WithContext(clog.WithTraceID(c.Request.Context(), traceID))
		c.Header("X-Trace-ID", traceID)
		c.Next()
	}
}

func (s *server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []clog.Field{
			clog.String("method", c.Request.Method),
			clog.String("path", c.Request.URL.Path),
			clog.Int("status", status),
			clog.Duration("latency", time.Since(start)),
		}
		if traceID, ok := clog.TraceID(c.Request.Context()); ok {
			fields = append(fields, clog.String("trace_id", traceID))
		}
		if status >= http.StatusInternalServerError {
			s.logger.Warn("request failed", append(fields, clog.String("error", c.Errors.String()))...)
			return
		}
		s.logger.Debug("request completed", fields...)
	}
}

func (s *server) recover(c *gin.Context, err any) {
	s.logger.Error("panic in handler", clog.Any("panic", err), clog.String("path", c.Request.URL.Path))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}

func (s *server) healthz(c *gin.Context) {
	if err := s.health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) globalID(c *gin.Context) {
	id, ok := s.reg.GlobalID()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"globalId":          id,
		"identity":          s.reg.Identity(),
		"topic":             s.reg.Topic(),
		"mode":              s.reg.Mode(),
		"sessionTimeout":    s.reg.SessionTimeout().String(),
		"heartbeatInterval": s.reg.HeartbeatInterval().String(),
	})
}

func (s *server) ready(c *gin.Context) {
	expected, err := strconv.Atoi(c.Query("expected"))
	if err != nil || expected < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected must be a non-negative integer"})
		return
	}

	err = s.reg.CheckAfterAllReady(c.Request.Context(), expected)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"ready": true, "expected": expected})
	case errors.Is(err, idregistry.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"ready": false, "expected": expected, "error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
	}
}

func (s *server) snowflake(c *gin.Context) {
	count := 1
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSnowflakeBatch {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be in [1, 1000]"})
			return
		}
		count = n
	}

	ids := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		id, err := s.ids.GenerateSnowflake()
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		ids = append(ids, id)
	}
	c.JSON(http.StatusOK, gin.H{"instanceId": s.ids.InstanceID(), "ids": ids})
}
