package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hotelhub/hotelmq/health"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/reliability"
)

const maxDeadLetterPage = 500

func (a *App) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware(a.Logger))
	router.Use(recoveryMiddleware(a.Logger))

	router.GET("/health", a.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/queues", a.listQueues)

	deadLetters := router.Group("/dead-letters")
	{
		deadLetters.GET("", a.listDeadLetters)
		deadLetters.GET("/:id", a.getDeadLetter)
		deadLetters.POST("/:id/replay", a.replayDeadLetter)
		deadLetters.DELETE("/:id", a.deleteDeadLetter)
	}

	return router
}

func (a *App) handleHealth(c *gin.Context) {
	report := a.health.Check(c.Request.Context())

	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// listQueues reports the backlog of every queue this service consumes.
func (a *App) listQueues(c *gin.Context) {
	queues := make([]rabbitmq.QueueStats, 0, len(a.subscriptions))
	for _, sub := range a.subscriptions {
		stats, err := a.Client.Topology().InspectQueue(c.Request.Context(), sub.Queue())
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "queue": sub.Queue()})
			return
		}
		queues = append(queues, stats)
	}
	c.JSON(http.StatusOK, gin.H{"queues": queues})
}

// listDeadLetters accepts queue, since, until (RFC 3339) and limit.
func (a *App) listDeadLetters(c *gin.Context) {
	filter := reliability.ErrorFilter{
		Queue:      c.Query("queue"),
		MaxResults: 100,
	}

	for param, target := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + param + ", expected RFC 3339"})
			return
		}
		*target = t
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.MaxResults = min(limit, maxDeadLetterPage)
	}

	messages, err := a.archiver.Store().List(c.Request.Context(), filter)
	if err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": messages, "count": len(messages)})
}

func (a *App) getDeadLetter(c *gin.Context) {
	msg, err := a.archiver.Store().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (a *App) replayDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if err := a.archiver.Replay(c.Request.Context(), id); err != nil {
		a.storeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "replayed"})
}

func (a *App) deleteDeadLetter(c *gin.Context) {
	if err := a.archiver.Store().Delete(c.Request.Context(), c.Param("id")); err != nil {
		a.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) storeError(c *gin.Context, err error) {
	if errors.Is(err, reliability.ErrMessageNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter not found"})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func loggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []interface{}{
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString("request_id"),
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, "error", msg)
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Errorw("http request", fields...)
		} else {
			log.Debugw("http request", fields...)
		}
	}
}

func recoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Errorw("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
			"method", c.Request.Method)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
