// Package api 是 Master 的 HTTP 入口 (gin)
package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kodu/internal/master/registry"
	"kodu/internal/master/scheduler"
	"kodu/internal/master/study"
	"kodu/pkg/errdefs"
	"kodu/pkg/ledger"
	"kodu/pkg/model"
)

// API 所有 handler 共享的依赖，启动时构造一次
type API struct {
	registry  *registry.Registry
	studies   *study.Service
	scheduler *scheduler.Scheduler
	ledger    ledger.Ledger
	logger    *zap.Logger
}

func New(reg *registry.Registry, studies *study.Service, sched *scheduler.Scheduler, l ledger.Ledger, logger *zap.Logger) *API {
	return &API{
		registry:  reg,
		studies:   studies,
		scheduler: sched,
		ledger:    l,
		logger:    logger,
	}
}

// Router 注册全部路由
func (a *API) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(a.logger), recovery(a.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, model.StatusResponse{Status: "ok"})
	})

	// 节点
	r.POST("/register", a.register)
	r.POST("/ping", a.ping)
	r.GET("/node", a.listNodes)
	r.GET("/node/:id", a.getNode)
	r.DELETE("/node/:id", a.deregister)
	r.POST("/node/:id/logs", a.appendLog)
	r.GET("/node/:id/logs", a.streamLogs)

	// Study
	r.POST("/study", a.createStudy)
	r.GET("/study", a.listStudies)
	r.GET("/study/request", a.requestStudy)
	r.GET("/study/:name", a.getStudy)
	r.PUT("/study/:name/activate", a.activateStudy)
	r.PUT("/study/:name/pause", a.pauseStudy)
	r.PUT("/study/:name/codebase", a.uploadCodebase)
	r.GET("/study/:name/codebase", a.downloadCodebase)

	ledger.NewServer(a.ledger).Register(r.Group("/ledger"))
	return r
}

// fail 按错误类别写 {"detail": ...}
func (a *API) fail(c *gin.Context, err error) {
	code := errdefs.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, model.ErrorResponse{Detail: err.Error()})
}

func ok(c *gin.Context) {
	c.JSON(http.StatusOK, model.StatusResponse{Status: "ok"})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		// 心跳和日志上报太频繁，只在 debug 下输出
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.FullPath() == "/ping" || c.FullPath() == "/node/:id/logs":
			logger.Debug("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		logger.Error("handler panic", zap.Any("panic", rec), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, model.ErrorResponse{Detail: "internal error"})
	})
}
