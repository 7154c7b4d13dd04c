package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

func (a *API) register(c *gin.Context) {
	var req model.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, errdefs.Invalidf("decode register request: %v", err))
		return
	}
	reg, err := a.registry.Register(req.NodeID, req.Capabilities)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reg)
}

func (a *API) ping(c *gin.Context) {
	var req model.PingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, errdefs.Invalidf("decode ping: %v", err))
		return
	}
	if err := a.registry.Ping(req.NodeID, req.Status, req.CurrentTrialID); err != nil {
		a.fail(c, err)
		return
	}
	ok(c)
}

func (a *API) listNodes(c *gin.Context) {
	c.JSON(http.StatusOK, a.registry.List())
}

func (a *API) getNode(c *gin.Context) {
	n, err := a.registry.Get(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

// deregister Registry 本身幂等，HTTP 层对未知节点仍返回 404
func (a *API) deregister(c *gin.Context) {
	id := c.Param("id")
	if !a.registry.Deregister(id) {
		a.fail(c, errdefs.NotFoundf("node %s is not registered", id))
		return
	}
	ok(c)
}

func (a *API) appendLog(c *gin.Context) {
	var req model.LogUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, errdefs.Invalidf("decode log update: %v", err))
		return
	}
	if err := a.registry.AppendLog(c.Param("id"), req.Content); err != nil {
		a.fail(c, err)
		return
	}
	ok(c)
}

// streamLogs 长连接，每批新日志 flush 一次，客户端断开时结束
func (a *API) streamLogs(c *gin.Context) {
	ch, err := a.registry.StreamLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		batch, open := <-ch
		if !open {
			return false
		}
		for _, line := range batch {
			if _, err := io.WriteString(w, line+"\n"); err != nil {
				return false
			}
		}
		return true
	})
}
