package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

// createStudy 重名返回 400 而不是 409
func (a *API) createStudy(c *gin.Context) {
	var req model.CreateStudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.fail(c, errdefs.Invalidf("decode study: %v", err))
		return
	}
	st, err := a.studies.Create(c.Request.Context(), req.Study())
	if errdefs.IsConflict(err) {
		c.AbortWithStatusJSON(http.StatusBadRequest, model.ErrorResponse{Detail: err.Error()})
		return
	}
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) listStudies(c *gin.Context) {
	studies, err := a.studies.List(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, studies)
}

func (a *API) getStudy(c *gin.Context) {
	st, err := a.studies.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// requestStudy 空闲 Worker 轮询的入口，没有可运行 Study 时 404
func (a *API) requestStudy(c *gin.Context) {
	st, err := a.scheduler.SelectEligible(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	if st == nil {
		a.fail(c, errdefs.NotFoundf("no running study"))
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) activateStudy(c *gin.Context) {
	st, err := a.studies.Activate(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) pauseStudy(c *gin.Context) {
	st, err := a.studies.Pause(c.Request.Context(), c.Param("name"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) uploadCodebase(c *gin.Context) {
	if _, err := a.studies.SaveCodebase(c.Request.Context(), c.Param("name"), c.Request.Body); err != nil {
		a.fail(c, err)
		return
	}
	ok(c)
}

func (a *API) downloadCodebase(c *gin.Context) {
	name := c.Param("name")
	path, err := a.studies.CodebasePath(c.Request.Context(), name)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.FileAttachment(path, name+".zip")
}
