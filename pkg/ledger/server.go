package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

// Server 把 Ledger 暴露成 /ledger 下的 HTTP 接口
type Server struct {
	ledger Ledger
}

func NewServer(l Ledger) *Server {
	return &Server{ledger: l}
}

// Register 挂到给定的路由组上 (通常是 /ledger)
func (s *Server) Register(g gin.IRouter) {
	g.GET("/study-ids/:name", s.studyID)
	g.GET("/studies/:id", s.studyName)
	g.GET("/studies/:id/directions", s.directions)
	g.POST("/studies/:id/trials", s.createTrial)
	g.GET("/studies/:id/trials", s.trials)
	g.PUT("/trials/:id/params", s.setParam)
	g.PUT("/trials/:id/state", s.setState)
	g.GET("/trials/:id", s.trial)
}

func fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errdefs.HTTPStatus(err), model.ErrorResponse{Detail: err.Error()})
}

func pathID(c *gin.Context) (int64, bool) {
	v, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, errdefs.Invalidf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return v, true
}

func (s *Server) studyID(c *gin.Context) {
	id, err := s.ledger.StudyID(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StudyIDResponse{ID: id})
}

func (s *Server) studyName(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	name, err := s.ledger.StudyName(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StudyNameResponse{Name: name})
}

func (s *Server) directions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	dirs, err := s.ledger.Directions(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, DirectionsResponse{Directions: dirs})
}

func (s *Server) createTrial(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	trialID, err := s.ledger.CreateTrial(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, CreateTrialResponse{TrialID: trialID})
}

func (s *Server) trials(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	trials, err := s.ledger.Trials(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TrialsResponse{Trials: trials})
}

func (s *Server) setParam(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req SetParamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Invalidf("decode param: %v", err))
		return
	}
	if err := s.ledger.SetParam(c.Request.Context(), id, req.Name, req.Value, req.Distribution); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, model.StatusResponse{Status: "ok"})
}

func (s *Server) setState(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req SetStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errdefs.Invalidf("decode state: %v", err))
		return
	}
	applied, err := s.ledger.SetStateValues(c.Request.Context(), id, req.State, req.Values)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SetStateResponse{Applied: applied})
}

func (s *Server) trial(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	t, err := s.ledger.Trial(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
