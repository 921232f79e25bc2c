package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/trust"
)

func (s *Server) registerTrustRoutes(g *gin.RouterGroup) {
	g.GET("/trust/:did", s.trustScore)
	g.GET("/trust/:did/history", s.trustHistory)
	g.POST("/trust/signals", s.trustSignal)

	admin := g.Group("", s.adminOnly())
	admin.POST("/experiments", s.startExperiment)
	admin.GET("/experiments/active", s.activeExperiment)
	admin.POST("/experiments/:id/adopt", s.adoptExperiment)
	admin.POST("/experiments/:id/end", s.endExperiment)
}

func (s *Server) trustScore(c *gin.Context) {
	snap, err := s.mesh.Trust().Score(c.Param("did"))
	if err != nil {
		s.trustError(c, err)
		return
	}
	resp := gin.H{"score": snap}
	if exp := s.mesh.Trust().ActiveExperiment(); exp != nil {
		resp["experiment_arm"] = s.mesh.Trust().Assignment(snap.DID)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) trustHistory(c *gin.Context) {
	history, err := s.mesh.Trust().History(c.Param("did"))
	if err != nil {
		s.trustError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"did": c.Param("did"), "history": history})
}

// signalRequest carries one behavioral signal. Dimension selects which of
// the optional field groups applies.
type signalRequest struct {
	DID       string          `json:"did" binding:"required"`
	Dimension trust.Dimension `json:"dimension" binding:"required"`

	// policy_compliance
	Compliant  bool   `json:"compliant"`
	PolicyName string `json:"policy_name"`

	// resource_efficiency
	Used   float64 `json:"used"`
	Budget float64 `json:"budget"`

	// output_quality
	Accepted bool   `json:"accepted"`
	Consumer string `json:"consumer"`

	// security_posture
	WithinBoundary bool   `json:"within_boundary"`
	EventType      string `json:"event_type"`

	// collaboration_health
	HandoffSuccessful bool   `json:"handoff_successful"`
	PeerDID           string `json:"peer_did"`
}

func (s *Server) trustSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tr := s.mesh.Trust()
	var err error
	switch req.Dimension {
	case trust.DimPolicyCompliance:
		err = tr.RecordPolicyCompliance(req.DID, req.Compliant, req.PolicyName)
	case trust.DimResourceEfficiency:
		err = tr.RecordResourceUsage(req.DID, req.Used, req.Budget)
	case trust.DimOutputQuality:
		err = tr.RecordOutputQuality(req.DID, req.Accepted, req.Consumer)
	case trust.DimSecurityPosture:
		err = tr.RecordSecurityEvent(req.DID, req.WithinBoundary, req.EventType)
	case trust.DimCollaboration:
		err = tr.RecordCollaboration(req.DID, req.HandoffSuccessful, req.PeerDID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown dimension"})
		return
	}
	if err != nil {
		s.trustError(c, err)
		return
	}
	RecordTrustSignal(string(req.Dimension))

	snap, err := tr.Score(req.DID)
	if err != nil {
		s.trustError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"score": snap})
}

type startExperimentRequest struct {
	Control   trust.Weights `json:"control" binding:"required"`
	Treatment trust.Weights `json:"treatment" binding:"required"`
	Fraction  float64       `json:"fraction" binding:"required"`
}

func (s *Server) startExperiment(c *gin.Context) {
	var req startExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	exp, err := s.mesh.Trust().StartExperiment(req.Control, req.Treatment, req.Fraction)
	if err != nil {
		if errors.Is(err, trust.ErrExperimentActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, exp)
}

func (s *Server) activeExperiment(c *gin.Context) {
	exp := s.mesh.Trust().ActiveExperiment()
	if exp == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active experiment"})
		return
	}
	c.JSON(http.StatusOK, exp)
}

func (s *Server) adoptExperiment(c *gin.Context) {
	if err := s.mesh.Trust().AdoptTreatment(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adopted": true})
}

func (s *Server) endExperiment(c *gin.Context) {
	if err := s.mesh.Trust().EndExperiment(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

func (s *Server) trustError(c *gin.Context, err error) {
	if errors.Is(err, trust.ErrUnknownAgent) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
