package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/policy"
)

func (s *Server) registerPolicyRoutes(g *gin.RouterGroup) {
	g.GET("/policies", s.listPolicies)
	g.POST("/evaluate", s.evaluate)
	g.GET("/approvals", s.listApprovals)

	admin := g.Group("", s.adminOnly())
	admin.POST("/policies", s.loadPolicy)
	admin.DELETE("/policies/:id", s.unloadPolicy)
	admin.POST("/approvals/:id/resolve", s.resolveApproval)
}

// loadPolicy accepts a YAML or JSON policy document as the request body.
func (s *Server) loadPolicy(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.mesh.Policy().Load(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"policy_id": id})
}

func (s *Server) listPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policies": s.mesh.Policy().Policies()})
}

func (s *Server) unloadPolicy(c *gin.Context) {
	if !s.mesh.Policy().Unload(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown policy"})
		return
	}
	c.Status(http.StatusNoContent)
}

type evaluateRequest struct {
	DID     string         `json:"did" binding:"required"`
	Context map[string]any `json:"context"`
	// Wait blocks a require_approval decision until it is resolved or
	// times out, and folds the verdict into the response.
	Wait bool `json:"wait"`
}

func (s *Server) evaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := s.mesh.Authorize(c.Request.Context(), req.DID, req.Context)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownAgent) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	RecordDecision(string(decision.Action))

	resp := gin.H{"decision": decision}
	if decision.Action == policy.ActionRequireApproval {
		a := s.approvals.Submit(req.DID, decision)
		resp["approval_id"] = a.ID
		if req.Wait {
			approved := s.approvals.Wait(a)
			resp["approved"] = approved
			decision.Allowed = approved
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": s.approvals.Pending()})
}

type resolveApprovalRequest struct {
	Approved bool `json:"approved"`
}

func (s *Server) resolveApproval(c *gin.Context) {
	var req resolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.approvals.Resolve(c.Param("id"), req.Approved); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "approved": req.Approved})
}
