package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/meshcrypto"
)

func (s *Server) registerIdentityRoutes(g *gin.RouterGroup) {
	g.POST("/agents", s.registerAgent)
	g.GET("/agents", s.listAgents)
	g.GET("/agents/:did", s.getAgent)
	g.POST("/agents/:did/credentials", s.issueCredential)
	g.POST("/credentials/verify", s.verifyCredential)
	g.POST("/chains/verify", s.verifyChain)

	admin := g.Group("", s.adminOnly())
	admin.POST("/agents/:did/revoke", s.revokeAgent)
	admin.POST("/agents/:did/suspend", s.suspendAgent)
	admin.POST("/agents/:did/reinstate", s.reinstateAgent)
	admin.POST("/sponsors", s.registerSponsor)
}

type registerAgentRequest struct {
	PublicKey    string   `json:"public_key" binding:"required"`
	Sponsor      string   `json:"sponsor"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) registerAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pub, err := meshcrypto.DecodeKey(req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	did, cred, err := s.mesh.Register(c.Request.Context(), pub, req.Sponsor, req.Capabilities)
	if err != nil {
		s.identityError(c, err)
		return
	}
	RecordRegistration()
	if s.rotator != nil {
		s.rotator.Track(cred)
	}

	token, err := s.mesh.Registry().BearerToken(cred)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"did":          did,
		"credential":   cred,
		"bearer_token": token,
	})
}

type registerSponsorRequest struct {
	Name         string   `json:"name" binding:"required"`
	PublicKey    string   `json:"public_key" binding:"required"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) registerSponsor(c *gin.Context) {
	var req registerSponsorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pub, err := meshcrypto.DecodeKey(req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	did, err := s.mesh.Registry().RegisterSponsor(req.Name, pub, req.Capabilities)
	if err != nil {
		s.identityError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"did": did, "name": req.Name})
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.mesh.Registry().List()})
}

func (s *Server) getAgent(c *gin.Context) {
	ident, err := s.mesh.Registry().Get(c.Param("did"))
	if err != nil {
		s.identityError(c, err)
		return
	}
	c.JSON(http.StatusOK, ident)
}

type issueCredentialRequest struct {
	Capabilities []string `json:"capabilities"`
	TTLSeconds   int      `json:"ttl_seconds"`
}

func (s *Server) issueCredential(c *gin.Context) {
	var req issueCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cred, err := s.mesh.Registry().IssueCredential(
		c.Param("did"), req.Capabilities, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.identityError(c, err)
		return
	}
	if s.rotator != nil {
		s.rotator.Track(cred)
	}
	token, err := s.mesh.Registry().BearerToken(cred)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"credential": cred, "bearer_token": token})
}

func (s *Server) verifyCredential(c *gin.Context) {
	var cred identity.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mesh.Registry().VerifyCredential(&cred); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

type verifyChainRequest struct {
	Chain identity.Chain `json:"chain" binding:"required"`
}

func (s *Server) verifyChain(c *gin.Context) {
	var req verifyChainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.mesh.Registry().VerifyChain(req.Chain)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":                  true,
		"effective_capabilities": result.EffectiveCapabilities,
		"root_sponsor":           result.RootSponsor,
		"subject_did":            result.SubjectDID,
	})
}

type revokeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) revokeAgent(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	changed, err := s.mesh.Revoke(c.Request.Context(), c.Param("did"), req.Reason)
	if err != nil {
		s.identityError(c, err)
		return
	}
	if changed {
		RecordRevocation()
		if s.rotator != nil {
			s.rotator.Untrack(c.Param("did"))
		}
	}
	c.JSON(http.StatusOK, gin.H{"revoked": changed})
}

func (s *Server) suspendAgent(c *gin.Context) {
	if err := s.mesh.Registry().Suspend(c.Param("did")); err != nil {
		s.identityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": identity.StatusSuspended})
}

func (s *Server) reinstateAgent(c *gin.Context) {
	if err := s.mesh.Registry().Reinstate(c.Param("did")); err != nil {
		s.identityError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": identity.StatusActive})
}

// identityError maps identity sentinels to HTTP statuses.
func (s *Server) identityError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, identity.ErrUnknownAgent):
		status = http.StatusNotFound
	case errors.Is(err, identity.ErrInvalidKey),
		errors.Is(err, identity.ErrCapabilityEscalation),
		errors.Is(err, identity.ErrDepthExceeded):
		status = http.StatusBadRequest
	case errors.Is(err, identity.ErrRevoked),
		errors.Is(err, identity.ErrSuspended),
		errors.Is(err, identity.ErrExpired),
		errors.Is(err, identity.ErrBadSignature),
		errors.Is(err, mesh.ErrRegistrationRejected):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("identity operation failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
