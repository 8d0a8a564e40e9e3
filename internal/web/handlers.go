// internal/web/handlers.go - Target, rule, state and event endpoints
package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pagewatch/internal/database"
	"pagewatch/internal/monitoring"
)

// TargetRequest is the body for creating or replacing a target. Interval is a
// Go duration string; empty means the configured default.
type TargetRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	URL          string `json:"url" binding:"required"`
	Selector     string `json:"selector" binding:"required"`
	SelectorType string `json:"selector_type"`
	Interval     string `json:"interval"`
	Session      string `json:"session"`
	Enabled      *bool  `json:"enabled"`
}

func (r *TargetRequest) toTarget() (*database.Target, error) {
	target := &database.Target{
		ID:           r.ID,
		Name:         r.Name,
		Description:  r.Description,
		URL:          r.URL,
		Selector:     r.Selector,
		SelectorType: database.SelectorType(r.SelectorType),
		Session:      r.Session,
		Enabled:      r.Enabled == nil || *r.Enabled,
	}
	if r.Interval != "" {
		d, err := time.ParseDuration(r.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", r.Interval, err)
		}
		target.PollInterval = d
	}
	return target, nil
}

type RuleRequest struct {
	ID                 string `json:"id"`
	TargetID           string `json:"target_id" binding:"required"`
	Description        string `json:"description"`
	Condition          string `json:"condition" binding:"required"`
	Threshold          string `json:"threshold"`
	ActionURL          string `json:"action_url"`
	ActionSelector     string `json:"action_selector"`
	ActionSelectorType string `json:"action_selector_type"`
	Notify             bool   `json:"notify"`
	Enabled            *bool  `json:"enabled"`
}

func (r *RuleRequest) toRule() *database.Rule {
	return &database.Rule{
		ID:                 r.ID,
		TargetID:           r.TargetID,
		Description:        r.Description,
		Condition:          database.Condition(r.Condition),
		Threshold:          r.Threshold,
		ActionURL:          r.ActionURL,
		ActionSelector:     r.ActionSelector,
		ActionSelectorType: database.SelectorType(r.ActionSelectorType),
		Notify:             r.Notify,
		Enabled:            r.Enabled == nil || *r.Enabled,
	}
}

// TargetResponse is a target with its last observation and rule count.
type TargetResponse struct {
	*database.Target
	Interval string                `json:"interval"`
	State    *database.TargetState `json:"state,omitempty"`
	Rules    int                   `json:"rules"`
}

// GET /api/targets
func (s *Server) getTargets(c *gin.Context) {
	ctx := c.Request.Context()

	filters := database.TargetFilters{Session: c.Query("session")}
	if enabledStr := c.Query("enabled"); enabledStr != "" {
		enabled := enabledStr == "true"
		filters.Enabled = &enabled
	}

	targets, err := s.engine.Store().GetTargets(ctx, filters)
	if err != nil {
		respondError(c, err, "Failed to get targets")
		return
	}
	rules, err := s.engine.Store().GetRules(ctx, database.RuleFilters{})
	if err != nil {
		respondError(c, err, "Failed to get rules")
		return
	}
	states, err := s.engine.TargetStates(ctx)
	if err != nil {
		respondError(c, err, "Failed to get states")
		return
	}

	ruleCounts := make(map[string]int)
	for _, r := range rules {
		ruleCounts[r.TargetID]++
	}
	stateByTarget := make(map[string]database.TargetState, len(states))
	for _, st := range states {
		stateByTarget[st.TargetID] = st
	}

	response := make([]TargetResponse, 0, len(targets))
	for i := range targets {
		t := &targets[i]
		resp := TargetResponse{Target: t, Interval: t.PollInterval.String(), Rules: ruleCounts[t.ID]}
		if st, ok := stateByTarget[t.ID]; ok {
			resp.State = &st
		}
		response = append(response, resp)
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  response,
		"count": len(response),
	})
}

// GET /api/targets/:id
func (s *Server) getTarget(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	target, err := s.engine.Store().GetTarget(ctx, id)
	if err != nil {
		respondError(c, err, "Failed to get target")
		return
	}

	resp := TargetResponse{Target: target, Interval: target.PollInterval.String()}
	if st, err := s.engine.TargetState(ctx, id); err == nil {
		resp.State = st
	}
	if rules, err := s.engine.Store().GetRules(ctx, database.RuleFilters{TargetID: id}); err == nil {
		resp.Rules = len(rules)
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// POST /api/targets
func (s *Server) createTarget(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := req.toTarget()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.engine.AddTarget(c.Request.Context(), target); err != nil {
		respondError(c, err, "Failed to create target")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": target})
}

// PUT /api/targets/:id
func (s *Server) updateTarget(c *gin.Context) {
	var req TargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := req.toTarget()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target.ID = c.Param("id")

	if err := s.engine.UpdateTarget(c.Request.Context(), target); err != nil {
		respondError(c, err, "Failed to update target")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": target})
}

// DELETE /api/targets/:id
func (s *Server) deleteTarget(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.RemoveTarget(c.Request.Context(), id); err != nil {
		respondError(c, err, "Failed to delete target")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Target deleted", "id": id})
}

// POST /api/targets/:id/enable and /disable
func (s *Server) setTargetEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.engine.SetTargetEnabled(c.Request.Context(), id, enabled); err != nil {
			respondError(c, err, "Failed to update target")
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
	}
}

// GET /api/targets/:id/state
func (s *Server) getTargetState(c *gin.Context) {
	state, err := s.engine.TargetState(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to get target state")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": state})
}

// GET /api/targets/:id/rules
func (s *Server) getTargetRules(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.engine.Store().GetTarget(ctx, id); err != nil {
		respondError(c, err, "Failed to get target")
		return
	}
	rules, err := s.engine.Store().GetRules(ctx, database.RuleFilters{TargetID: id})
	if err != nil {
		respondError(c, err, "Failed to get rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules, "count": len(rules)})
}

// GET /api/rules
func (s *Server) getRules(c *gin.Context) {
	filters := database.RuleFilters{TargetID: c.Query("target")}
	if enabledStr := c.Query("enabled"); enabledStr != "" {
		enabled := enabledStr == "true"
		filters.Enabled = &enabled
	}

	rules, err := s.engine.Store().GetRules(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err, "Failed to get rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rules, "count": len(rules)})
}

// GET /api/rules/:id
func (s *Server) getRule(c *gin.Context) {
	rule, err := s.engine.Store().GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to get rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rule})
}

// POST /api/rules
func (s *Server) createRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := req.toRule()
	if err := s.engine.AddRule(c.Request.Context(), rule); err != nil {
		respondError(c, err, "Failed to create rule")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": rule})
}

// PUT /api/rules/:id
func (s *Server) updateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule := req.toRule()
	rule.ID = c.Param("id")
	if err := s.engine.UpdateRule(c.Request.Context(), rule); err != nil {
		respondError(c, err, "Failed to update rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rule})
}

// DELETE /api/rules/:id
func (s *Server) deleteRule(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.RemoveRule(c.Request.Context(), id); err != nil {
		respondError(c, err, "Failed to delete rule")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Rule deleted", "id": id})
}

func (s *Server) setRuleEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.engine.SetRuleEnabled(c.Request.Context(), id, enabled); err != nil {
			respondError(c, err, "Failed to update rule")
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
	}
}

// GET /api/states
func (s *Server) getStates(c *gin.Context) {
	states, err := s.engine.TargetStates(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to get states")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": states, "count": len(states)})
}

// GET /api/events?limit=50&target=id
func (s *Server) getEvents(c *gin.Context) {
	limit := 100
	if limitStr := c.Query("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	events := s.engine.Events(limit, c.Query("target"))
	if events == nil {
		events = []monitoring.EventRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    events,
		"count":   len(events),
		"dropped": s.engine.DroppedEvents(),
	})
}
