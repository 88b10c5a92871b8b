/*
Mailprobe - Email address verification service.
Copyright © 2024 Mailprobe contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foxcpp/mailprobe/internal/audit"
	"github.com/foxcpp/mailprobe/internal/validator"
)

const maxBatchSize = 1000

type validateRequest struct {
	Email         string `json:"email" binding:"required"`
	CheckMX       *bool  `json:"check_mx"`
	CheckSMTP     bool   `json:"check_smtp"`
	CheckCatchAll bool   `json:"check_catch_all"`
	SMTPFrom      string `json:"smtp_from"`
}

func (r validateRequest) toRequest() validator.Request {
	checkMX := true
	if r.CheckMX != nil {
		checkMX = *r.CheckMX
	}
	return validator.Request{
		Email:         r.Email,
		CheckMX:       checkMX,
		CheckSMTP:     r.CheckSMTP,
		CheckCatchAll: r.CheckCatchAll,
		SMTPFrom:      r.SMTPFrom,
	}
}

func (e *Endpoint) handleValidate(c *gin.Context) {
	var body validateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	res, err := e.deps.Validator.Validate(c.Request.Context(), body.toRequest())
	if err != nil {
		e.log.Error("validation failed", err, "email", body.Email)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
		return
	}

	e.auditEvent(c, audit.EventValidation, http.StatusOK, map[string]interface{}{
		"is_valid": res.IsValid,
		"status":   string(res.Status),
		"cached":   res.Cached,
	})
	c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Emails        []string `json:"emails" binding:"required"`
	BatchSize     int      `json:"batch_size"`
	CheckMX       *bool    `json:"check_mx"`
	CheckSMTP     bool     `json:"check_smtp"`
	CheckCatchAll bool     `json:"check_catch_all"`
	SMTPFrom      string   `json:"smtp_from"`
}

func (e *Endpoint) handleValidateBatch(c *gin.Context) {
	var body batchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if len(body.Emails) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "emails must not be empty"})
		return
	}
	if len(body.Emails) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "batch too large"})
		return
	}

	batchSize := body.BatchSize
	if batchSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "batch_size must be positive"})
		return
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	opts := validateRequest{
		CheckMX:       body.CheckMX,
		CheckSMTP:     body.CheckSMTP,
		CheckCatchAll: body.CheckCatchAll,
		SMTPFrom:      body.SMTPFrom,
	}.toRequest()
	results := e.deps.Validator.ValidateBatch(c.Request.Context(), body.Emails, opts, batchSize)

	e.auditEvent(c, audit.EventValidation, http.StatusOK, map[string]interface{}{
		"batch_size": len(body.Emails),
	})
	c.JSON(http.StatusOK, gin.H{
		"total":   len(results),
		"results": results,
	})
}

func (e *Endpoint) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	components := map[string]string{}
	for name, check := range e.deps.Checks {
		if err := check(ctx); err != nil {
			components[name] = "error: " + err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":     "degraded",
			"components": components,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"components": components,
	})
}

func (e *Endpoint) handleReadiness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
