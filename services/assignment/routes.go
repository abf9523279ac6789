package assignment

import (
	"net/http"
	"strconv"

	"accessplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

// Routes exposes the thin poll/submit surface. The operator-facing UI and
// its auth live in a separate layer; these handlers only translate JSON to
// service calls.
var Routes = fx.Module("assignment.routes",
	fx.Invoke(registerRoutes),
)

func registerRoutes(engine *gin.Engine, svc *Service) {
	v1 := engine.Group("/v1")
	v1.POST("/jobs", submitJob(svc))
	v1.GET("/jobs", listJobs(svc))
	v1.GET("/jobs/:id", getJobStatus(svc))
	v1.POST("/jobs/:id/cancel", cancelJob(svc))
}

func submitJob(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
			return
		}

		jobID, err := svc.SubmitJob(c.Request.Context(), req)
		if err != nil {
			c.Error(err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
	}
}

func getJobStatus(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.GetJobStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.Error(err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func listJobs(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		jobs, err := svc.ListJobs(c.Request.Context(), c.Query("requester_id"), limit, offset)
		if err != nil {
			c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

func cancelJob(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.CancelJob(c.Request.Context(), c.Param("id")); err != nil {
			c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	}
}
