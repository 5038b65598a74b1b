package httpapi

import (
	"github.com/labstack/echo/v4"

	"cmdbgraph.io/core/cmdb"
	"cmdbgraph.io/core/conditional"
	"cmdbgraph.io/core/jobqueue"
	"cmdbgraph.io/core/progress"
	"cmdbgraph.io/core/ratelimit"
	"cmdbgraph.io/core/relationship"
	"cmdbgraph.io/core/temporal"
)

// Dependencies bundles every component the REST surface delegates to.
// Handlers are thin: they bind/validate the request and hand off here.
type Dependencies struct {
	CIs          *cmdb.Repository
	Relationships *relationship.Service
	Temporal     *temporal.Service
	Conditional  *conditional.Engine
	Jobs         *jobqueue.Broker
	Progress     *progress.Hub
	Limiter      *ratelimit.Limiter
}

// Register mounts every spec.md §6 endpoint on e, wrapping each group
// with the rate-limit class its operations belong to.
func Register(e *echo.Echo, deps Dependencies) {
	h := &handlers{deps: deps}

	read := ratelimit.Middleware(deps.Limiter, ratelimit.ClassRead)
	write := ratelimit.Middleware(deps.Limiter, ratelimit.ClassWrite)
	expensive := ratelimit.Middleware(deps.Limiter, ratelimit.ClassExpensive)
	destructive := ratelimit.Middleware(deps.Limiter, ratelimit.ClassDestructive)

	api := e.Group("/api")

	cis := api.Group("/cmdb/items")
	cis.GET("", h.listCIs, read)
	cis.POST("", h.createCI, write)
	cis.GET("/count", h.countCIs, read)
	cis.GET("/:id", h.getCI, read)
	cis.PUT("/:id", h.updateCI, write)
	cis.DELETE("/:id", h.deleteCI, destructive)
	cis.GET("/:id/relationships", h.ciRelationships, read)

	db := api.Group("/cmdb")
	db.GET("/topology", h.topology, expensive)
	db.GET("/topology/temporal", h.temporalTopology, expensive)
	db.GET("/impact/:id", h.impact, expensive)
	db.GET("/browse", h.browse, read)
	db.GET("/database/stats", h.databaseStats, read)
	db.DELETE("/database/clear", h.clearDatabase, destructive)
	db.GET("/failover-plan/:ciId", h.failoverPlan, expensive)

	rel := api.Group("/relationships")
	rel.POST("", h.createRelationship, write)
	rel.POST("/weighted", h.upsertWeightedRelationship, write)
	rel.GET("/weighted/:from/:to/:type", h.fetchWeightedRelationship, read)
	rel.POST("/calculate-weight", h.calculateWeight, read)
	rel.POST("/auto-calculate-weights", h.autoCalculateWeights, expensive)
	rel.GET("/shortest-path/:start/:end", h.shortestPath, expensive)
	rel.GET("/all-paths/:start/:end", h.allPaths, expensive)
	rel.GET("/criticality-rankings", h.criticalityRanking, expensive)

	rel.POST("/temporal", h.versionedCreate, write)
	rel.GET("/temporal/:from/:to/:type/history", h.temporalHistory, read)
	rel.GET("/temporal/:from/:to/:type/trend", h.weightTrend, read)
	rel.GET("/temporal/expiring", h.expiringRelationships, read)
	rel.POST("/temporal/scaling-event", h.scalingEvent, write)
	rel.PUT("/temporal/:id/update", h.updateTemporalWeight, write)

	cond := rel.Group("/conditional")
	cond.POST("", h.createConditionalRelationship, write)
	cond.POST("/evaluate", h.evaluateConditional, write)
	cond.POST("/simulate", h.simulate, expensive)
	cond.GET("/active", h.activeConditionalEdges, read)
	cond.GET("/stats", h.conditionalStats, read)
	cond.POST("/:id/activate", h.activateConditional, write)
	cond.POST("/:id/deactivate", h.deactivateConditional, write)
	cond.POST("/engine/start", h.startConditionalEngine, write)
	cond.POST("/engine/stop", h.stopConditionalEngine, write)

	jobs := api.Group("/jobs")
	jobs.GET("", h.listJobs, read)
	jobs.POST("", h.submitJob, expensive)
	jobs.GET("/:jobId", h.jobProgress, read)
	jobs.DELETE("/:jobId", h.cancelJob, write)
	jobs.GET("/history", h.jobHistory, read)

	queue := api.Group("/queue")
	queue.GET("/scales", h.queueScales, read)
	queue.GET("/stats", h.queueStats, read)

	e.GET("/ws/jobs/:jobId/progress", progress.WebSocketHandler(deps.Progress))
}

type handlers struct {
	deps Dependencies
}
