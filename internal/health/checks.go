package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database is a critical check: the booking ledger cannot serve without it.
func Database(db Pinger) Check {
	return Check{
		Name:     "database",
		Critical: true,
		Timeout:  2 * time.Second,
		Run: func(ctx context.Context) Status {
			if err := db.PingContext(ctx); err != nil {
				return Status{Healthy: false, Detail: err.Error()}
			}
			return Status{Healthy: true}
		},
	}
}

// Chain checks that the node returns a head block. A down node degrades
// the service without taking it out of rotation.
func Chain(head func(ctx context.Context) (uint64, error)) Check {
	return Check{
		Name:    "chain",
		Timeout: 3 * time.Second,
		Run: func(ctx context.Context) Status {
			n, err := head(ctx)
			if err != nil {
				return Status{Healthy: false, Detail: err.Error()}
			}
			return Status{Healthy: true, Detail: fmt.Sprintf("head block %d", n)}
		},
	}
}

// Handler serves the report as JSON: 200 when healthy or degraded, 503
// when a critical check fails.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := r.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !report.Ready() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	}
}
