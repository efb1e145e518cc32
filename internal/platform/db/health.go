package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Check probes one backing dependency.
type Check func(ctx context.Context) error

func PoolCheck(pool *pgxpool.Pool) Check {
	return pool.Ping
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler runs every check with a 5s budget and answers 503 if any fails.
func HealthHandler(checks map[string]Check) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make([]checkResult, 0, len(names))
		for _, name := range names {
			res := checkResult{Name: name, Status: "healthy"}
			if err := checks[name](ctx); err != nil {
				res.Status = "unhealthy"
				res.Error = err.Error()
				status = http.StatusServiceUnavailable
			}
			results = append(results, res)
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		return c.JSON(status, map[string]interface{}{
			"status": overall,
			"checks": results,
		})
	}
}
