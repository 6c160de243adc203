package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type HealthInfo struct {
	Name      string
	Env       string
	StartedAt time.Time
}

type HealthHandler struct {
	info   HealthInfo
	checks map[string]Check
}

type dependencyStatus struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func NewHealthHandler(info HealthInfo, checks map[string]Check) *HealthHandler {
	return &HealthHandler{info: info, checks: checks}
}

func (h *HealthHandler) Check(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		allOK    = true
		statuses = make(map[string]dependencyStatus, len(h.checks))
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			status := dependencyStatus{OK: true}
			if err := check(ctx); err != nil {
				status = dependencyStatus{OK: false, Message: err.Error()}
			}
			mu.Lock()
			statuses[name] = status
			allOK = allOK && status.OK
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	statusCode := http.StatusOK
	if !allOK {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"app":          h.info.Name,
		"env":          h.info.Env,
		"uptime_sec":   int(time.Since(h.info.StartedAt).Seconds()),
		"dependencies": statuses,
	})
}
