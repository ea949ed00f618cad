// Package health exposes liveness and readiness probes for the HTTP server.
package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Manager tracks whether the service has finished wiring its dependencies.
// Readiness is flipped on after startup and off again during shutdown so the
// load balancer drains traffic before connections are closed.
type Manager struct {
	ready     atomic.Bool
	startedAt time.Time
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{startedAt: time.Now()}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Liveness reports that the process is up. It never depends on downstream
// state, so a wedged database does not get the pod restarted.
func (m *Manager) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(m.startedAt).Round(time.Second).String(),
	})
}

func (m *Manager) Readiness(c *gin.Context) {
	if !m.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
