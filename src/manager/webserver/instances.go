package webserver

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nodeworks/agent-fleet/src/manager/data"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
	"github.com/nodeworks/agent-fleet/src/manager/types"
)

type Instances struct {
	Store data.InstanceStore
	Reg   *gateway.Registry
}

func NewInstances(store data.InstanceStore, reg *gateway.Registry) Instances {
	return Instances{Store: store, Reg: reg}
}

// GET /v1/instances
func (h Instances) List(c *gin.Context) {
	instances, err := h.Store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(instances))
	for _, inst := range instances {
		out = append(out, gin.H{
			"id":        inst.ID,
			"name":      inst.Name,
			"endpoint":  inst.Endpoint,
			"status":    inst.Status,
			"version":   inst.Version,
			"connected": h.Reg.IsConnected(inst.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}

// POST /v1/instances/:id/connect
func (h Instances) Connect(c *gin.Context) {
	id := c.Param("id")
	inst, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "instance not found"})
		return
	}
	if err := h.Reg.Connect(c.Request.Context(), inst.ID, inst.Endpoint, inst.Secret); err != nil {
		if err := h.Store.SetStatus(c.Request.Context(), inst.ID, types.StatusError); err != nil {
			log.Printf("webserver: set status %s: %v", inst.ID, err)
		}
		c.JSON(http.StatusBadGateway, gin.H{"err": err.Error()})
		return
	}
	version := ""
	if conn, err := h.Reg.Client(inst.ID); err == nil {
		version = conn.RuntimeVersion()
	}
	if err := h.Store.SetObserved(c.Request.Context(), inst.ID, types.StatusOnline, version); err != nil {
		log.Printf("webserver: set status %s: %v", inst.ID, err)
	}
	c.JSON(http.StatusOK, gin.H{"connected": true})
}

// POST /v1/instances/:id/disconnect
func (h Instances) Disconnect(c *gin.Context) {
	id := c.Param("id")
	h.Reg.Disconnect(id)
	if err := h.Store.SetStatus(c.Request.Context(), id, types.StatusOffline); err != nil {
		log.Printf("webserver: set status %s: %v", id, err)
	}
	c.JSON(http.StatusOK, gin.H{"connected": false})
}

// GET /v1/instances/:id/status
func (h Instances) Status(c *gin.Context) {
	id := c.Param("id")
	inst, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"err": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        inst.ID,
		"status":    inst.Status,
		"connected": h.Reg.IsConnected(inst.ID),
	})
}
