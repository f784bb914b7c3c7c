package webserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nodeworks/agent-fleet/src/manager/configsync"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
)

type Configs struct {
	Reg *gateway.Registry
}

func (h Configs) sync(c *gin.Context) (*configsync.Synchronizer, bool) {
	adapter, err := h.Reg.Adapter(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return configsync.New(adapter), true
}

// GET /v1/instances/:id/config
func (h Configs) Get(c *gin.Context) {
	sync, ok := h.sync(c)
	if !ok {
		return
	}
	base, err := sync.Fetch(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": base.Config, "hash": base.Hash})
}

// PATCH /v1/instances/:id/config
//
// The UI sends the document it fetched and the document it wants, plus the
// hash it fetched at. The diff is built server-side so redaction sentinels
// never reach the peer.
func (h Configs) Patch(c *gin.Context) {
	var req struct {
		Old      map[string]interface{} `json:"old" binding:"required"`
		New      map[string]interface{} `json:"new" binding:"required"`
		BaseHash string                 `json:"baseHash" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad payload"})
		return
	}
	sync, ok := h.sync(c)
	if !ok {
		return
	}
	base, err := sync.Push(c.Request.Context(), req.Old, req.New, req.BaseHash)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": base.Config, "hash": base.Hash})
}

// GET /v1/instances/:id/config/schema
func (h Configs) Schema(c *gin.Context) {
	sync, ok := h.sync(c)
	if !ok {
		return
	}
	schema, err := sync.Schema(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", schema)
}
