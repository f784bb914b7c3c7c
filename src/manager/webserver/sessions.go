package webserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nodeworks/agent-fleet/src/manager/archive"
	"github.com/nodeworks/agent-fleet/src/manager/data"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
)

// disconnectedPeer stands in for the adapter when the instance has no live
// connection, so the pipeline takes its unreachable path.
type disconnectedPeer struct{}

func (disconnectedPeer) ChatHistory(context.Context, string, int) ([]gateway.RemoteMessage, error) {
	return nil, gateway.ErrNotConnected
}

func (disconnectedPeer) SessionsDelete(context.Context, string) (bool, error) {
	return false, gateway.ErrNotConnected
}

type Sessions struct {
	Reg      *gateway.Registry
	Pipeline *archive.Pipeline
	Store    data.SessionStore
}

// POST /v1/instances/:id/sessions/:key/reset
//
// Archives the session's remote history, deletes the remote state, and marks
// the session inactive. Peer-unreachable still resets; a storage failure
// does not.
func (h Sessions) Reset(c *gin.Context) {
	instanceID := c.Param("id")
	sessionKey := c.Param("key")

	adapter, err := h.Reg.Adapter(instanceID)
	if err != nil && !gateway.IsNotConnected(err) {
		fail(c, err)
		return
	}

	if _, err := h.Store.Ensure(c.Request.Context(), instanceID, sessionKey); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": err.Error()})
		return
	}

	var peer archive.PeerSession = disconnectedPeer{}
	if adapter != nil {
		peer = adapter
	}
	res, err := h.Pipeline.Archive(c.Request.Context(), peer, instanceID, sessionKey)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"batchId":         res.BatchID,
		"rows":            res.Rows,
		"peerUnreachable": res.PeerUnreachable,
	})
}
