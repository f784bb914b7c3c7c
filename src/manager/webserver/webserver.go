package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nodeworks/agent-fleet/src/manager/archive"
	"github.com/nodeworks/agent-fleet/src/manager/configsync"
	"github.com/nodeworks/agent-fleet/src/manager/gateway"
)

// statusFor maps gateway-layer failures onto HTTP statuses so UI clients get
// one consistent classification.
func statusFor(err error) int {
	switch {
	case gateway.IsNotConnected(err):
		return http.StatusServiceUnavailable
	case gateway.IsTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, configsync.ErrHashConflict):
		return http.StatusConflict
	case errors.Is(err, archive.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrTransportClosed):
		return http.StatusBadGateway
	default:
		var remote *gateway.RPCError
		if errors.As(err, &remote) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"err": err.Error()})
}
