package websocket

import (
	"skatedm-client/internal/models"
)

// Transport names reported in logs.
const (
	transportWebsocket = "websocket"
	transportPolling   = "polling"
)

// Error codes carried in ErrorPayload.Code; they mirror HTTP statuses.
const (
	codeBadRequest = 400
	codeForbidden  = 403
	codeNotFound   = 404
)

// namespaces maps the :ns route segment to a real-time namespace.
var namespaces = map[string]string{
	"messages": models.NamespaceMessages,
	"feed":     models.NamespaceFeed,
}

func namespaceFromParam(param string) (string, bool) {
	ns, ok := namespaces[param]
	return ns, ok
}

// inboundFrame is a frame read from a client, waiting for the hub loop.
type inboundFrame struct {
	client *Client
	frame  models.Frame
}
