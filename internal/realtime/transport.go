package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"skatedm-client/internal/models"
)

// Transport names accepted in DM_TRANSPORTS.
const (
	TransportWebsocket = "websocket"
	TransportPolling   = "polling"
)

var (
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrConnectFailed    = errors.New("realtime: reconnection attempts exhausted")
	ErrClosed           = errors.New("realtime: closed")
	ErrNoToken          = errors.New("realtime: token is required")
	ErrUnknownTransport = errors.New("realtime: unknown transport")
	ErrOutboxFull       = errors.New("realtime: outbound queue full")

	// errMalformedFrame is returned by Conn.Read for a frame that could not be
	// decoded; the connection stays usable.
	errMalformedFrame = errors.New("malformed frame")
)

// Conn is one established transport session. Read blocks until a frame
// arrives or the session ends. Write may be called concurrently with Read.
type Conn interface {
	Read() (models.Frame, error)
	Write(models.Frame) error
	Close() error
	Transport() string
}

// Endpoint identifies what to dial.
type Endpoint struct {
	GatewayURL string
	Namespace  string
	Token      string
}

// Dialer opens a Conn. ctx bounds only the connect phase.
type Dialer func(ctx context.Context, ep Endpoint) (Conn, error)

// TransportDialer tries each named transport in order and returns the first
// that connects.
func TransportDialer(transports []string, opts ...TransportOption) (Dialer, error) {
	o := transportOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	dialers := make([]Dialer, 0, len(transports))
	for _, name := range transports {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case TransportWebsocket:
			dialers = append(dialers, websocketDialer(o))
		case TransportPolling:
			dialers = append(dialers, pollingDialer(o))
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
		}
	}
	if len(dialers) == 0 {
		return nil, fmt.Errorf("%w: none configured", ErrUnknownTransport)
	}
	return func(ctx context.Context, ep Endpoint) (Conn, error) {
		var errs []error
		for _, d := range dialers {
			c, err := d(ctx, ep)
			if err == nil {
				return c, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return nil, errors.Join(errs...)
	}, nil
}

// namespaceURL joins the gateway URL and namespace, switching the scheme to
// ws/wss or http/https as requested.
func namespaceURL(ep Endpoint, websocket bool, suffix string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(ep.GatewayURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	secure := u.Scheme == "wss" || u.Scheme == "https"
	switch {
	case websocket && secure:
		u.Scheme = "wss"
	case websocket:
		u.Scheme = "ws"
	case secure:
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	ns := ep.Namespace
	if !strings.HasPrefix(ns, "/") {
		ns = "/" + ns
	}
	u.Path += ns + suffix
	return u, nil
}
