package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"skatedm-client/internal/models"
)

// pollClientTimeout must exceed the gateway's long-poll hold (25s).
const pollClientTimeout = 40 * time.Second

type pollOpenResponse struct {
	SID string `json:"sid"`
}

func pollingDialer(o transportOptions) Dialer {
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: pollClientTimeout}
	}
	return func(ctx context.Context, ep Endpoint) (Conn, error) {
		u, err := namespaceURL(ep, false, "/poll")
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", ep.Token)
		openURL := *u
		openURL.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, openURL.String(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("polling open %s: %w", ep.Namespace, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return nil, fmt.Errorf("polling open %s: status %d", ep.Namespace, resp.StatusCode)
		}
		var open pollOpenResponse
		if err := json.NewDecoder(resp.Body).Decode(&open); err != nil || open.SID == "" {
			return nil, fmt.Errorf("polling open %s: no session id", ep.Namespace)
		}

		pctx, cancel := context.WithCancel(context.Background())
		return &pollConn{
			client: hc,
			base:   u,
			sid:    open.SID,
			ctx:    pctx,
			cancel: cancel,
		}, nil
	}
}

// pollConn emulates a duplex channel over long-poll GETs and emit POSTs.
type pollConn struct {
	client *http.Client
	base   *url.URL
	sid    string

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	buf []models.Frame // only touched by Read
}

func (c *pollConn) url(suffix string) string {
	u := *c.base
	u.Path += suffix
	q := url.Values{}
	q.Set("sid", c.sid)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *pollConn) Read() (models.Frame, error) {
	for len(c.buf) == 0 {
		frames, err := c.poll()
		if err != nil {
			return models.Frame{}, err
		}
		c.buf = frames
	}
	f := c.buf[0]
	c.buf = c.buf[1:]
	return f, nil
}

func (c *pollConn) poll() ([]models.Frame, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.url(""), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: session %s ended with status %d", c.sid, resp.StatusCode)
	}
	var frames []models.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("poll: %w: %v", errMalformedFrame, err)
	}
	return frames, nil
}

func (c *pollConn) Write(f models.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/emit"), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("emit: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("emit: status %d", resp.StatusCode)
	}
	return nil
}

func (c *pollConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url(""), nil)
		if err != nil {
			return
		}
		if resp, err := c.client.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

func (c *pollConn) Transport() string { return TransportPolling }
