// Package relay is a typed wrapper over one managed node's control API
// (C2): list/get/add/delete paths, get/patch the global config, list and
// kick sessions for each protocol family. Every operation here is bound by a
// caller-supplied context deadline; the client never retries or sleeps —
// timing belongs to callers (the Health Classifier, Remediation Engine,
// Fleet Synchronizer, Scheduler).
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relayfleet/controlplane/internal/errs"
	"github.com/relayfleet/controlplane/internal/logging"
)

// PathSource describes the upstream source MediaMTX reports for a path.
type PathSource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PathInfo is one entry from GET /v3/paths/list.
type PathInfo struct {
	Name          string      `json:"name"`
	Ready         bool        `json:"ready"`
	Source        *PathSource `json:"source"`
	ConfName      string      `json:"confName"`
	BytesReceived int64       `json:"bytesReceived"`
}

type pathsListResponse struct {
	ItemCount int        `json:"itemCount"`
	PageCount int        `json:"pageCount"`
	Items     []PathInfo `json:"items"`
}

// Session is one normalized session/connection record from a protocol's
// list endpoint. Exact shape varies by protocol on the wire; only the fields
// below are decoded.
type Session struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remoteAddr"`
	State      string `json:"state"`
	Created    string `json:"created"`
	BytesRecv  int64  `json:"bytesReceived"`
	BytesSent  int64  `json:"bytesSent"`
	Path       string `json:"path"`
	Transport  string `json:"transport"`
}

type sessionsListResponse struct {
	ItemCount int       `json:"itemCount"`
	PageCount int       `json:"pageCount"`
	Items     []Session `json:"items"`
}

// Client talks to exactly one node's control API. All operations are
// idempotent at the node and bounded by ctx; none retries.
type Client interface {
	ListPaths(ctx context.Context) ([]PathInfo, error)
	GetPathConfig(ctx context.Context, path string) (string, error)
	AddPath(ctx context.Context, path string, body []byte) error
	DeletePath(ctx context.Context, path string) error

	GetGlobalConfig(ctx context.Context) (string, error)
	PatchGlobalConfig(ctx context.Context, body []byte) error

	ListSessions(ctx context.Context, proto Protocol) ([]Session, error)
	KickSession(ctx context.Context, proto Protocol, id string) error
	ListRTSPSessionsOnPath(ctx context.Context, path string) ([]string, error)
}

type httpClient struct {
	base       string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPClient builds a Client bound to a node's control API base URL
// (e.g. "http://10.0.0.5:9997"), with the given request timeout used as a
// per-call fallback when ctx carries no earlier deadline.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *logging.Logger) Client {
	return &httpClient{
		base: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// acceptableMutationCodes are the success codes the spec names for
// add/delete/patch: {200, 201, 204}.
func acceptableMutationCodes(code int) bool {
	return code == 200 || code == 201 || code == 204
}

func (c *httpClient) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	url := c.base + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, errs.Transport("relay.request", "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, errs.Cancelled("relay.request", ctx.Err())
		}
		return nil, 0, errs.Transport("relay.request", fmt.Sprintf("node unreachable: %s %s", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errs.Transport("relay.read_body", "failed to read response body", err)
	}

	if c.logger != nil {
		c.logger.WithFields(logging.Fields{
			"method": method, "url": url, "status": resp.StatusCode,
		}).Debug("relay request")
	}

	return data, resp.StatusCode, nil
}

func (c *httpClient) ListPaths(ctx context.Context) ([]PathInfo, error) {
	data, status, err := c.do(ctx, http.MethodGet, pathsList, nil)
	if err != nil {
		return nil, err
	}
	if status != 200 {
		return nil, errs.BadStatus("relay.list_paths", status, string(data))
	}
	var resp pathsListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.Transport("relay.list_paths", "failed to decode paths response", err)
	}
	return resp.Items, nil
}

func (c *httpClient) GetPathConfig(ctx context.Context, path string) (string, error) {
	data, status, err := c.do(ctx, http.MethodGet, fmt.Sprintf(configPathsGet, path), nil)
	if err != nil {
		return "", err
	}
	if status != 200 {
		return "", errs.BadStatus("relay.get_path_config", status, string(data))
	}
	return string(data), nil
}

func (c *httpClient) AddPath(ctx context.Context, path string, body []byte) error {
	data, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf(configPathsAdd, path), body)
	if err != nil {
		return err
	}
	if !acceptableMutationCodes(status) {
		return errs.BadStatus("relay.add_path", status, string(data))
	}
	return nil
}

func (c *httpClient) DeletePath(ctx context.Context, path string) error {
	data, status, err := c.do(ctx, http.MethodDelete, fmt.Sprintf(configPathsDelete, path), nil)
	if err != nil {
		return err
	}
	if !acceptableMutationCodes(status) {
		return errs.BadStatus("relay.delete_path", status, string(data))
	}
	return nil
}

func (c *httpClient) GetGlobalConfig(ctx context.Context) (string, error) {
	data, status, err := c.do(ctx, http.MethodGet, configGlobalGet, nil)
	if err != nil {
		return "", err
	}
	if status != 200 {
		return "", errs.BadStatus("relay.get_global_config", status, string(data))
	}
	return string(data), nil
}

func (c *httpClient) PatchGlobalConfig(ctx context.Context, body []byte) error {
	data, status, err := c.do(ctx, http.MethodPatch, configGlobalPatch, body)
	if err != nil {
		return err
	}
	if !acceptableMutationCodes(status) {
		return errs.BadStatus("relay.patch_global_config", status, string(data))
	}
	return nil
}

func (c *httpClient) ListSessions(ctx context.Context, proto Protocol) ([]Session, error) {
	ep, ok := sessionEndpointTable[proto]
	if !ok {
		return nil, errs.State("relay.list_sessions", fmt.Sprintf("unknown protocol %q", proto))
	}
	data, status, err := c.do(ctx, http.MethodGet, ep.list, nil)
	if err != nil {
		return nil, err
	}
	if status == 404 {
		// 404 means the protocol is disabled on this node, not an error.
		return nil, nil
	}
	if status != 200 {
		return nil, errs.BadStatus("relay.list_sessions", status, string(data))
	}
	var resp sessionsListResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.Transport("relay.list_sessions", "failed to decode sessions response", err)
	}
	return resp.Items, nil
}

func (c *httpClient) KickSession(ctx context.Context, proto Protocol, id string) error {
	ep, ok := sessionEndpointTable[proto]
	if !ok {
		return errs.State("relay.kick_session", fmt.Sprintf("unknown protocol %q", proto))
	}
	data, status, err := c.do(ctx, http.MethodPost, fmt.Sprintf(ep.kick, id), nil)
	if err != nil {
		return err
	}
	if status == 404 {
		return nil
	}
	if !acceptableMutationCodes(status) {
		return errs.BadStatus("relay.kick_session", status, string(data))
	}
	return nil
}

// ListRTSPSessionsOnPath returns the RTSP session IDs bound to path.
func (c *httpClient) ListRTSPSessionsOnPath(ctx context.Context, path string) ([]string, error) {
	sessions, err := c.ListSessions(ctx, ProtocolRTSP)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range sessions {
		if s.Path == path {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}
