package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/throw-if-null/prime/internal/api"
)

type client struct {
	base string
	http *http.Client
}

func newClient(server string) *client {
	base := strings.TrimRight(server, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

// do sends a request and returns the raw body. Responses with a status of
// 400 or above become errors carrying the server's message.
func (c *client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return nil, err
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	b, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (c *client) submit(ctx context.Context, req api.CreateTaskRequest) (api.CreateTaskResponse, error) {
	var out api.CreateTaskResponse
	b, err := c.do(ctx, http.MethodPost, "/v1/goals", req)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(b, &out)
}

func (c *client) task(ctx context.Context, id int64) (api.TaskView, error) {
	var v api.TaskView
	return v, c.getJSON(ctx, "/v1/tasks/"+strconv.FormatInt(id, 10), &v)
}

func (c *client) cancel(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+strconv.FormatInt(id, 10)+"/cancel", nil)
	return err
}

func (c *client) tasks(ctx context.Context) ([]api.Task, error) {
	var out []api.Task
	return out, c.getJSON(ctx, "/v1/tasks", &out)
}

func (c *client) history(ctx context.Context, limit, offset int) ([]api.HistoryEntry, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out []api.HistoryEntry
	return out, c.getJSON(ctx, "/v1/history?"+q.Encode(), &out)
}

func (c *client) logs(ctx context.Context, id int64, tail int) ([]api.AuditEntry, error) {
	path := "/v1/tasks/" + strconv.FormatInt(id, 10) + "/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out []api.AuditEntry
	return out, c.getJSON(ctx, path, &out)
}

func (c *client) logFile(ctx context.Context, id int64, name string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/tasks/"+strconv.FormatInt(id, 10)+"/logs/"+url.PathEscape(name), nil)
}

func (c *client) status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	return out, c.getJSON(ctx, "/v1/status", &out)
}

// watch streams live events until ctx ends, the server closes the socket,
// or fn returns false.
func (c *client) watch(ctx context.Context, fn func(api.Event) bool) error {
	u := "ws" + strings.TrimPrefix(c.base, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev api.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if !fn(ev) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		}
	}
}
