// Package client 是 Master HTTP 接口的 Go 客户端，Worker 和 kodu-cli 共用
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

const readRetries = 2

type Client struct {
	api    *resty.Client
	stream *resty.Client // 日志流没有整体超时
	logger *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	c := &Client{
		api: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetRetryCount(readRetries).
			SetRetryWaitTime(250 * time.Millisecond).
			AddRetryCondition(retryReads),
		stream: resty.New().SetBaseURL(baseURL),
		logger: logger,
	}
	c.api.AddRetryHook(func(resp *resty.Response, err error) {
		if resp != nil && resp.Request != nil {
			c.logger.Debug("retrying request", zap.String("url", resp.Request.URL), zap.Error(err))
		}
	})
	return c
}

// retryReads 只有 GET 是幂等的
func retryReads(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != resty.MethodGet {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

func (c *Client) r(ctx context.Context) *resty.Request {
	return c.api.R().SetContext(ctx).SetError(&model.ErrorResponse{})
}

// do 无回复 / 5xx => Transport，4xx => 对应 Kind
func do(req *resty.Request, method, url string) error {
	resp, err := req.Execute(method, url)
	if err != nil {
		return errdefs.Transport(err, "%s %s", method, url)
	}
	if resp.IsError() {
		detail := ""
		if body, ok := resp.Error().(*model.ErrorResponse); ok {
			detail = body.Detail
		}
		return errdefs.FromStatus(resp.StatusCode(), detail)
	}
	return nil
}

// rawError 读取未解析回复体里的 detail
func rawError(resp *resty.Response) error {
	var body model.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.RawBody(), 64<<10)).Decode(&body)
	return errdefs.FromStatus(resp.StatusCode(), body.Detail)
}

// --- 节点 ---

func (c *Client) Register(ctx context.Context, nodeID string, caps model.Capabilities) (model.Registration, error) {
	var out model.Registration
	req := c.r(ctx).SetBody(model.RegisterRequest{NodeID: nodeID, Capabilities: caps}).SetResult(&out)
	if err := do(req, resty.MethodPost, "/register"); err != nil {
		return model.Registration{}, err
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context, ping model.PingRequest) error {
	return do(c.r(ctx).SetBody(ping), resty.MethodPost, "/ping")
}

func (c *Client) Deregister(ctx context.Context, nodeID string) error {
	return do(c.r(ctx).SetPathParam("id", nodeID), resty.MethodDelete, "/node/{id}")
}

func (c *Client) AppendLog(ctx context.Context, nodeID, content string) error {
	req := c.r(ctx).SetPathParam("id", nodeID).SetBody(model.LogUpdate{Content: content})
	return do(req, resty.MethodPost, "/node/{id}/logs")
}

func (c *Client) ListNodes(ctx context.Context) ([]model.Node, error) {
	var out []model.Node
	if err := do(c.r(ctx).SetResult(&out), resty.MethodGet, "/node"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	var out model.Node
	if err := do(c.r(ctx).SetPathParam("id", nodeID).SetResult(&out), resty.MethodGet, "/node/{id}"); err != nil {
		return model.Node{}, err
	}
	return out, nil
}

// StreamLogs 把日志逐行交给 fn，直到 ctx 取消或服务端关闭连接
func (c *Client) StreamLogs(ctx context.Context, nodeID string, fn func(line string)) error {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("id", nodeID).
		Get("/node/{id}/logs")
	if err != nil {
		return errdefs.Transport(err, "stream logs of %s", nodeID)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return rawError(resp)
	}

	sc := bufio.NewScanner(body)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return errdefs.Transport(err, "stream logs of %s", nodeID)
	}
	return nil
}

// --- Study ---

func (c *Client) CreateStudy(ctx context.Context, req model.CreateStudyRequest) (model.Study, error) {
	var out model.Study
	if err := do(c.r(ctx).SetBody(req).SetResult(&out), resty.MethodPost, "/study"); err != nil {
		return model.Study{}, err
	}
	return out, nil
}

func (c *Client) ListStudies(ctx context.Context) ([]model.Study, error) {
	var out []model.Study
	if err := do(c.r(ctx).SetResult(&out), resty.MethodGet, "/study"); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStudy(ctx context.Context, name string) (model.Study, error) {
	var out model.Study
	if err := do(c.r(ctx).SetPathParam("name", name).SetResult(&out), resty.MethodGet, "/study/{name}"); err != nil {
		return model.Study{}, err
	}
	return out, nil
}

// RequestStudy 没有可运行的 Study 时返回 NotFound
func (c *Client) RequestStudy(ctx context.Context) (model.Study, error) {
	var out model.Study
	if err := do(c.r(ctx).SetResult(&out), resty.MethodGet, "/study/request"); err != nil {
		return model.Study{}, err
	}
	return out, nil
}

func (c *Client) ActivateStudy(ctx context.Context, name string) (model.Study, error) {
	return c.setState(ctx, name, "activate")
}

func (c *Client) PauseStudy(ctx context.Context, name string) (model.Study, error) {
	return c.setState(ctx, name, "pause")
}

func (c *Client) setState(ctx context.Context, name, action string) (model.Study, error) {
	var out model.Study
	req := c.r(ctx).SetPathParams(map[string]string{"name": name, "action": action}).SetResult(&out)
	if err := do(req, resty.MethodPut, "/study/{name}/{action}"); err != nil {
		return model.Study{}, err
	}
	return out, nil
}

func (c *Client) UploadCodebase(ctx context.Context, name string, archive io.Reader) error {
	req := c.r(ctx).
		SetPathParam("name", name).
		SetHeader("Content-Type", "application/zip").
		SetBody(archive)
	return do(req, resty.MethodPut, "/study/{name}/codebase")
}

// DownloadCodebase 把 zip 写到 w
func (c *Client) DownloadCodebase(ctx context.Context, name string, w io.Writer) error {
	resp, err := c.api.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetPathParam("name", name).
		Get("/study/{name}/codebase")
	if err != nil {
		return errdefs.Transport(err, "download codebase of %s", name)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return rawError(resp)
	}
	if _, err := io.Copy(w, body); err != nil {
		return errdefs.Transport(err, "download codebase of %s", name)
	}
	return nil
}
