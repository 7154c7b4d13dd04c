package ledger

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
	"kodu/pkg/optimize"
)

var _ optimize.Storage = (*Remote)(nil)

const (
	defaultRemoteTimeout = 30 * time.Second
	readRetries          = 3
)

// Remote Worker 端的 Storage 实现，每次调用对应一次 /ledger 请求。
// 只有 GET 会重试；创建 Trial 和写操作失败时结果未知，交给调用方决定。
type Remote struct {
	client *resty.Client
	logger *zap.Logger
}

type RemoteOption func(*Remote)

func WithTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) { r.client.SetTimeout(d) }
}

func WithRemoteLogger(l *zap.Logger) RemoteOption {
	return func(r *Remote) { r.logger = l }
}

// NewRemote baseURL 是注册时 Master 返回的 ledgerUrl
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(defaultRemoteTimeout),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.client.
		SetHeader("Content-Type", "application/json").
		SetRetryCount(readRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryReads).
		AddRetryHook(func(resp *resty.Response, err error) {
			if resp != nil && resp.Request != nil {
				r.logger.Debug("retrying ledger read", zap.String("url", resp.Request.URL), zap.Error(err))
			}
		})
	return r
}

// retryReads 只重试幂等的 GET：连接错误或 5xx
func retryReads(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != resty.MethodGet {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

func (r *Remote) request(ctx context.Context) *resty.Request {
	return r.client.R().SetContext(ctx).SetError(&model.ErrorResponse{})
}

// do 发送请求并把失败归类：无回复 / 解码失败 / 5xx => Transport，4xx => 对应 Kind
func (r *Remote) do(req *resty.Request, method, url string) error {
	resp, err := req.Execute(method, url)
	if err != nil {
		return errdefs.Transport(err, "ledger %s %s", method, url)
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

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func (r *Remote) GetStudyIDFromName(ctx context.Context, name string) (int64, error) {
	var out StudyIDResponse
	req := r.request(ctx).SetPathParam("name", name).SetResult(&out)
	if err := r.do(req, resty.MethodGet, "/study-ids/{name}"); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (r *Remote) GetStudyNameFromID(ctx context.Context, studyID int64) (string, error) {
	var out StudyNameResponse
	req := r.request(ctx).SetPathParam("id", itoa(studyID)).SetResult(&out)
	if err := r.do(req, resty.MethodGet, "/studies/{id}"); err != nil {
		return "", err
	}
	return out.Name, nil
}

func (r *Remote) GetStudyDirections(ctx context.Context, studyID int64) ([]model.Direction, error) {
	var out DirectionsResponse
	req := r.request(ctx).SetPathParam("id", itoa(studyID)).SetResult(&out)
	if err := r.do(req, resty.MethodGet, "/studies/{id}/directions"); err != nil {
		return nil, err
	}
	return out.Directions, nil
}

func (r *Remote) CreateNewTrial(ctx context.Context, studyID int64) (int64, error) {
	var out CreateTrialResponse
	req := r.request(ctx).SetPathParam("id", itoa(studyID)).SetResult(&out)
	if err := r.do(req, resty.MethodPost, "/studies/{id}/trials"); err != nil {
		return 0, err
	}
	return out.TrialID, nil
}

func (r *Remote) SetTrialParam(ctx context.Context, trialID int64, name string, internal float64, dist model.Distribution) error {
	desc, err := model.DistributionToJSON(dist)
	if err != nil {
		return errdefs.Invalidf("param %s: %v", name, err)
	}
	req := r.request(ctx).
		SetPathParam("id", itoa(trialID)).
		SetBody(SetParamRequest{Name: name, Value: internal, Distribution: desc})
	return r.do(req, resty.MethodPut, "/trials/{id}/params")
}

// SetTrialStateValues 被拒绝时返回 (false, nil)；传输错误原样返回，不折叠成 false
func (r *Remote) SetTrialStateValues(ctx context.Context, trialID int64, state model.TrialState, values []float64) (bool, error) {
	var out SetStateResponse
	req := r.request(ctx).
		SetPathParam("id", itoa(trialID)).
		SetBody(SetStateRequest{State: state, Values: values}).
		SetResult(&out)
	if err := r.do(req, resty.MethodPut, "/trials/{id}/state"); err != nil {
		return false, err
	}
	return out.Applied, nil
}

func (r *Remote) GetTrial(ctx context.Context, trialID int64) (*optimize.FrozenTrial, error) {
	var out model.Trial
	req := r.request(ctx).SetPathParam("id", itoa(trialID)).SetResult(&out)
	if err := r.do(req, resty.MethodGet, "/trials/{id}"); err != nil {
		return nil, err
	}
	ft, err := optimize.NewFrozenTrial(out)
	if err != nil {
		return nil, errdefs.Transport(err, "decode trial %d", trialID)
	}
	return ft, nil
}

func (r *Remote) GetAllTrials(ctx context.Context, studyID int64, states ...model.TrialState) ([]*optimize.FrozenTrial, error) {
	var out TrialsResponse
	req := r.request(ctx).SetPathParam("id", itoa(studyID)).SetResult(&out)
	if err := r.do(req, resty.MethodGet, "/studies/{id}/trials"); err != nil {
		return nil, err
	}

	keep := make(map[model.TrialState]bool, len(states))
	for _, s := range states {
		keep[s] = true
	}
	trials := make([]*optimize.FrozenTrial, 0, len(out.Trials))
	for _, t := range out.Trials {
		if len(keep) > 0 && !keep[t.State] {
			continue
		}
		ft, err := optimize.NewFrozenTrial(t)
		if err != nil {
			return nil, errdefs.Transport(err, "decode trials of study %d", studyID)
		}
		trials = append(trials, ft)
	}
	return trials, nil
}

// 以下操作不在 Ledger 覆盖范围内

func (r *Remote) CreateNewStudy(context.Context, []model.Direction, string) (int64, error) {
	return 0, errdefs.Unsupportedf("create study is not supported by the remote ledger")
}

func (r *Remote) DeleteStudy(context.Context, int64) error {
	return errdefs.Unsupportedf("delete study is not supported by the remote ledger")
}

func (r *Remote) SetStudyUserAttr(context.Context, int64, string, any) error {
	return errdefs.Unsupportedf("study user attributes are not supported by the remote ledger")
}

func (r *Remote) SetStudySystemAttr(context.Context, int64, string, any) error {
	return errdefs.Unsupportedf("study system attributes are not supported by the remote ledger")
}

func (r *Remote) GetStudyUserAttrs(context.Context, int64) (map[string]any, error) {
	return nil, errdefs.Unsupportedf("study user attributes are not supported by the remote ledger")
}

func (r *Remote) GetStudySystemAttrs(context.Context, int64) (map[string]any, error) {
	return nil, errdefs.Unsupportedf("study system attributes are not supported by the remote ledger")
}

func (r *Remote) GetAllStudies(context.Context) ([]optimize.FrozenStudy, error) {
	return nil, errdefs.Unsupportedf("listing studies is not supported by the remote ledger")
}

func (r *Remote) SetTrialIntermediateValue(context.Context, int64, int, float64) error {
	return errdefs.Unsupportedf("intermediate values are not supported by the remote ledger")
}

func (r *Remote) SetTrialUserAttr(context.Context, int64, string, any) error {
	return errdefs.Unsupportedf("trial user attributes are not supported by the remote ledger")
}

func (r *Remote) SetTrialSystemAttr(context.Context, int64, string, any) error {
	return errdefs.Unsupportedf("trial system attributes are not supported by the remote ledger")
}
