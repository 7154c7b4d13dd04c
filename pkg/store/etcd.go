package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"kodu/pkg/errdefs"
	"kodu/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const StudyKeyPrefix = "/kodu/studies/"

// 乐观锁冲突时最多重试的次数
const maxCASRetries = 16

// EtcdStore 每个 Study 一个 key，所有写操作都是带 Revision 条件的事务 (CAS)，
// 多个 Master 实例共享同一个 etcd 时不需要额外的文件锁
type EtcdStore struct {
	client *clientv3.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewEtcdStore 初始化 Etcd 连接
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: cli, logger: logger, now: time.Now}, nil
}

func (e *EtcdStore) Create(ctx context.Context, study model.Study) (model.Study, error) {
	created := study.Clone()
	if created.State == "" {
		created.State = model.StudyCreated
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = e.now().UTC()
	}
	bytes, err := json.Marshal(created)
	if err != nil {
		return model.Study{}, err
	}

	key := StudyKeyPrefix + study.Name
	// CreateRevision == 0 说明 key 不存在，检查和写入在同一个事务里
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(bytes))).
		Commit()
	if err != nil {
		return model.Study{}, fmt.Errorf("etcd create study %s: %w", study.Name, err)
	}
	if !resp.Succeeded {
		return model.Study{}, errdefs.Conflictf("study %s already exists", study.Name)
	}
	return created, nil
}

func (e *EtcdStore) GetByName(ctx context.Context, name string) (model.Study, error) {
	study, _, err := e.get(ctx, name)
	return study, err
}

func (e *EtcdStore) GetAll(ctx context.Context) ([]model.Study, error) {
	// 获取 /kodu/studies/ 下的所有 Key
	resp, err := e.client.Get(ctx, StudyKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list studies: %w", err)
	}

	studies := make(map[string]model.Study, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var s model.Study
		if err := json.Unmarshal(kv.Value, &s); err != nil {
			e.logger.Warn("failed to unmarshal study", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		studies[s.Name] = s
	}
	return sortStudies(studies), nil
}

func (e *EtcdStore) Activate(ctx context.Context, name string) (model.Study, error) {
	return e.setState(ctx, name, model.StudyRunning)
}

func (e *EtcdStore) Pause(ctx context.Context, name string) (model.Study, error) {
	return e.setState(ctx, name, model.StudyPaused)
}

func (e *EtcdStore) Close() error {
	return e.client.Close()
}

// setState 读 -> 改 -> 以 ModRevision 为条件写回，被别人抢先就重读重试
func (e *EtcdStore) setState(ctx context.Context, name string, state model.StudyState) (model.Study, error) {
	key := StudyKeyPrefix + name
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		study, rev, err := e.get(ctx, name)
		if err != nil {
			return model.Study{}, err
		}
		if study.State == state {
			return study, nil
		}
		study.State = state

		bytes, err := json.Marshal(study)
		if err != nil {
			return model.Study{}, err
		}
		resp, err := e.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(clientv3.OpPut(key, string(bytes))).
			Commit()
		if err != nil {
			return model.Study{}, fmt.Errorf("etcd update study %s: %w", name, err)
		}
		if resp.Succeeded {
			return study, nil
		}
		e.logger.Debug("study update lost CAS race, retrying", zap.String("study", name), zap.Int("attempt", attempt))
	}
	return model.Study{}, errdefs.Conflictf("study %s: too many concurrent updates", name)
}

func (e *EtcdStore) get(ctx context.Context, name string) (model.Study, int64, error) {
	resp, err := e.client.Get(ctx, StudyKeyPrefix+name)
	if err != nil {
		return model.Study{}, 0, fmt.Errorf("etcd get study %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return model.Study{}, 0, errdefs.NotFoundf("study %s not found", name)
	}
	var s model.Study
	if err := json.Unmarshal(resp.Kvs[0].Value, &s); err != nil {
		return model.Study{}, 0, fmt.Errorf("decode study %s: %w", name, err)
	}
	return s, resp.Kvs[0].ModRevision, nil
}
