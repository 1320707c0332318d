package task

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/config"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/store"
)

// CreateRequest is the task creation contract.
type CreateRequest struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	K         int      `json:"k"`
	Features  []string `json:"features"`
	CreatedBy string   `json:"created_by"`
}

// Service validates and records task requests.
type Service struct {
	store store.Store
	cfg   config.AnalysisConfig
}

// NewService creates a Service.
func NewService(st store.Store, cfg config.AnalysisConfig) *Service {
	return &Service{store: st, cfg: cfg}
}

// Create validates req, fills configured defaults for K and features, and stores a pending task.
// Unknown feature names or an out-of-range K reject the request with model.ErrInvalidParams.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.AnalysisTask, error) {
	if req.Type != "" && req.Type != model.TaskTypeClustering {
		return nil, eris.Wrapf(model.ErrInvalidParams, "unsupported task type %q", req.Type)
	}

	params := model.TaskParams{K: req.K}
	if params.K == 0 {
		params.K = s.cfg.DefaultK
	}
	names := req.Features
	if len(names) == 0 {
		names = s.cfg.DefaultFeatures
	}
	feats, err := model.ParseFeatures(names)
	if err != nil {
		return nil, err
	}
	params.Features = feats
	if err := params.Validate(s.cfg.MaxK); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "clustering k=" + strconv.Itoa(params.K)
	}

	t, err := s.store.CreateTask(ctx, model.AnalysisTask{
		Name:      name,
		Type:      model.TaskTypeClustering,
		Params:    params,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return nil, eris.Wrap(err, "task: create")
	}
	zap.L().Info("task created",
		zap.String("component", "task.service"),
		zap.String("task_id", t.ID),
		zap.Int("k", params.K),
		zap.Any("features", params.Features),
	)
	return t, nil
}

// Fail records a failure after the fact, e.g. for a run whose process died.
func (s *Service) Fail(ctx context.Context, id, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "marked failed by operator"
	}
	return eris.Wrapf(s.store.FailTask(ctx, id, message), "task: fail %s", id)
}

// Delete removes a task that is not running, together with its result sets.
func (s *Service) Delete(ctx context.Context, id string) error {
	return eris.Wrapf(s.store.DeleteTask(ctx, id), "task: delete %s", id)
}
