package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/tasks/domain"
	"github.com/smallbiznis/lingora/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	taskRepo repository.Repository[domain.Task]
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("tasks.service"),
		genID:    p.GenID,
		taskRepo: repository.ProvideStore[domain.Task](p.DB),
	}
}

// GetRandomTask picks one task for the module. Random ordering needs raw SQL;
// the generic store covers the keyed lookups.
func (s *Service) GetRandomTask(ctx context.Context, module string) (*domain.Task, error) {
	random := "RANDOM()"
	if s.db.Dialector.Name() == "mysql" {
		random = "RAND()"
	}

	var task domain.Task
	err := s.db.WithContext(ctx).
		Where("module = ?", module).
		Order(random).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoContent
		}
		return nil, err
	}
	return &task, nil
}

func (s *Service) GetTaskByID(ctx context.Context, id snowflake.ID) (*domain.Task, error) {
	task, err := s.taskRepo.FindOne(ctx, &domain.Task{ID: id})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, domain.ErrNoContent
	}
	return task, nil
}

func (s *Service) Create(ctx context.Context, task *domain.Task) error {
	if task.ID == 0 {
		task.ID = s.genID.Generate()
	}
	return s.taskRepo.Create(ctx, task)
}
