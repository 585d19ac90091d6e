package repository

import (
	"context"

	"github.com/sakif/pyhost/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

type InterpreterRepository interface {
	Create(ctx context.Context, interp *model.Interpreter) error
	GetByID(ctx context.Context, id string) (*model.Interpreter, error)
	GetByPath(ctx context.Context, path string) (*model.Interpreter, error)
	List(ctx context.Context, opts ListOptions) ([]model.Interpreter, error)
	Update(ctx context.Context, interp *model.Interpreter) error
	Delete(ctx context.Context, id string) error
}
