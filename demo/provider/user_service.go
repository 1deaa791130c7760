// Package provider implements the demo UserService.
package provider

import (
	"context"
	"fmt"

	"knrpc/demo/api"
)

type UserService struct {
	// Addr tags every answer so callers can see which instance served them.
	Addr string
}

var _ api.UserService = (*UserService)(nil)

func (s *UserService) FindById(id int) (*api.User, error) {
	if id <= 0 {
		return nil, fmt.Errorf("invalid user id %d", id)
	}
	return &api.User{ID: id, Name: "KN-" + s.Addr}, nil
}

func (s *UserService) FindByIdAndName(id int, name string) (*api.User, error) {
	if id <= 0 {
		return nil, fmt.Errorf("invalid user id %d", id)
	}
	return &api.User{ID: id, Name: name + "-" + s.Addr}, nil
}

func (s *UserService) GetName(_ context.Context, user api.User) (string, error) {
	return user.Name, nil
}

func (s *UserService) ListIds(_ context.Context, limit int) ([]int, error) {
	if limit < 0 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}
	ids := make([]int, 0, limit)
	for i := 1; i <= limit; i++ {
		ids = append(ids, i)
	}
	return ids, nil
}

func (s *UserService) String() string {
	return "UserService(" + s.Addr + ")"
}
