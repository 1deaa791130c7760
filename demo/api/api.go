// Package api is the contract shared by the demo provider and consumer.
package api

import (
	"context"

	"knrpc/consumer"
)

type User struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type UserService interface {
	FindById(id int) (*User, error)
	FindByIdAndName(id int, name string) (*User, error)
	GetName(ctx context.Context, user User) (string, error)
	ListIds(ctx context.Context, limit int) ([]int, error)
	String() string
}

// userServiceClient is the consumer side of UserService.
type userServiceClient struct {
	stub *consumer.Stub
}

// NewUserServiceClient adapts a stub built for UserService.
func NewUserServiceClient(stub *consumer.Stub) UserService {
	return &userServiceClient{stub: stub}
}

func (c *userServiceClient) FindById(id int) (*User, error) {
	return consumer.Call[*User](context.Background(), c.stub, "FindById", id)
}

func (c *userServiceClient) FindByIdAndName(id int, name string) (*User, error) {
	return consumer.Call[*User](context.Background(), c.stub, "FindByIdAndName", id, name)
}

func (c *userServiceClient) GetName(ctx context.Context, user User) (string, error) {
	return consumer.Call[string](ctx, c.stub, "GetName", user)
}

func (c *userServiceClient) ListIds(ctx context.Context, limit int) ([]int, error) {
	return consumer.Call[[]int](ctx, c.stub, "ListIds", limit)
}

func (c *userServiceClient) String() string {
	return "UserService@" + c.stub.Service()
}
