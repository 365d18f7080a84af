package api

import "context"

// UserService reads user profiles from the identity collaborator's table.
type UserService interface {
	GetUsersByIds(ctx context.Context, userIds []string) ([]*UserModel, error)
	SearchUsers(ctx context.Context, query, excludeUid string) ([]*UserModel, error)
}

type UserRepository interface {
	GetUsersByIds(ctx context.Context, userIds []string) ([]*UserModel, error)
	SearchUsers(ctx context.Context, query, excludeUid string) ([]*UserModel, error)
}

type userService struct {
	storage UserRepository
}

func NewUserService(repository UserRepository) UserService {
	return &userService{storage: repository}
}

func (u *userService) GetUsersByIds(ctx context.Context, userIds []string) ([]*UserModel, error) {
	if len(userIds) == 0 {
		return nil, &ValidationError{Reason: "userId array is empty"}
	}
	return u.storage.GetUsersByIds(ctx, userIds)
}

func (u *userService) SearchUsers(ctx context.Context, query, excludeUid string) ([]*UserModel, error) {
	if query == "" {
		return nil, &ValidationError{Reason: "search query is empty"}
	}
	return u.storage.SearchUsers(ctx, query, excludeUid)
}
