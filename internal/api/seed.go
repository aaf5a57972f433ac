package api

import (
	"context"
	"log/slog"

	"marketfeed/internal/api/auth"
)

// SeedAdmin 按配置创建或更新管理员账号；未配置时跳过。
func (s *Server) SeedAdmin(ctx context.Context) error {
	email := s.cfg.Security.AdminEmail
	password := s.cfg.Security.AdminPassword
	if email == "" || password == "" {
		s.logger.Warn("admin account not configured, admin endpoints are unreachable")
		return nil
	}
	created, err := s.auth.EnsureUser(ctx, email, password, auth.RoleAdmin)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("admin account created", slog.String("email", email))
	}
	return nil
}
