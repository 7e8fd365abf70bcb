package auth

import (
	"context"
	"fmt"

	"github.com/example/authsession/internal/logger"
)

// SeedRoles creates the built-in roles that are missing. It is safe to run on
// every start.
func SeedRoles(ctx context.Context, roles RoleDirectory, log *logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	for _, r := range BuiltinRoles() {
		exists, err := roles.ExistsByAuthority(ctx, r.Authority)
		if err != nil {
			return fmt.Errorf("failed to check role %s: %w", r.Authority, err)
		}
		if exists {
			continue
		}
		if err := roles.Save(ctx, r); err != nil {
			return fmt.Errorf("failed to create role %s: %w", r.Authority, err)
		}
		log.Info("Role seeder: role created", "authority", r.Authority)
	}
	return nil
}
