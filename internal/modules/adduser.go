package modules

import (
	"context"
	"fmt"
	"log/slog"
)

// AddUser creates the accounts listed under the "add_users" config key
// inside the image via a chroot'd useradd. Missing or empty config is a
// no-op, not an error.
type AddUser struct{}

func (m *AddUser) Transform(ctx context.Context, name, root string, cfg map[string]any) error {
	users := stringSlice(cfg, "add_users")
	if len(users) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "adding users", "module", name, "users", users)
	for _, user := range users {
		if err := chroot(ctx, root, "useradd", "-m", user); err != nil {
			return fmt.Errorf("add user %s: %w", user, err)
		}
	}
	return nil
}
