// Package access answers permission questions about caller identities.
// Identities map to roles in configuration; roles carry action flags,
// an optional tool subset, and the admission ceilings the task manager
// enforces.
package access

import (
	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/errors"
)

// Controller resolves identities to roles and checks permissions.
type Controller struct {
	roles      map[string]config.Role
	identities map[string]string
}

// NewController builds a controller from the loaded configuration.
func NewController(cfg *config.Config) *Controller {
	return &Controller{
		roles:      cfg.Roles,
		identities: cfg.Identities,
	}
}

// Resolve returns the role for an identity. Unknown identities and
// identities bound to undefined roles are both permission failures.
func (c *Controller) Resolve(identity string) (config.Role, error) {
	if identity == "" {
		return config.Role{}, errors.New(errors.ErrCodePermissionDenied, "missing caller identity")
	}
	roleName, ok := c.identities[identity]
	if !ok {
		return config.Role{}, errors.New(errors.ErrCodePermissionDenied, "unknown identity").
			WithContext("identity", identity)
	}
	role, ok := c.roles[roleName]
	if !ok {
		return config.Role{}, errors.New(errors.ErrCodePermissionDenied, "identity bound to undefined role").
			WithContext("identity", identity).
			WithContext("role", roleName)
	}
	return role, nil
}

// CheckExecute verifies the identity may run the named tool and returns
// the role for ceiling enforcement.
func (c *Controller) CheckExecute(identity, tool string) (config.Role, error) {
	role, err := c.Resolve(identity)
	if err != nil {
		return config.Role{}, err
	}
	if len(role.Tools) > 0 && !contains(role.Tools, tool) {
		return config.Role{}, errors.New(errors.ErrCodePermissionDenied, "role may not run tool").
			WithContext("identity", identity).
			WithContext("tool", tool)
	}
	return role, nil
}

// CheckCancel verifies the identity may cancel tasks. An identity can
// always cancel its own task; cancelling another identity's task needs
// the role's cancel flag.
func (c *Controller) CheckCancel(identity, owner string) error {
	role, err := c.Resolve(identity)
	if err != nil {
		return err
	}
	if identity == owner {
		return nil
	}
	if !role.CanCancel {
		return errors.New(errors.ErrCodePermissionDenied, "role may not cancel other identities' tasks").
			WithContext("identity", identity)
	}
	return nil
}

// CheckView verifies the identity may read task status. Owners always
// see their own tasks.
func (c *Controller) CheckView(identity, owner string) error {
	role, err := c.Resolve(identity)
	if err != nil {
		return err
	}
	if identity == owner {
		return nil
	}
	if !role.CanView {
		return errors.New(errors.ErrCodePermissionDenied, "role may not view other identities' tasks").
			WithContext("identity", identity)
	}
	return nil
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
