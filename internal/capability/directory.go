// Package capability identifies users, resolves the capabilities their roles
// grant, and answers role and clearance checks for the task engine.
package capability

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/curator/model"
)

type directoryFile struct {
	Roles map[string][]string `yaml:"roles"`
	Users []directoryUser     `yaml:"users"`
}

type directoryUser struct {
	ID        string   `yaml:"id"`
	Email     string   `yaml:"email"`
	Name      string   `yaml:"name"`
	Roles     []string `yaml:"roles"`
	Clearance int      `yaml:"clearance"`
	Active    *bool    `yaml:"active"`
}

// StaticDirectory serves users and role capabilities from a YAML file.
type StaticDirectory struct {
	path string

	mu    sync.RWMutex
	roles map[string][]string
	users map[string]*model.Principal
}

// NewStaticDirectory loads the directory file at path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDirectory builds a directory from in-memory data. Sync is a no-op for
// it.
func NewDirectory(roles map[string][]string, users ...model.Principal) *StaticDirectory {
	d := &StaticDirectory{roles: roles, users: make(map[string]*model.Principal, len(users))}
	for i := range users {
		u := users[i]
		d.users[u.ID] = &u
	}
	return d
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("capability: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing directory file %s: %w", d.path, err)
	}

	users := make(map[string]*model.Principal, len(f.Users))
	for i, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("capability: %s: users[%d] has no id", d.path, i)
		}
		if _, dup := users[u.ID]; dup {
			return fmt.Errorf("capability: %s: duplicate user %q", d.path, u.ID)
		}
		users[u.ID] = &model.Principal{
			ID:             u.ID,
			Email:          u.Email,
			Name:           u.Name,
			Roles:          u.Roles,
			ClearanceLevel: u.Clearance,
			Active:         u.Active == nil || *u.Active,
		}
	}

	d.mu.Lock()
	d.roles = f.Roles
	d.users = users
	d.mu.Unlock()
	return nil
}

// Capabilities returns the union of capabilities granted to roles.
func (d *StaticDirectory) Capabilities(roles []string) model.CapabilitySet {
	d.mu.RLock()
	defer d.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range roles {
		for _, c := range d.roles[role] {
			caps[c] = true
		}
	}
	return caps
}

// Lookup returns the user with the given id, or NOT_FOUND.
func (d *StaticDirectory) Lookup(_ context.Context, userID string) (*model.Principal, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
	}
	return d.withCapabilities(u), nil
}

// UsersWithRole returns the active users holding role, ordered by id.
func (d *StaticDirectory) UsersWithRole(_ context.Context, role string) ([]*model.Principal, error) {
	d.mu.RLock()
	var matched []*model.Principal
	for _, u := range d.users {
		if u.Active && u.HasRole(role) {
			matched = append(matched, u)
		}
	}
	d.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	out := make([]*model.Principal, len(matched))
	for i, u := range matched {
		out[i] = d.withCapabilities(u)
	}
	return out, nil
}

func (d *StaticDirectory) withCapabilities(u *model.Principal) *model.Principal {
	p := *u
	p.Roles = append([]string(nil), u.Roles...)
	p.Capabilities = d.Capabilities(u.Roles)
	return &p
}
