package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
	"gopkg.in/yaml.v3"
)

// LoadConfigFile overlays the YAML file at path onto cfg. Keys absent from
// the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// GroupYAML represents a group in the groups file.
type GroupYAML struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Creator     string            `yaml:"creator"`
	Members     []GroupMemberYAML `yaml:"members,omitempty"` // creator may be omitted
	CreatedAt   string            `yaml:"created_at,omitempty"`
}

// GroupMemberYAML is one non-creator member entry.
type GroupMemberYAML struct {
	User string `yaml:"user"`
	Role string `yaml:"role,omitempty"` // admin or member (default)
}

// GroupsConfig is the top-level YAML for the groups file.
type GroupsConfig struct {
	Groups []GroupYAML `yaml:"groups"`
}

// UserYAML represents an account in YAML export. Password hashes are never
// exported.
type UserYAML struct {
	Username     string `yaml:"username"`
	RegisteredAt string `yaml:"registered_at"`
	LastLoginAt  string `yaml:"last_login_at,omitempty"`
	LastLogoutAt string `yaml:"last_logout_at,omitempty"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadGroupsFile reads a groups YAML file into gs.
func LoadGroupsFile(path string, gs *GroupStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return fmt.Errorf("read groups file: %w", err)
	}
	return ImportGroupsYAML(data, gs)
}

// ImportGroupsYAML parses YAML data and imports every valid group. Invalid
// entries are logged and skipped; the joined errors are returned.
func ImportGroupsYAML(data []byte, gs *GroupStore) error {
	var cfg GroupsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse groups file: %w", err)
	}

	var errs []error
	imported := 0
	for _, gy := range cfg.Groups {
		g, err := gy.toGroup()
		if err == nil {
			err = gs.Import(g)
		}
		if err != nil {
			slog.Error("skipping group from file", "group", gy.ID, "name", gy.Name, "err", err)
			errs = append(errs, err)
			continue
		}
		imported++
	}

	slog.Info("imported groups from YAML", "count", imported)
	return errors.Join(errs...)
}

func (gy GroupYAML) toGroup() (*model.Group, error) {
	var createdAt time.Time
	if gy.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, gy.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("group %q: created_at: %w", gy.ID, err)
		}
		createdAt = t
	}
	g := model.NewGroup(gy.ID, gy.Name, gy.Creator, createdAt)
	g.Description = gy.Description
	for _, m := range gy.Members {
		if m.User == gy.Creator {
			continue
		}
		if err := model.ValidateUsername(m.User); err != nil {
			return nil, fmt.Errorf("group %q: member %q: %w", gy.ID, m.User, err)
		}
		if g.IsMember(m.User) {
			return nil, fmt.Errorf("group %q: duplicate member %q: %w", gy.ID, m.User, model.ErrAlreadyExists)
		}
		g.Members = append(g.Members, m.User)
		g.Roles[m.User] = model.ParseGroupRole(m.Role)
	}
	return g, nil
}

// ExportGroupsYAML exports all groups as YAML.
func ExportGroupsYAML(gs *GroupStore) ([]byte, error) {
	cfg := GroupsConfig{Groups: []GroupYAML{}}
	for _, g := range gs.All() {
		entry := GroupYAML{
			ID:          g.ID,
			Name:        g.Name,
			Description: g.Description,
			Creator:     g.CreatorID,
			CreatedAt:   g.CreatedAt.UTC().Format(time.RFC3339),
		}
		for _, m := range g.Members {
			if m == g.CreatorID {
				continue
			}
			role, _ := g.RoleOf(m)
			entry.Members = append(entry.Members, GroupMemberYAML{User: m, Role: role.String()})
		}
		cfg.Groups = append(cfg.Groups, entry)
	}
	return yaml.Marshal(&cfg)
}

// SaveGroupsFile writes all groups to path, replacing it atomically.
func SaveGroupsFile(path string, gs *GroupStore) error {
	data, err := ExportGroupsYAML(gs)
	if err != nil {
		return fmt.Errorf("export groups: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write groups file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write groups file: %w", err)
	}
	return nil
}

// ExportUsersYAML exports all accounts as YAML.
func ExportUsersYAML(accounts *Accounts) ([]byte, error) {
	export := UsersExport{Users: []UserYAML{}}
	for _, u := range accounts.All() {
		export.Users = append(export.Users, UserYAML{
			Username:     u.Username,
			RegisteredAt: formatExportTime(u.RegisteredAt),
			LastLoginAt:  formatExportTime(u.LastLoginAt),
			LastLogoutAt: formatExportTime(u.LastLogoutAt),
		})
	}
	return yaml.Marshal(&export)
}

func formatExportTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
