package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/linechat/pkg/model"
)

const groupsFixture = `
groups:
  - id: GROUP_00C0FFEE
    name: ops
    description: on-call rotation
    creator: alice
    created_at: "2026-01-02T03:04:05Z"
    members:
      - user: bob
        role: admin
      - user: carol
  - id: GROUP_BAD
    name: "   "
    creator: alice
`

func TestImportGroupsYAML(t *testing.T) {
	gs := NewGroupStore()
	err := ImportGroupsYAML([]byte(groupsFixture), gs)
	if !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("expected error for the blank group, got %v", err)
	}
	if gs.Count() != 1 {
		t.Fatalf("Count = %d, want 1", gs.Count())
	}

	g, err := gs.Get("GROUP_00C0FFEE")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := &model.Group{
		ID:          "GROUP_00C0FFEE",
		Name:        "ops",
		Description: "on-call rotation",
		CreatorID:   "alice",
		Members:     []string{"alice", "bob", "carol"},
		Roles: map[string]model.GroupRole{
			"alice": model.GroupRoleAdmin,
			"bob":   model.GroupRoleAdmin,
			"carol": model.GroupRoleMember,
		},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Errorf("imported group (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"GROUP_00C0FFEE"}, gs.GroupsOf("carol")); diff != "" {
		t.Errorf("GroupsOf(carol) (-want +got):\n%s", diff)
	}
}

func TestSaveAndLoadGroupsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.yaml")

	gs := NewGroupStore()
	g := mustCreate(t, gs, "team", "alice")
	if err := gs.AddMember(g.ID, "bob", "alice"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := SaveGroupsFile(path, gs); err != nil {
		t.Fatalf("SaveGroupsFile: %v", err)
	}

	loaded := NewGroupStore()
	if err := LoadGroupsFile(path, loaded); err != nil {
		t.Fatalf("LoadGroupsFile: %v", err)
	}
	got, err := loaded.Get(g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(g.Members, got.Members); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}
	if got.Name != "team" || got.CreatorID != "alice" {
		t.Errorf("loaded group = %+v", got)
	}
}

func TestExportUsersYAMLOmitsHashes(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.accounts.Register(context.Background(), "alice", "secret1"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	data, err := ExportUsersYAML(srv.accounts)
	if err != nil {
		t.Fatalf("ExportUsersYAML: %v", err)
	}
	if strings.Contains(string(data), "argon2id") {
		t.Fatal("export leaked a password hash")
	}
	var export UsersExport
	if err := yaml.Unmarshal(data, &export); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(export.Users) != 1 || export.Users[0].Username != "alice" || export.Users[0].RegisteredAt == "" {
		t.Fatalf("export = %+v", export)
	}
}

func TestLoadConfigFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linechat.yaml")
	content := "listen_addr: \":9000\"\nallow_guests: false\nidle_timeout: 30s\noverflow_policy: drop-oldest\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}

	want := DefaultConfig()
	want.ListenAddr = ":9000"
	want.AllowGuests = false
	want.IdleTimeout = 30 * time.Second
	want.OverflowPolicy = "drop-oldest"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"negative queue", func(c *Config) { c.QueueCapacity = -1 }},
		{"bad policy", func(c *Config) { c.OverflowPolicy = "block" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
