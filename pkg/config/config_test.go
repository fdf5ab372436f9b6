package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleConf = `
username: clanbot
password: hunter2
mail_interval: 30
main_channel: hobopolis
admins:
  - uid: 42
    name: boss
    permissions: [mail_fail, boot]
  - uid: 43
    name: helper
    permissions: [boot]
`

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	if err := os.WriteFile(path, []byte(sampleConf), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Username != "clanbot" || c.MailInterval != 30 || c.MainChannel != "hobopolis" {
		t.Errorf("overrides not applied: %+v", c)
	}
	// untouched fields keep their defaults
	if c.ClanInterval != 600 || c.Store != "data/clanbot.db" {
		t.Errorf("defaults lost: %+v", c)
	}
}

func TestAdminsWith(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	if err := os.WriteFile(path, []byte(sampleConf), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := c.AdminsWith("mail_fail")
	if len(got) != 1 || got[0] != 42 {
		t.Errorf("mail_fail admins = %v", got)
	}
	if got := c.AdminsWith("boot"); len(got) != 2 {
		t.Errorf("boot admins = %v", got)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
