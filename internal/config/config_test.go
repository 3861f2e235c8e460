package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.DefaultSession = "ana"
	cfg.SelfID = "ana@example"
	cfg.Remote.StoreURL = "https://store.example"
	cfg.Receipts.Trigger = TriggerVisibility

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.DefaultSession != "ana" {
		t.Errorf("default_session = %q, want ana", loaded.DefaultSession)
	}
	if loaded.Remote.StoreURL != "https://store.example" {
		t.Errorf("store_url = %q", loaded.Remote.StoreURL)
	}
	if loaded.Receipts.Trigger != TriggerVisibility {
		t.Errorf("trigger = %q, want visibility", loaded.Receipts.Trigger)
	}
	if loaded.Media.MaxUploadBytes != 25<<20 {
		t.Errorf("max_upload_bytes = %d, want default", loaded.Media.MaxUploadBytes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejectsBadTrigger(t *testing.T) {
	cfg := Default()
	cfg.SelfID = "ana@example"
	cfg.Remote.StoreURL = "https://store.example"
	cfg.Receipts.Trigger = "hover"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown receipts.trigger")
	}
}

func TestValidateRequiresIdentity(t *testing.T) {
	cfg := Default()
	cfg.Remote.StoreURL = "https://store.example"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing self_id")
	}
}
