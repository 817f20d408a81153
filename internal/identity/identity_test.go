package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSaveLoadRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	dir := t.TempDir()
	secPath := filepath.Join(dir, "id")
	pubPath := filepath.Join(dir, "id_pub")

	if err := Save(id, secPath, pubPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(secPath, pubPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !loaded.PublicKey.Equal(id.PublicKey) {
		t.Errorf("loaded public key does not match generated one")
	}
	if loaded.PublicHex() != id.PublicHex() {
		t.Errorf("PublicHex mismatch: got %q want %q", loaded.PublicHex(), id.PublicHex())
	}
}

func TestLoadRefusesLoosePermissions(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	dir := t.TempDir()
	secPath := filepath.Join(dir, "id")
	pubPath := filepath.Join(dir, "id_pub")
	if err := Save(id, secPath, pubPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := os.Chmod(secPath, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if _, err := Load(secPath, pubPath); err == nil {
		t.Errorf("Load with 0644 secret key succeeded, want permission error")
	}
}
