package userdb

import (
	"os"
	"strings"
	"testing"

	"github.com/missioninbox/robin/internal/rconfig"
)

// removeIfSuccessful removes the file if the test passed, leaving it around
// for inspection otherwise.
func removeIfSuccessful(t *testing.T, fname string) {
	if !strings.Contains(fname, "userdb_test") {
		panic("invalid/dangerous path")
	}
	if !t.Failed() {
		os.Remove(fname)
	}
}

func mustTempFile(t *testing.T) string {
	f, err := os.CreateTemp("", "userdb_test")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name()
}

func TestEmptyLoad(t *testing.T) {
	fname := mustTempFile(t)
	defer removeIfSuccessful(t, fname)

	os.WriteFile(fname, []byte(""), 0660)
	db, err := Load(fname)
	if err != nil {
		t.Fatalf("error loading empty database: %v", err)
	}
	if db.Exists("anyone") {
		t.Errorf("empty database reports a user as existing")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	fname := mustTempFile(t)
	defer removeIfSuccessful(t, fname)

	os.WriteFile(fname, []byte("{not valid json"), 0660)
	if _, err := Load(fname); err == nil {
		t.Error("expected error loading malformed database, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist"); err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}

func TestWriteAndReload(t *testing.T) {
	fname := mustTempFile(t)
	defer removeIfSuccessful(t, fname)

	db := New(fname)
	if err := db.AddUser("user1", "passwd1"); err != nil {
		t.Fatalf("failed to add user1: %v", err)
	}
	if err := db.AddUser("ñoño", "añicos"); err != nil {
		t.Fatalf("failed to add ñoño: %v", err)
	}
	if err := db.Write(); err != nil {
		t.Fatalf("error writing database: %v", err)
	}

	loaded, err := Load(fname)
	if err != nil {
		t.Fatalf("error loading database: %v", err)
	}

	for _, name := range []string{"user1", "ñoño"} {
		if !loaded.Exists(name) {
			t.Errorf("user %q missing after reload", name)
		}
	}

	combinations := []struct {
		user, passwd string
		want         bool
	}{
		{"user1", "passwd1", true},
		{"user1", "passwd", false},
		{"user1", "passwd12", false},
		{"ñoño", "añicos", true},
		{"ñoño", "anicos", false},
		{"notindb", "something", false},
		{"", "", false},
		{" ", "  ", false},
	}
	for _, c := range combinations {
		if loaded.Authenticate(c.user, c.passwd) != c.want {
			t.Errorf("Authenticate(%q, %q) != %v", c.user, c.passwd, c.want)
		}
	}
}

func TestWriteWithoutBackingFile(t *testing.T) {
	db := New("")
	if err := db.Write(); err == nil {
		t.Error("expected error writing a database with no backing file")
	}
}

func TestInvalidUsername(t *testing.T) {
	db := New("")

	names := []string{
		" ", "  ", "a b", "ñ ñ", "a\xa0b", "a\x85b", "a\nb", "a\tb", "a\xffb",
		"¹", "Ⅳ",
		"A", "Ñ",
	}
	for _, name := range names {
		if err := db.AddUser(name, "passwd"); err == nil {
			t.Errorf("AddUser(%q) succeeded, expected it to fail", name)
		}
	}
}

func TestReload(t *testing.T) {
	fname := mustTempFile(t)
	defer removeIfSuccessful(t, fname)

	db := New(fname)
	if err := db.AddUser("u1", "pass"); err != nil {
		t.Fatal(err)
	}
	if err := db.Write(); err != nil {
		t.Fatal(err)
	}

	// A fresh handle on the same file picks up the change on Reload.
	other := New(fname)
	if other.Exists("u1") {
		t.Fatal("expected u1 to not exist before reload")
	}
	if err := other.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !other.Exists("u1") {
		t.Error("expected u1 to exist after reload")
	}

	other.fname = "/does/not/exist"
	if err := other.Reload(); err == nil {
		t.Error("expected error reloading from a missing file")
	}
	if !other.Exists("u1") {
		t.Error("database should be unchanged after a failed reload")
	}
}

func TestRemoveUser(t *testing.T) {
	db := New("")

	if ok := db.RemoveUser("unknown"); ok {
		t.Error("removal of unknown user succeeded")
	}
	if err := db.AddUser("user", "passwd"); err != nil {
		t.Fatalf("error adding user: %v", err)
	}
	if ok := db.RemoveUser("unknown"); ok {
		t.Error("removal of unknown user succeeded")
	}
	if ok := db.RemoveUser("user"); !ok {
		t.Error("removal of existing user failed")
	}
	if ok := db.RemoveUser("user"); ok {
		t.Error("removal of already-removed user succeeded")
	}
}

func TestExists(t *testing.T) {
	db := New("")

	if db.Exists("unknown") {
		t.Error("unknown user exists")
	}
	if err := db.AddUser("user", "passwd"); err != nil {
		t.Fatalf("error adding user: %v", err)
	}
	if db.Exists("unknown") {
		t.Error("unknown user exists")
	}
	if !db.Exists("user") {
		t.Error("known user does not exist")
	}
}

func TestFromConfig(t *testing.T) {
	seed := New("")
	if err := seed.AddUser("alice", "hunter2"); err != nil {
		t.Fatal(err)
	}
	p := seed.users["alice"]

	db := FromConfig([]rconfig.User{
		{Name: "alice", ScryptHash: p.Encrypted, ScryptSalt: p.Salt},
	})

	if !db.Authenticate("alice", "hunter2") {
		t.Error("expected alice to authenticate with her original password")
	}
	if db.Authenticate("alice", "wrong") {
		t.Error("expected wrong password to fail")
	}
	if err := db.Write(); err == nil {
		t.Error("expected Write to fail on a config-derived database with no file")
	}
}
