package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	files := fstest.MapFS{
		"003_programs.sql":  {Data: []byte("CREATE TABLE patient_program (uuid TEXT);")},
		"001_forms.sql":     {Data: []byte("CREATE TABLE form_schema (uuid TEXT);")},
		"002_encounter.sql": {Data: []byte("CREATE TABLE encounter_record (uuid TEXT);")},
		"README.md":         {Data: []byte("not a migration")},
		"notes.sql":         {Data: []byte("-- no prefix")},
		"abc_bad.sql":       {Data: []byte("-- non numeric")},
	}

	migrations, err := NewMigrator(nil, files).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []string{"001_forms.sql", "002_encounter.sql", "003_programs.sql"} {
		if migrations[i].Name != want || migrations[i].Version != i+1 {
			t.Errorf("migration %d = %d %s, want %s", i, migrations[i].Version, migrations[i].Name, want)
		}
	}
	if migrations[0].SQL != "CREATE TABLE form_schema (uuid TEXT);" {
		t.Errorf("unexpected SQL %q", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, files).LoadMigrations(); err == nil {
		t.Error("expected duplicate version error")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	migrations := []Migration{{Version: 1, Name: "001_forms.sql"}, {Version: 2, Name: "002_encounter.sql"}}

	statuses := buildStatus(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
}
