package mariadb

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	content := "CREATE TABLE a (id INT);\n\nCREATE TABLE b (\n    id INT\n);\n"
	stmts := splitStatements(content)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if stmts[0] != "CREATE TABLE a (id INT)" {
		t.Errorf("unexpected first statement %q", stmts[0])
	}
	if strings.HasSuffix(stmts[1], ";") {
		t.Errorf("expected trailing semicolon to be trimmed, got %q", stmts[1])
	}
}

func TestEmbeddedMigrationSplits(t *testing.T) {
	content, err := migrationsFS.ReadFile("migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read embedded migration: %v", err)
	}
	stmts := splitStatements(string(content))
	if len(stmts) != 5 {
		t.Errorf("expected 5 CREATE TABLE statements, got %d", len(stmts))
	}
	for _, s := range stmts {
		if !strings.HasPrefix(s, "CREATE TABLE") {
			t.Errorf("unexpected statement start: %.40q", s)
		}
	}
}
