package migrate

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/engram/pkg/graph"
)

func seedLegacyDB(t *testing.T, dir, name string, rows [][4]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE memories (
		id INTEGER PRIMARY KEY,
		type TEXT, scope TEXT, content TEXT, tags TEXT, source TEXT,
		created_at TEXT, deleted_at TEXT
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, r := range rows {
		_, err = db.Exec(
			`INSERT INTO memories (type, scope, content, tags, source, created_at) VALUES (?, ?, ?, '', ?, ?)`,
			r[0], r[1], r[2], r[3], "2024-03-01 10:00:00")
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return path
}

func TestRunImportsLegacyMemories(t *testing.T) {
	dir := t.TempDir()
	st, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	dbPath := seedLegacyDB(t, dir, "legacy.db", [][4]string{
		{"learned", "proj", "prefers tabs over spaces", "chat"},
		{"learned", "proj", "deploys on fridays", "chat"},
		{"learned", "proj", "", "chat"}, // empty content skipped
	})

	rep, err := Run(st, dir, dbPath, "engram")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Memories != 3 || rep.Entities != 2 || rep.Facts != 2 || rep.Skipped != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if st.FindEntityByName("engram") == nil {
		t.Fatal("project entity missing")
	}
	scoped := st.FindEntityByName("proj")
	if scoped == nil {
		t.Fatal("scope project entity missing")
	}
	facts := st.ActiveFacts()
	if len(facts) != 2 {
		t.Fatalf("active facts = %d, want 2", len(facts))
	}
	for _, f := range facts {
		if f.Relation != graph.RelLearnedFrom {
			t.Fatalf("relation = %q", f.Relation)
		}
		if f.SourceID != scoped.ID {
			t.Fatalf("fact hangs off %s, want scope project %s", f.SourceID, scoped.ID)
		}
		if f.ValidAt.Year() != 2024 {
			t.Fatalf("valid_at not taken from created_at: %v", f.ValidAt)
		}
	}
}

func TestRunScopelessMemoriesUseConfiguredProject(t *testing.T) {
	dir := t.TempDir()
	st, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	dbPath := seedLegacyDB(t, dir, "legacy.db", [][4]string{
		{"learned", "", "no scope at all", "chat"},
		{"learned", "global", "global scope", "chat"},
	})

	if _, err := Run(st, dir, dbPath, "engram"); err != nil {
		t.Fatalf("run: %v", err)
	}
	proj := st.FindEntityByName("engram")
	if proj == nil {
		t.Fatal("project entity missing")
	}
	for _, f := range st.ActiveFacts() {
		if f.SourceID != proj.ID {
			t.Fatalf("fact hangs off %s, want %s", f.SourceID, proj.ID)
		}
	}
}

func TestRunTruncatesNameOnRuneBoundary(t *testing.T) {
	dir := t.TempDir()
	st, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	// 79 ASCII bytes, then a two-byte rune straddling the 80-byte cap.
	long := strings.Repeat("a", 79) + "é and plenty more text after the cutoff point"
	dbPath := seedLegacyDB(t, dir, "legacy.db", [][4]string{
		{"learned", "p", long, "chat"},
	})

	if _, err := Run(st, dir, dbPath, "engram"); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := strings.Repeat("a", 79)
	if st.FindEntityByName(want) == nil {
		t.Fatalf("truncated entity %q missing", want)
	}
}

func TestTruncateName(t *testing.T) {
	if got := truncateName("short", 80); got != "short" {
		t.Fatalf("short input changed: %q", got)
	}
	got := truncateName(strings.Repeat("納", 30), 80)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
	if len(got) != 78 { // 26 three-byte runes
		t.Fatalf("len = %d, want 78", len(got))
	}
}

func TestRunSamePathIsNoOp(t *testing.T) {
	dir := t.TempDir()
	st, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	dbPath := seedLegacyDB(t, dir, "legacy.db", [][4]string{
		{"learned", "proj", "fact one", "chat"},
	})

	if _, err := Run(st, dir, dbPath, "engram"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rep, err := Run(st, dir, dbPath, "engram")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Memories != 0 || rep.Facts != 0 {
		t.Fatalf("second run imported again: %+v", rep)
	}
	if got := len(st.ActiveFacts()); got != 1 {
		t.Fatalf("facts = %d, want 1", got)
	}
}

func TestRunAdditionalSourceImports(t *testing.T) {
	dir := t.TempDir()
	st, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	first := seedLegacyDB(t, dir, "a.db", [][4]string{{"learned", "p", "fact a", "chat"}})
	second := seedLegacyDB(t, dir, "b.db", [][4]string{{"learned", "p", "fact b", "chat"}})

	if _, err := Run(st, dir, first, "engram"); err != nil {
		t.Fatalf("first source: %v", err)
	}
	rep, err := Run(st, dir, second, "engram")
	if err != nil {
		t.Fatalf("second source: %v", err)
	}
	if rep.Facts != 1 {
		t.Fatalf("second source report = %+v", rep)
	}
	if got := len(st.ActiveFacts()); got != 2 {
		t.Fatalf("facts = %d, want 2", got)
	}
}

func TestRunMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	st, err := graph.Open(dir, graph.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := Run(st, dir, filepath.Join(dir, "absent.db"), "engram"); err == nil {
		t.Fatal("missing database must error")
	}
}
