// Package migrate imports a legacy SQLite memory database into the graph
// store. Legacy memories become concept entities attached to their project
// with learned_from facts; processed database paths are tracked in a
// progress file so each source imports once.
package migrate

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/nous-labs/engram/pkg/graph"
)

const (
	markerFile   = ".migrated"
	progressFile = ".migration-progress"
)

// Report summarizes one migration run.
type Report struct {
	Memories int
	Entities int
	Facts    int
	Skipped  int
}

// legacyMemory mirrors one row of the legacy memories table.
type legacyMemory struct {
	ID        int64
	Type      string
	Scope     string
	Content   string
	Tags      string
	Source    string
	CreatedAt time.Time
}

// Run imports dbPath into store. Each processed database path is appended
// to the progress file, so re-running over the same path is a no-op and
// additional legacy databases can be imported later. project names the
// entity all imported knowledge hangs off.
func Run(store *graph.Store, storeDir, dbPath, project string) (*Report, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		abs = dbPath
	}
	done, err := processedPaths(storeDir)
	if err != nil {
		return nil, err
	}
	if done[abs] {
		return &Report{}, nil
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("legacy database not found at %s", dbPath)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open legacy db: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping legacy db: %w", err)
	}

	memories, err := readMemories(db)
	if err != nil {
		return nil, err
	}

	rep := &Report{Memories: len(memories)}
	if project == "" {
		project = "imported"
	}

	// Memories carrying a scope hang off a project entity named after it;
	// the rest fall back to the configured project.
	projectIDs := map[string]string{}
	projectFor := func(scope string) (string, error) {
		name := scope
		if name == "" || name == "global" {
			name = project
		}
		if id, ok := projectIDs[name]; ok {
			return id, nil
		}
		id, err := store.UpsertEntity(graph.EntityProject, name, nil, nil)
		if err != nil {
			return "", fmt.Errorf("upsert project %q: %w", name, err)
		}
		projectIDs[name] = id
		return id, nil
	}
	if _, err := projectFor(""); err != nil {
		return nil, err
	}

	for _, m := range memories {
		if m.Content == "" {
			rep.Skipped++
			continue
		}
		name := truncateName(m.Content, 80)
		props := map[string]any{
			"legacy_id":   m.ID,
			"legacy_type": m.Type,
			"source":      m.Source,
		}
		if m.Tags != "" {
			props["tags"] = m.Tags
		}
		id, err := store.UpsertEntity(graph.EntityConcept, name, props, nil)
		if err != nil {
			slog.Warn("legacy memory skipped", "id", m.ID, "error", err)
			rep.Skipped++
			continue
		}
		rep.Entities++

		projectID, err := projectFor(m.Scope)
		if err != nil {
			return nil, err
		}
		validAt := m.CreatedAt
		if validAt.IsZero() {
			validAt = time.Now().UTC()
		}
		_, err = store.AddFact(graph.AddFactParams{
			SourceID:    projectID,
			TargetID:    id,
			Relation:    graph.RelLearnedFrom,
			Description: m.Content,
			Confidence:  0.5,
			ValidAt:     &validAt,
			MemoryType:  graph.MemorySemantic,
		})
		if err != nil {
			slog.Warn("legacy fact skipped", "id", m.ID, "error", err)
			continue
		}
		rep.Facts++
	}

	if err := store.Flush(); err != nil {
		return nil, fmt.Errorf("flush store: %w", err)
	}
	if err := recordProcessed(storeDir, abs); err != nil {
		return nil, err
	}
	marker := filepath.Join(storeDir, markerFile)
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write migration marker: %w", err)
	}

	slog.Info("legacy migration complete",
		"memories", rep.Memories,
		"entities", rep.Entities,
		"facts", rep.Facts,
		"skipped", rep.Skipped)
	return rep, nil
}

// truncateName caps s at max bytes without splitting a multi-byte rune.
func truncateName(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func processedPaths(storeDir string) (map[string]bool, error) {
	data, err := os.ReadFile(filepath.Join(storeDir, progressFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("read migration progress: %w", err)
	}
	out := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out[line] = true
		}
	}
	return out, nil
}

func recordProcessed(storeDir, path string) error {
	f, err := os.OpenFile(filepath.Join(storeDir, progressFile),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open migration progress: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, path); err != nil {
		return fmt.Errorf("append migration progress: %w", err)
	}
	return nil
}

func readMemories(db *sql.DB) ([]legacyMemory, error) {
	rows, err := db.Query(`SELECT id, type, scope, content, tags, source, created_at
		FROM memories WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query legacy memories: %w", err)
	}
	defer rows.Close()

	var out []legacyMemory
	for rows.Next() {
		var m legacyMemory
		var typ, scope, content, tags, source, createdAt sql.NullString
		if err := rows.Scan(&m.ID, &typ, &scope, &content, &tags, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan legacy memory: %w", err)
		}
		m.Type = typ.String
		m.Scope = scope.String
		m.Content = content.String
		m.Tags = tags.String
		m.Source = source.String
		if createdAt.Valid {
			m.CreatedAt = parseTime(createdAt.String)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
