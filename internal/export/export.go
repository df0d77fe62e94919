// Package export archives conversation transcripts to a local SQLite archive
// and per-conversation CSV files. Export is a best-effort side channel: every
// failure is logged and swallowed, never propagated to the reply path.
package export

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// HistorySource supplies the turns to archive for a conversation.
type HistorySource interface {
	Messages(conversationID string) []models.ChatTurn
}

// Exporter archives conversations. Safe for concurrent use.
type Exporter struct {
	source HistorySource
	dir    string
	db     *sql.DB
	mu     sync.Mutex
}

// NewExporter creates an Exporter writing CSV files and a SQLite archive
// under dir, creating it if needed.
func NewExporter(source HistorySource, dir string) (*Exporter, error) {
	if source == nil {
		return nil, fmt.Errorf("history source is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "conversations.db")+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			turn_time TIMESTAMP,
			exported_at TIMESTAMP NOT NULL,
			UNIQUE (conversation_id, turn_index)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}

	return &Exporter{source: source, dir: dir, db: db}, nil
}

// SaveConversation archives the conversation's current turns. Never fails the
// caller; errors are logged.
func (e *Exporter) SaveConversation(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	turns := e.source.Messages(conversationID)
	if len(turns) == 0 {
		return
	}

	if err := e.archiveToDB(conversationID, turns); err != nil {
		slog.Error("Exporter.SaveConversation: archive write failed",
			"conversationID", conversationID, "error", err)
	}
	if err := e.writeCSV(conversationID, turns); err != nil {
		slog.Error("Exporter.SaveConversation: CSV write failed",
			"conversationID", conversationID, "error", err)
	}
}

// Close releases the archive database.
func (e *Exporter) Close() error {
	return e.db.Close()
}

func (e *Exporter) archiveToDB(conversationID string, turns []models.ChatTurn) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, turn := range turns {
		_, err := tx.Exec(`
			INSERT INTO conversation_turns (id, conversation_id, turn_index, role, content, turn_time, exported_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id, turn_index) DO UPDATE SET
				role = excluded.role,
				content = excluded.content,
				exported_at = excluded.exported_at`,
			uuid.New().String(), conversationID, i, string(turn.Role), turn.Text(), turn.Timestamp, now)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (e *Exporter) writeCSV(conversationID string, turns []models.ChatTurn) error {
	path := filepath.Join(e.dir, conversationID+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"index", "role", "content", "timestamp"}); err != nil {
		return err
	}
	for i, turn := range turns {
		record := []string{
			strconv.Itoa(i),
			string(turn.Role),
			turn.Text(),
			turn.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
