package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ILLUVRSE/AssetBridge/internal/signing"
)

// FileStore is a file-backed audit chain for dev and tests. Each event is a
// JSON file named by its sequence number; head.hash tracks the chain head.
type FileStore struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	events []Event
	byKey  map[string]int
}

// NewFileStore opens dir, creating it if needed, and loads existing events.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f := &FileStore{dir: dir, now: time.Now, byKey: make(map[string]int)}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) load() error {
	matches, err := filepath.Glob(filepath.Join(f.dir, "audit_*.json"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		f.index(ev)
	}
	return nil
}

func (f *FileStore) index(ev Event) {
	f.events = append(f.events, ev)
	if ev.Key != "" {
		f.byKey[ev.Key] = len(f.events) - 1
	}
}

func (f *FileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}

func (f *FileStore) Append(ctx context.Context, ev *Event, s signing.Signer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ev.Key != "" {
		if i, ok := f.byKey[ev.Key]; ok {
			*ev = f.events[i]
			return nil
		}
	}
	prev := ""
	if n := len(f.events); n > 0 {
		prev = f.events[n-1].Hash
	}
	if err := seal(ctx, ev, prev, s, f.now()); err != nil {
		return err
	}

	b, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	name := fmt.Sprintf("audit_%012d_%s.json", len(f.events)+1, ev.ID)
	if err := os.WriteFile(filepath.Join(f.dir, name), b, 0o644); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, "head.hash"), []byte(ev.Hash), 0o644); err != nil {
		return fmt.Errorf("write head.hash: %w", err)
	}

	// round-trip the payload so in-memory copies match what List returns after a reload
	var reloaded Event
	if err := json.Unmarshal(b, &reloaded); err != nil {
		return fmt.Errorf("decode audit event: %w", err)
	}
	f.index(reloaded)
	return nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		if f.events[i].ID == id {
			ev := f.events[i]
			return &ev, nil
		}
	}
	return nil, ErrNotFound
}

func (f *FileStore) List(ctx context.Context, filter ListFilter) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	limit := normalizeLimit(filter.Limit)
	out := make([]Event, 0)
	skipped := 0
	for _, ev := range f.events {
		if filter.ShipmentID != "" && ev.ShipmentID != filter.ShipmentID {
			continue
		}
		if filter.EventType != "" && !strings.EqualFold(ev.EventType, filter.EventType) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
