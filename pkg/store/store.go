// Package store persists the coordinator's state as two JSON documents under
// the daemon's data directory. Every save fully overwrites the previous
// document through a temp file and rename, so a crash leaves either the old or
// the new content on disk, never a torn write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pingme/pkg/protocol"
)

// Snapshot is the full persisted state.
type Snapshot struct {
	Requests     map[string]*protocol.Request
	Responses    map[string]*protocol.Response
	ExternalRefs map[string]string // external message id -> request id
	Bindings     map[string]*protocol.TerminalBinding
}

// NewSnapshot returns a snapshot with all maps allocated.
func NewSnapshot() Snapshot {
	return Snapshot{
		Requests:     make(map[string]*protocol.Request),
		Responses:    make(map[string]*protocol.Response),
		ExternalRefs: make(map[string]string),
		Bindings:     make(map[string]*protocol.TerminalBinding),
	}
}

// requestsDoc is the on-disk layout of requests.json.
type requestsDoc struct {
	Requests  map[string]*protocol.Request  `json:"requests"`
	Responses map[string]*protocol.Response `json:"responses"`
}

// sessionsDoc is the on-disk layout of sessions.json.
type sessionsDoc struct {
	MessageToRequest map[string]string                    `json:"messageToRequest"`
	Bindings         map[string]*protocol.TerminalBinding `json:"bindings"`
}

// Store reads and writes the two state documents.
type Store struct {
	dir    string
	logger *slog.Logger

	// nowFunc allows tests to control the corrupt-file suffix.
	nowFunc func() time.Time
}

// New returns a Store rooted at dir. The directory is created on first save.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{dir: dir, logger: logger, nowFunc: time.Now}
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) requestsPath() string { return filepath.Join(s.dir, protocol.RequestsFile) }
func (s *Store) sessionsPath() string { return filepath.Join(s.dir, protocol.SessionsFile) }

// Load reads both documents. A missing file yields empty maps; a corrupt
// file is logged, moved aside, and also yields empty maps. Load never fails.
func (s *Store) Load() Snapshot {
	snap := NewSnapshot()

	var reqs requestsDoc
	if s.readDoc(s.requestsPath(), &reqs) {
		for id, r := range reqs.Requests {
			if r != nil {
				snap.Requests[id] = r
			}
		}
		for id, r := range reqs.Responses {
			if r != nil {
				snap.Responses[id] = r
			}
		}
	}

	var sess sessionsDoc
	if s.readDoc(s.sessionsPath(), &sess) {
		for ref, id := range sess.MessageToRequest {
			snap.ExternalRefs[ref] = id
		}
		for id, b := range sess.Bindings {
			if b != nil {
				snap.Bindings[id] = b
			}
		}
	}

	return snap
}

// readDoc decodes path into v. It returns false when the file is absent,
// unreadable or corrupt.
func (s *Store) readDoc(path string, v any) bool {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the configured data dir
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("state file unreadable, starting empty", "path", path, "error", err)
		}
		return false
	}
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		aside := path + ".corrupt-" + strconv.FormatInt(s.nowFunc().Unix(), 10)
		if renameErr := os.Rename(path, aside); renameErr != nil {
			s.logger.Error("state file corrupt and could not be moved aside",
				"path", path, "error", err, "rename_error", renameErr)
		} else {
			s.logger.Error("state file corrupt, moved aside and starting empty",
				"path", path, "moved_to", aside, "error", err)
		}
		return false
	}
	return true
}

// SaveRequests overwrites requests.json with the given maps.
func (s *Store) SaveRequests(requests map[string]*protocol.Request, responses map[string]*protocol.Response) error {
	doc := requestsDoc{Requests: requests, Responses: responses}
	if doc.Requests == nil {
		doc.Requests = map[string]*protocol.Request{}
	}
	if doc.Responses == nil {
		doc.Responses = map[string]*protocol.Response{}
	}
	return s.writeDoc(s.requestsPath(), doc)
}

// SaveSessions overwrites sessions.json with the given maps.
func (s *Store) SaveSessions(refs map[string]string, bindings map[string]*protocol.TerminalBinding) error {
	doc := sessionsDoc{MessageToRequest: refs, Bindings: bindings}
	if doc.MessageToRequest == nil {
		doc.MessageToRequest = map[string]string{}
	}
	if doc.Bindings == nil {
		doc.Bindings = map[string]*protocol.TerminalBinding{}
	}
	return s.writeDoc(s.sessionsPath(), doc)
}

// writeDoc writes v to path atomically.
func (s *Store) writeDoc(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory %s: %w", s.dir, err)
	}

	tmpFile, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(0o600); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("setting temp state permissions: %w", err)
	}
	if _, err := tmpFile.Write(payload); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	cleanup = false
	return nil
}
