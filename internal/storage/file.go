package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskdist/internal/models"
	logx "taskdist/pkg/logx"
)

// fileStore is the memory driver made durable.
//
// Files:
//   - <prefix>.snapshot.json (full state, replaced atomically on every commit)
//   - <prefix>.audit.jsonl   (append-only gate outcomes)
type fileStore struct {
	*memStore

	log          logx.Logger
	snapshotPath string

	auditMu   sync.Mutex
	auditFile *os.File
}

// auditRecord is one line of the audit log.
type auditRecord struct {
	At         time.Time `json:"at"`
	TemplateID string    `json:"template_id"`
	RuleID     string    `json:"rule_id,omitempty"`
	PeriodKey  string    `json:"period_key"`
	State      string    `json:"state"`
	RunAt      time.Time `json:"run_at"`
	Detail     string    `json:"detail,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	st := newMemState()
	if err := loadSnapshot(snapPath, st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     newMemStore(st),
		log:          log,
		snapshotPath: snapPath,
		auditFile:    af,
	}
	fs.persist = fs.writeSnapshot
	fs.onOutcome = fs.appendAudit
	fs.closer = fs.closeFiles
	return fs, nil
}

func (s *fileStore) writeSnapshot(st *memState) error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

// appendAudit is best-effort: the snapshot is the source of truth.
func (s *fileStore) appendAudit(rec models.OccurrenceRecord) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return
	}
	line := auditRecord{
		At: rec.At, TemplateID: rec.Key.TemplateID, RuleID: rec.Key.RuleID,
		PeriodKey: rec.Key.PeriodKey, State: string(rec.State), RunAt: rec.RunAt, Detail: rec.Detail,
	}
	if err := json.NewEncoder(s.auditFile).Encode(line); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

func (s *fileStore) closeFiles() error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func loadSnapshot(path string, out *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(out); err != nil {
		return err
	}
	out.fill()
	return nil
}
