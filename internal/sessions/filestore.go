package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/errs"
	"github.com/haasonsaas/nexus/pkg/models"

	"context"
)

const (
	transcriptExt = ".jsonl"
	metaExt       = ".meta.json"
	indexFileName = "sessions.json"
	archiveStamp  = "20060102150405"
)

// ResetPolicy configures when check_and_reset_session archives the current
// session and starts a fresh one.
type ResetPolicy struct {
	Mode            string // "daily", "idle", "manual", "never"
	AtHour          int
	IdleMinutes     int
	TriggerPrefixes []string
}

// ShouldReset evaluates the policy against the session's last activity and,
// for manual policies, the triggering user input.
func (p ResetPolicy) ShouldReset(now, lastActivity time.Time, userInput string) bool {
	trimmed := strings.TrimSpace(userInput)
	for _, prefix := range p.TriggerPrefixes {
		if prefix == "" {
			continue
		}
		if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
			return true
		}
	}

	switch p.Mode {
	case "daily":
		boundary := time.Date(now.Year(), now.Month(), now.Day(), p.AtHour, 0, 0, 0, now.Location())
		if now.Before(boundary) {
			boundary = boundary.AddDate(0, 0, -1)
		}
		return lastActivity.Before(boundary)
	case "idle":
		return now.Sub(lastActivity) > time.Duration(p.IdleMinutes)*time.Minute
	case "manual", "never", "":
		return false
	default:
		return false
	}
}

// sessionIndex is the on-disk shape of sessions.json: session_key -> session_id.
type sessionIndex struct {
	Keys map[string]string `json:"keys"`
}

// FileStore is the file-backed Store implementation: one transcript file and
// one metadata file per session, plus a single index file mapping
// session_key to session_id. All mutation is serialized per session_id via a
// SessionLocker; the index is written atomically (tmp + rename).
type FileStore struct {
	baseDir string
	locker  *SessionLocker

	idxMu sync.Mutex
	index sessionIndex

	cacheMu sync.RWMutex
	cache   map[string]*models.Session
}

// NewFileStore opens (creating if necessary) a file-backed store rooted at
// baseDir, loading the existing session index if present.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, "create session store directory", err)
	}
	fs := &FileStore{
		baseDir: baseDir,
		locker:  NewSessionLocker(DefaultLockTimeout),
		index:   sessionIndex{Keys: make(map[string]string)},
		cache:   make(map[string]*models.Session),
	}
	if err := fs.loadIndex(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) transcriptPath(id string) string { return filepath.Join(f.baseDir, id+transcriptExt) }
func (f *FileStore) metaPath(id string) string       { return filepath.Join(f.baseDir, id+metaExt) }
func (f *FileStore) backupPath(id string) string      { return filepath.Join(f.baseDir, id+".backup.jsonl") }
func (f *FileStore) indexPath() string                { return filepath.Join(f.baseDir, indexFileName) }

func (f *FileStore) archivedTranscriptPath(id string, ts time.Time) string {
	return filepath.Join(f.baseDir, fmt.Sprintf("%s.archived.%s.jsonl", id, ts.Format(archiveStamp)))
}

func (f *FileStore) archivedMetaPath(id string, ts time.Time) string {
	return filepath.Join(f.baseDir, fmt.Sprintf("%s.archived.%s.json", id, ts.Format(archiveStamp)))
}

func (f *FileStore) loadIndex() error {
	f.idxMu.Lock()
	defer f.idxMu.Unlock()

	data, err := os.ReadFile(f.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.IoError, "read session index", err)
	}
	var idx sessionIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return errs.Wrap(errs.CorruptTranscript, "parse session index", err)
	}
	if idx.Keys == nil {
		idx.Keys = make(map[string]string)
	}
	f.index = idx
	return nil
}

// writeIndexLocked persists the index via write-tmp-then-rename. Caller must
// hold idxMu.
func (f *FileStore) writeIndexLocked() error {
	data, err := json.MarshalIndent(f.index, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IoError, "marshal session index", err)
	}
	tmp := f.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.IoError, "write session index tmp file", err)
	}
	if err := os.Rename(tmp, f.indexPath()); err != nil {
		return errs.Wrap(errs.IoError, "rename session index tmp file", err)
	}
	return nil
}

func (f *FileStore) putIndexEntry(key, id string) error {
	f.idxMu.Lock()
	defer f.idxMu.Unlock()
	f.index.Keys[key] = id
	return f.writeIndexLocked()
}

func (f *FileStore) removeIndexEntry(key string) error {
	f.idxMu.Lock()
	defer f.idxMu.Unlock()
	delete(f.index.Keys, key)
	return f.writeIndexLocked()
}

func (f *FileStore) lookupIndex(key string) (string, bool) {
	f.idxMu.Lock()
	defer f.idxMu.Unlock()
	id, ok := f.index.Keys[key]
	return id, ok
}

func (f *FileStore) writeMeta(session *models.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IoError, "marshal session metadata", err)
	}
	tmp := f.metaPath(session.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.IoError, "write session metadata tmp file", err)
	}
	if err := os.Rename(tmp, f.metaPath(session.ID)); err != nil {
		return errs.Wrap(errs.IoError, "rename session metadata tmp file", err)
	}
	f.cacheMu.Lock()
	f.cache[session.ID] = session
	f.cacheMu.Unlock()
	return nil
}

func (f *FileStore) readMeta(id string) (*models.Session, error) {
	f.cacheMu.RLock()
	if s, ok := f.cache[id]; ok {
		f.cacheMu.RUnlock()
		cp := *s
		return &cp, nil
	}
	f.cacheMu.RUnlock()

	data, err := os.ReadFile(f.metaPath(id))
	if os.IsNotExist(err) {
		return nil, errs.NotFoundf("session %s", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "read session metadata", err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errs.Wrap(errs.CorruptTranscript, "parse session metadata", err)
	}
	f.cacheMu.Lock()
	cp := session
	f.cache[id] = &cp
	f.cacheMu.Unlock()
	return &session, nil
}

// Create generates a session_id, writes metadata and an empty transcript,
// and updates the index.
func (f *FileStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.LastActivity.IsZero() {
		session.LastActivity = now
	}
	if session.State == "" {
		session.State = models.SessionCreated
	}
	if session.SessionKey == "" {
		session.SessionKey = session.Key
	}

	if err := f.locker.LockWithContext(ctx, session.ID); err != nil {
		return errs.Wrap(errs.IoError, "lock new session", err)
	}
	defer f.locker.Unlock(session.ID)

	if _, err := os.OpenFile(f.transcriptPath(session.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644); err != nil {
		if os.IsExist(err) {
			return errs.New(errs.InvalidArgument, "session already exists: "+session.ID)
		}
		return errs.Wrap(errs.IoError, "create transcript file", err)
	}

	if err := f.writeMeta(session); err != nil {
		return err
	}
	if session.SessionKey != "" {
		if err := f.putIndexEntry(session.SessionKey, session.ID); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return f.readMeta(id)
}

func (f *FileStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	id, ok := f.lookupIndex(key)
	if !ok {
		return nil, errs.NotFoundf("session key %s", key)
	}
	return f.readMeta(id)
}

func (f *FileStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if s, err := f.GetByKey(ctx, key); err == nil {
		return s, nil
	} else if !errs.IsKind(err, errs.NotFound) {
		return nil, err
	}
	session := &models.Session{
		AgentID:    agentID,
		Channel:    channel,
		ChannelID:  channelID,
		Key:        key,
		SessionKey: key,
		State:      models.SessionCreated,
	}
	if err := f.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (f *FileStore) Update(ctx context.Context, session *models.Session) error {
	if err := f.locker.LockWithContext(ctx, session.ID); err != nil {
		return errs.Wrap(errs.IoError, "lock session for update", err)
	}
	defer f.locker.Unlock(session.ID)

	session.UpdatedAt = time.Now()
	return f.writeMeta(session)
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := f.locker.LockWithContext(ctx, id); err != nil {
		return errs.Wrap(errs.IoError, "lock session for delete", err)
	}
	defer f.locker.Unlock(id)

	session, err := f.readMeta(id)
	if err == nil && session.SessionKey != "" {
		_ = f.removeIndexEntry(session.SessionKey)
	}
	_ = os.Remove(f.transcriptPath(id))
	_ = os.Remove(f.metaPath(id))
	f.cacheMu.Lock()
	delete(f.cache, id)
	f.cacheMu.Unlock()
	return nil
}

func (f *FileStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "list session directory", err)
	}
	var out []*models.Session
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaExt) || strings.Contains(name, ".archived.") {
			continue
		}
		id := strings.TrimSuffix(name, metaExt)
		session, err := f.readMeta(id)
		if err != nil {
			continue
		}
		if agentID != "" && session.AgentID != agentID {
			continue
		}
		if opts.Channel != "" && session.Channel != opts.Channel {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) {
		out = nil
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// AppendMessage appends one message to the transcript and updates metadata
// under the per-session lock, per spec 4.1: append line, update counts and
// last-activity, write metadata.
func (f *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	return f.AppendMessages(ctx, sessionID, []*models.Message{msg})
}

func (f *FileStore) AppendMessages(ctx context.Context, sessionID string, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := f.locker.LockWithContext(ctx, sessionID); err != nil {
		return errs.Wrap(errs.IoError, "lock session for append", err)
	}
	defer f.locker.Unlock(sessionID)

	file, err := os.OpenFile(f.transcriptPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IoError, "open transcript for append", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, m := range msgs {
		if m.SessionID == "" {
			m.SessionID = sessionID
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		line, err := json.Marshal(m)
		if err != nil {
			return errs.Wrap(errs.IoError, "marshal message", err)
		}
		if _, err := w.Write(line); err != nil {
			return errs.Wrap(errs.IoError, "write transcript line", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return errs.Wrap(errs.IoError, "write transcript newline", err)
		}
	}
	if err := w.Flush(); err != nil {
		return errs.Wrap(errs.IoError, "flush transcript", err)
	}

	session, err := f.readMeta(sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	session.LastActivity = now
	session.MessageCount += len(msgs)
	if session.State == models.SessionCreated {
		for _, m := range msgs {
			if m.Role == models.RoleUser {
				session.State = models.SessionActive
				break
			}
		}
	}
	return f.writeMeta(session)
}

// GetHistory streams the transcript from disk, returning up to limit of the
// most recent messages (0 = all).
func (f *FileStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	file, err := os.Open(f.transcriptPath(sessionID))
	if os.IsNotExist(err) {
		return nil, errs.NotFoundf("session %s", sessionID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open transcript", err)
	}
	defer file.Close()

	var messages []*models.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytesTrimSpace(line)) == 0 {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, errs.Wrap(errs.CorruptTranscript, fmt.Sprintf("transcript %s line %d", sessionID, lineNo), err)
		}
		messages = append(messages, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.IoError, "scan transcript", err)
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func bytesTrimSpace(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}

// CompactSession replaces the transcript with newMessages: rename to
// .backup, write the replacement, replace metadata, delete the backup on
// success; on any error restore the backup.
func (f *FileStore) CompactSession(ctx context.Context, sessionID string, newMessages []*models.Message, tokenCount int) error {
	if err := f.locker.LockWithContext(ctx, sessionID); err != nil {
		return errs.Wrap(errs.IoError, "lock session for compaction", err)
	}
	defer f.locker.Unlock(sessionID)

	transcript := f.transcriptPath(sessionID)
	backup := f.backupPath(sessionID)

	if err := os.Rename(transcript, backup); err != nil {
		return errs.Wrap(errs.IoError, "rename transcript to backup", err)
	}

	if err := f.writeTranscript(transcript, newMessages); err != nil {
		if restoreErr := os.Rename(backup, transcript); restoreErr != nil {
			return errs.Wrap(errs.IoError, "write new transcript failed and backup restore failed", restoreErr)
		}
		return err
	}

	session, err := f.readMeta(sessionID)
	if err != nil {
		_ = os.Rename(backup, transcript)
		return err
	}
	session.MessageCount = len(newMessages)
	session.TokenCount = tokenCount
	session.State = models.SessionActive
	if err := f.writeMeta(session); err != nil {
		_ = os.Rename(backup, transcript)
		return err
	}

	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IoError, "remove compaction backup", err)
	}
	return nil
}

func (f *FileStore) writeTranscript(path string, messages []*models.Message) error {
	file, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.IoError, "create replacement transcript", err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	for _, m := range messages {
		line, err := json.Marshal(m)
		if err != nil {
			return errs.Wrap(errs.IoError, "marshal replacement message", err)
		}
		if _, err := w.Write(line); err != nil {
			return errs.Wrap(errs.IoError, "write replacement transcript line", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return errs.Wrap(errs.IoError, "write replacement transcript newline", err)
		}
	}
	return w.Flush()
}

// ArchiveSession renames the transcript and metadata to timestamped
// .archived.* files and drops the in-memory caches and index entry.
func (f *FileStore) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := f.locker.LockWithContext(ctx, sessionID); err != nil {
		return errs.Wrap(errs.IoError, "lock session for archive", err)
	}
	defer f.locker.Unlock(sessionID)

	session, err := f.readMeta(sessionID)
	if err != nil {
		return err
	}
	if session.State == models.SessionArchived {
		return errs.New(errs.AlreadyArchived, "session already archived: "+sessionID)
	}

	now := time.Now()
	transcript := f.transcriptPath(sessionID)
	archivedTranscript := f.archivedTranscriptPath(sessionID, now)
	if err := os.Rename(transcript, archivedTranscript); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IoError, "rename transcript for archive", err)
	}

	session.State = models.SessionArchived
	session.UpdatedAt = now
	archivedMeta := f.archivedMetaPath(sessionID, now)
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return errs.Wrap(errs.IoError, "marshal archived metadata", err)
	}
	if err := os.WriteFile(archivedMeta, data, 0o644); err != nil {
		return errs.Wrap(errs.IoError, "write archived metadata", err)
	}
	if err := os.Remove(f.metaPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.IoError, "remove live metadata after archive", err)
	}

	if session.SessionKey != "" {
		_ = f.removeIndexEntry(session.SessionKey)
	}
	f.cacheMu.Lock()
	delete(f.cache, sessionID)
	f.cacheMu.Unlock()
	return nil
}

// CheckAndResetSession implements the create-or-reset-or-return flow: no
// session -> create; reset trigger matched or policy says reset based on
// last_activity -> archive + create; else return current.
func (f *FileStore) CheckAndResetSession(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string, userInput string, policy ResetPolicy) (*models.Session, error) {
	session, err := f.GetByKey(ctx, key)
	if err != nil {
		if errs.IsKind(err, errs.NotFound) {
			return f.GetOrCreate(ctx, key, agentID, channel, channelID)
		}
		return nil, err
	}

	if policy.ShouldReset(time.Now(), session.LastActivity, userInput) {
		if err := f.ArchiveSession(ctx, session.ID); err != nil && !errs.IsKind(err, errs.AlreadyArchived) {
			return nil, err
		}
		return f.GetOrCreate(ctx, key, agentID, channel, channelID)
	}
	return session, nil
}

// PruneOldSessions archives sessions whose last activity is older than
// maxAgeDays, or beyond maxSessions total, preserving the most recently
// updated. maxSessions <= 0 disables the count cap.
func (f *FileStore) PruneOldSessions(ctx context.Context, maxAgeDays int, maxSessions int) ([]string, error) {
	all, err := f.List(ctx, "", ListOptions{})
	if err != nil {
		return nil, err
	}

	var archived []string
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	var kept []*models.Session
	for _, s := range all {
		if s.LastActivity.Before(cutoff) {
			if err := f.ArchiveSession(ctx, s.ID); err != nil && !errs.IsKind(err, errs.AlreadyArchived) {
				return archived, err
			}
			archived = append(archived, s.ID)
			continue
		}
		kept = append(kept, s)
	}

	if maxSessions > 0 && len(kept) > maxSessions {
		sort.Slice(kept, func(i, j int) bool { return kept[i].UpdatedAt.After(kept[j].UpdatedAt) })
		for _, s := range kept[maxSessions:] {
			if err := f.ArchiveSession(ctx, s.ID); err != nil && !errs.IsKind(err, errs.AlreadyArchived) {
				return archived, err
			}
			archived = append(archived, s.ID)
		}
	}
	return archived, nil
}
