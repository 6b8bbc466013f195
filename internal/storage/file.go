package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"changewatch/internal/types"
)

// Compile-time assertion that FileBackend implements Backend.
var _ Backend = (*FileBackend)(nil)

// Directory layout under the backend root. Every mutation uses
// write-to-temp-then-rename so the backend stays safe on network filesystems
// (NFS/CIFS) where advisory locks are unreliable.
const (
	dirQueue         = "queue"
	dirSchedule      = "schedule"
	dirResults       = "results"
	dirMetadata      = "task_metadata"
	dirRetryAttempts = "retry_attempts"
	dirSuccess       = "success"
	dirRevoked       = "revoked"
	dirLostFound     = "lost-found/results"
	dirAttemptArch   = "retry_attempts/archive"
)

// FileBackend stores every record as an individual JSON file. Queue and
// schedule ordering is encoded in zero-padded nanosecond filename prefixes so
// plain lexicographic directory listings yield FIFO / ETA order. Claiming a
// job is an atomic rename, which makes Pop safe with concurrent workers and
// concurrent readers on a shared filesystem.
type FileBackend struct {
	root   string
	logger types.Logger
}

// NewFileBackend creates the directory layout under root and returns the
// backend.
func NewFileBackend(root string, logger types.Logger) (*FileBackend, error) {
	b := &FileBackend{root: root, logger: logger}
	for _, d := range []string{
		dirQueue, dirSchedule, dirResults, dirMetadata,
		dirRetryAttempts, dirSuccess, dirRevoked, dirLostFound, dirAttemptArch,
	} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("file backend: create %s: %w", d, err)
		}
	}
	b.recoverClaims()
	return b, nil
}

// recoverClaims returns crashed-claim queue entries to the queue. A claim
// file only outlives Pop when the process died between claiming and
// processing; no workers are running at open time, so every one found here
// is stale.
func (b *FileBackend) recoverClaims() {
	dir := filepath.Join(b.root, dirQueue)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".claim-") {
			continue
		}
		restored := strings.TrimPrefix(name, ".claim-")
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, restored)); err != nil {
			b.logger.Warn("failed to restore claimed queue entry", "entry", name, "error", err.Error())
			continue
		}
		b.logger.Info("restored crashed claim to queue", "entry", restored)
	}
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename. Rename within one directory is atomic on POSIX
// filesystems and on the network filesystems we target.
func (b *FileBackend) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// listEntries returns the sorted visible file names of a subdirectory.
// Temp files (dot-prefixed) are excluded.
func (b *FileBackend) listEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, dir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// envelopeFileName encodes ordering into the name: zero-padded nanoseconds
// followed by the task ID.
func envelopeFileName(ts time.Time, taskID string) string {
	return fmt.Sprintf("%020d-%s.json", ts.UnixNano(), taskID)
}

// taskIDFromFileName extracts the task ID from a queue/schedule file name.
func taskIDFromFileName(name string) string {
	name = strings.TrimSuffix(name, ".json")
	if i := strings.IndexByte(name, '-'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (b *FileBackend) Push(ctx context.Context, env *types.JobEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("file backend: marshal envelope: %w", err)
	}
	name := envelopeFileName(time.Now().UTC(), env.TaskID)
	return b.writeAtomic(filepath.Join(b.root, dirQueue, name), data)
}

func (b *FileBackend) Pop(ctx context.Context) (*types.JobEnvelope, error) {
	names, err := b.listEntries(dirQueue)
	if err != nil {
		b.logger.Warn("queue listing failed", "error", err.Error())
		return nil, nil
	}

	for _, name := range names {
		src := filepath.Join(b.root, dirQueue, name)
		claim := filepath.Join(b.root, dirQueue, ".claim-"+name)

		// Atomic claim: the rename succeeds for exactly one worker.
		if err := os.Rename(src, claim); err != nil {
			continue
		}

		data, err := os.ReadFile(claim)
		os.Remove(claim)
		if err != nil {
			b.logger.Warn("claimed queue entry unreadable", "entry", name, "error", err.Error())
			continue
		}

		var env types.JobEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("discarding corrupt queue entry", "entry", name, "error", err.Error())
			continue
		}

		if b.isRevoked(env.TaskID) {
			b.clearRevoked(env.TaskID)
			continue
		}
		return &env, nil
	}
	return nil, nil
}

func (b *FileBackend) Schedule(ctx context.Context, env *types.JobEnvelope) error {
	if env.ETA == nil {
		return fmt.Errorf("file backend: schedule requires an ETA")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("file backend: marshal envelope: %w", err)
	}
	name := envelopeFileName(*env.ETA, env.TaskID)
	return b.writeAtomic(filepath.Join(b.root, dirSchedule, name), data)
}

func (b *FileBackend) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	names, err := b.listEntries(dirSchedule)
	if err != nil {
		return 0, fmt.Errorf("file backend: schedule listing: %w", err)
	}

	cutoff := fmt.Sprintf("%020d", now.UnixNano())
	promoted := 0
	for _, name := range names {
		if name > cutoff {
			break // names sort by ETA; everything after is in the future
		}
		src := filepath.Join(b.root, dirSchedule, name)
		dst := filepath.Join(b.root, dirQueue, name)
		if err := os.Rename(src, dst); err != nil {
			continue // another process promoted it
		}
		promoted++
	}
	return promoted, nil
}

// scheduleEntryFor finds the schedule file name for a task ID, or "".
func (b *FileBackend) scheduleEntryFor(taskID string) string {
	names, err := b.listEntries(dirSchedule)
	if err != nil {
		return ""
	}
	suffix := "-" + taskID + ".json"
	for _, name := range names {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return ""
}

func (b *FileBackend) ScheduledTask(ctx context.Context, taskID string) (*types.JobEnvelope, error) {
	name := b.scheduleEntryFor(taskID)
	if name == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(b.root, dirSchedule, name))
	if err != nil {
		return nil, nil
	}
	var env types.JobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("corrupt schedule entry", "entry", name, "error", err.Error())
		return nil, nil
	}
	return &env, nil
}

func (b *FileBackend) RemoveScheduled(ctx context.Context, taskID string) (bool, error) {
	name := b.scheduleEntryFor(taskID)
	if name == "" {
		return false, nil
	}
	if err := os.Remove(filepath.Join(b.root, dirSchedule, name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("file backend: remove scheduled: %w", err)
	}
	return true, nil
}

func (b *FileBackend) listEnvelopes(dir string) ([]*types.JobEnvelope, error) {
	names, err := b.listEntries(dir)
	if err != nil {
		b.logger.Warn("listing failed", "dir", dir, "error", err.Error())
		return nil, nil
	}
	envs := make([]*types.JobEnvelope, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(b.root, dir, name))
		if err != nil {
			continue
		}
		var env types.JobEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("skipping corrupt entry", "dir", dir, "entry", name, "error", err.Error())
			continue
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

func (b *FileBackend) ListQueued(ctx context.Context) ([]*types.JobEnvelope, error) {
	return b.listEnvelopes(dirQueue)
}

func (b *FileBackend) ListScheduled(ctx context.Context) ([]*types.JobEnvelope, error) {
	return b.listEnvelopes(dirSchedule)
}

func (b *FileBackend) revokedMarker(taskID string) string {
	return filepath.Join(b.root, dirRevoked, taskID)
}

func (b *FileBackend) isRevoked(taskID string) bool {
	_, err := os.Stat(b.revokedMarker(taskID))
	return err == nil
}

func (b *FileBackend) clearRevoked(taskID string) {
	os.Remove(b.revokedMarker(taskID))
}

func (b *FileBackend) Revoke(ctx context.Context, taskID string) error {
	// Remove the schedule entry outright; a queued entry cannot be removed
	// mid-list safely, so it is discarded at Pop time via the marker.
	if _, err := b.RemoveScheduled(ctx, taskID); err != nil {
		return err
	}
	return b.writeAtomic(b.revokedMarker(taskID), []byte{})
}

func (b *FileBackend) CountItems(ctx context.Context) (int, int, error) {
	queued, err := b.listEntries(dirQueue)
	if err != nil {
		return 0, 0, fmt.Errorf("file backend: count queue: %w", err)
	}
	scheduled, err := b.listEntries(dirSchedule)
	if err != nil {
		return 0, 0, fmt.Errorf("file backend: count schedule: %w", err)
	}
	return len(queued), len(scheduled), nil
}

// resultPath shards result files into subfolders by a short hash of the task
// ID so one directory never accumulates the entire history.
func (b *FileBackend) resultPath(taskID string) string {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	shard := fmt.Sprintf("%02x", byte(h.Sum32()))
	return filepath.Join(b.root, dirResults, shard, taskID+".json")
}

func (b *FileBackend) StoreResult(ctx context.Context, res *types.TaskResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("file backend: marshal result: %w", err)
	}
	path := b.resultPath(res.TaskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("file backend: result shard dir: %w", err)
	}
	return b.writeAtomic(path, data)
}

func (b *FileBackend) EnumerateResults(ctx context.Context) (map[string]*types.TaskResult, error) {
	out := make(map[string]*types.TaskResult)
	resultsRoot := filepath.Join(b.root, dirResults)

	shards, err := os.ReadDir(resultsRoot)
	if err != nil {
		b.logger.Warn("results listing failed", "error", err.Error())
		return out, nil
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(resultsRoot, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			path := filepath.Join(resultsRoot, shard.Name(), e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var res types.TaskResult
			if err := json.Unmarshal(data, &res); err != nil || res.TaskID == "" {
				b.quarantineResult(path, e.Name(), err)
				continue
			}
			out[res.TaskID] = &res
		}
	}
	return out, nil
}

// quarantineResult moves a truncated or unparseable result record into the
// lost-found area via atomic rename so it is excluded from enumeration
// without ever crashing the caller.
func (b *FileBackend) quarantineResult(path, name string, cause error) {
	dst := filepath.Join(b.root, dirLostFound, name+".corrupted")
	if err := os.Rename(path, dst); err != nil {
		b.logger.Warn("failed to quarantine corrupt result", "entry", name, "error", err.Error())
		return
	}
	msg := "record failed to decode"
	if cause != nil {
		msg = cause.Error()
	}
	b.logger.Warn("quarantined corrupt result record", "entry", name, "cause", msg)
}

func (b *FileBackend) DeleteResult(ctx context.Context, taskID string) (bool, error) {
	err := os.Remove(b.resultPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("file backend: delete result: %w", err)
	}
	return true, nil
}

func (b *FileBackend) metadataPath(taskID string) string {
	return filepath.Join(b.root, dirMetadata, taskID+".json")
}

func (b *FileBackend) StoreTaskMetadata(ctx context.Context, md *types.TaskMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("file backend: marshal metadata: %w", err)
	}
	return b.writeAtomic(b.metadataPath(md.TaskID), data)
}

func (b *FileBackend) GetTaskMetadata(ctx context.Context, taskID string) (*types.TaskMetadata, error) {
	data, err := os.ReadFile(b.metadataPath(taskID))
	if err != nil {
		return nil, nil
	}
	var md types.TaskMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		b.logger.Warn("corrupt task metadata", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	return &md, nil
}

func (b *FileBackend) DeleteTaskMetadata(ctx context.Context, taskID string) (bool, error) {
	err := os.Remove(b.metadataPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("file backend: delete metadata: %w", err)
	}
	return true, nil
}

// Retry-attempt records are one file per attempt. Appending never rewrites an
// existing file, which keeps the history append-only without
// read-modify-write cycles that would race on shared filesystems.
func (b *FileBackend) AppendRetryAttempt(ctx context.Context, rec *types.RetryAttemptRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file backend: marshal retry attempt: %w", err)
	}
	name := fmt.Sprintf("%s-%03d.json", rec.TaskID, rec.Attempt)
	return b.writeAtomic(filepath.Join(b.root, dirRetryAttempts, name), data)
}

func (b *FileBackend) ListRetryAttempts(ctx context.Context, taskID string) ([]types.RetryAttemptRecord, error) {
	names, err := b.listEntries(dirRetryAttempts)
	if err != nil {
		b.logger.Warn("retry attempt listing failed", "error", err.Error())
		return nil, nil
	}
	prefix := taskID + "-"
	var recs []types.RetryAttemptRecord
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.root, dirRetryAttempts, name))
		if err != nil {
			continue
		}
		var rec types.RetryAttemptRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			b.logger.Warn("skipping corrupt retry attempt", "entry", name, "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Attempt < recs[j].Attempt })
	return recs, nil
}

func (b *FileBackend) PurgeTaskHistory(ctx context.Context, taskID string) error {
	names, err := b.listEntries(dirRetryAttempts)
	if err != nil {
		return fmt.Errorf("file backend: purge task history: %w", err)
	}
	prefix := taskID + "-"
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			os.Remove(filepath.Join(b.root, dirRetryAttempts, name))
		}
	}
	b.clearRevoked(taskID)
	return nil
}

// CleanupOldRetryAttempts archives records older than cutoff into a
// zstd-compressed bundle before deleting them, so the history survives in
// cold storage for post-mortems. File modification time stands in for the
// record timestamp to avoid deserializing every record.
func (b *FileBackend) CleanupOldRetryAttempts(ctx context.Context, cutoff time.Time) (int, error) {
	dir := filepath.Join(b.root, dirRetryAttempts)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("file backend: list retry attempts: %w", err)
	}

	var pruned []json.RawMessage
	var prunedPaths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if data, err := os.ReadFile(path); err == nil {
			pruned = append(pruned, json.RawMessage(data))
		}
		prunedPaths = append(prunedPaths, path)
	}

	if len(prunedPaths) == 0 {
		return 0, nil
	}

	if err := b.archiveAttempts(pruned); err != nil {
		// Archiving is best-effort cold storage; deletion still proceeds.
		b.logger.Warn("retry attempt archive failed", "error", err.Error())
	}

	deleted := 0
	for _, path := range prunedPaths {
		if err := os.Remove(path); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

func (b *FileBackend) archiveAttempts(records []json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	name := strconv.FormatInt(time.Now().UTC().UnixNano(), 10) + ".json.zst"
	return b.writeAtomic(filepath.Join(b.root, dirAttemptArch, name), compressed)
}

func (b *FileBackend) AppendDelivered(ctx context.Context, rec *types.DeliveredRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("file backend: marshal delivered record: %w", err)
	}
	name := fmt.Sprintf("success-%020d-%s.json", rec.Timestamp.UnixNano(), rec.TaskID)
	return b.writeAtomic(filepath.Join(b.root, dirSuccess, name), data)
}

func (b *FileBackend) ListDelivered(ctx context.Context, limit int) ([]types.DeliveredRecord, error) {
	names, err := b.listEntries(dirSuccess)
	if err != nil {
		b.logger.Warn("delivered listing failed", "error", err.Error())
		return nil, nil
	}

	// Names sort oldest-first; walk backwards for newest-first.
	var recs []types.DeliveredRecord
	for i := len(names) - 1; i >= 0; i-- {
		if limit > 0 && len(recs) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(b.root, dirSuccess, names[i]))
		if err != nil {
			continue
		}
		var rec types.DeliveredRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			b.logger.Warn("skipping corrupt delivered record", "entry", names[i], "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// clearDir removes every visible file directly inside dir and returns the
// count removed.
func (b *FileBackend) clearDir(dir string) int {
	names, err := b.listEntries(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(b.root, dir, name)); err == nil {
			removed++
		}
	}
	return removed
}

func (b *FileBackend) ClearAll(ctx context.Context) (types.ClearCounts, error) {
	counts := types.ClearCounts{
		Queued:        b.clearDir(dirQueue),
		Scheduled:     b.clearDir(dirSchedule),
		Metadata:      b.clearDir(dirMetadata),
		RetryAttempts: b.clearDir(dirRetryAttempts),
	}
	b.clearDir(dirRevoked)

	// Results live in hashed shard subfolders.
	resultsRoot := filepath.Join(b.root, dirResults)
	shards, err := os.ReadDir(resultsRoot)
	if err == nil {
		for _, shard := range shards {
			if !shard.IsDir() {
				continue
			}
			counts.Results += b.clearDir(filepath.Join(dirResults, shard.Name()))
		}
	}
	return counts, nil
}

func (b *FileBackend) Close() error { return nil }
