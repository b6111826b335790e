package mirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/daviddao/switchboard/pkg/model"
)

// Working-tree layout.
const (
	EventsDir    = "events"
	SnapshotsDir = "snapshots"
	PolicyDir    = "policy"
	MetaDir      = ".crp"

	ManifestFile = "manifest.json"
	LockFile     = "lock.json"

	ManifestVersion = "0.1"
)

// Manifest is the metadata file created once per working tree.
type Manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ignoreRules keep the heartbeat out of history: it changes every interval
// and would conflict between instances sharing a remote. The second rule
// covers the temp file writeFileAtomic creates beside the lock, which the
// heartbeat goroutine writes while the loop stages the tree.
var ignoreRules = []string{
	MetaDir + "/" + LockFile,
	MetaDir + "/." + LockFile + ".tmp-*",
}

// EnsureLayout creates the standard directories, the manifest and the
// .gitignore under dir. An existing manifest is left untouched; an existing
// .gitignore gets any missing rules appended.
func EnsureLayout(dir string, now time.Time) error {
	for _, sub := range []string{EventsDir, SnapshotsDir, PolicyDir, MetaDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	// Empty directories are invisible to git.
	for _, sub := range []string{EventsDir, SnapshotsDir, PolicyDir} {
		if err := writeIfMissing(filepath.Join(dir, sub, ".gitkeep"), nil); err != nil {
			return err
		}
	}
	if err := ensureIgnored(filepath.Join(dir, ".gitignore"), ignoreRules); err != nil {
		return err
	}

	manifestPath := filepath.Join(dir, MetaDir, ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	data, err := marshalFile(Manifest{Version: ManifestVersion, CreatedAt: now.UTC()})
	if err != nil {
		return err
	}
	return writeFileAtomic(manifestPath, data)
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaDir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ensureIgnored appends each rule not already present as a line of path.
func ensureIgnored(path string, rules []string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}
	var add strings.Builder
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		add.WriteByte('\n')
	}
	missing := false
	for _, r := range rules {
		if !have[r] {
			add.WriteString(r + "\n")
			missing = true
		}
	}
	if !missing {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(add.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeIfMissing(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EventPath returns the tree-relative path of an event file.
func EventPath(ev *model.Event) (string, error) {
	if !model.IsUUID(ev.FeedID) {
		return "", model.Invalid("feed_id", "must be a UUID")
	}
	if !model.IsUUID(ev.EventID) {
		return "", model.Invalid("event_id", "must be a UUID")
	}
	date, err := ev.Date()
	if err != nil {
		return "", model.Invalid("ts", "must be an RFC 3339 timestamp")
	}
	return filepath.Join(EventsDir, ev.FeedID, date, ev.EventID+".json"), nil
}

// WriteEvent writes ev to its event file under dir. It reports false when
// an identical file already exists. A file with different content is never
// overwritten: that is an append-only violation.
func WriteEvent(dir string, ev *model.Event) (string, bool, error) {
	rel, err := EventPath(ev)
	if err != nil {
		return "", false, err
	}
	data, err := marshalFile(ev)
	if err != nil {
		return "", false, err
	}
	written, err := writeOnce(filepath.Join(dir, rel), rel, data)
	return rel, written, err
}

// writeOnce creates path with data unless it exists. Existing identical
// content is a no-op; anything else is an InvariantError.
func writeOnce(path, rel string, data []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if bytes.Equal(existing, data) {
			return false, nil
		}
		return false, &model.InvariantError{Path: filepath.ToSlash(rel), Reason: "already exists with different content"}
	case !errors.Is(err, os.ErrNotExist):
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return false, err
	}
	return true, nil
}

// SnapshotPath returns the tree-relative path of a snapshot rendering.
func SnapshotPath(ev *model.Event) (string, error) {
	rel, err := EventPath(ev)
	if err != nil {
		return "", err
	}
	date := filepath.Base(filepath.Dir(rel))
	return filepath.Join(SnapshotsDir, ev.FeedID, date, ev.EventID+".md"), nil
}

// WriteSnapshot renders a snapshot event as Markdown under dir.
func WriteSnapshot(dir string, ev *model.Event) (string, bool, error) {
	rel, err := SnapshotPath(ev)
	if err != nil {
		return "", false, err
	}
	written, err := writeOnce(filepath.Join(dir, rel), rel, RenderSnapshot(ev))
	return rel, written, err
}

// RenderSnapshot formats a snapshot event for humans: title, summary, the
// events it references and the raw payload.
func RenderSnapshot(ev *model.Event) []byte {
	var payload map[string]any
	_ = json.Unmarshal(ev.Payload, &payload)

	title, _ := payload["title"].(string)
	if title == "" {
		title = "Snapshot " + ev.EventID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Feed: `%s`\n", ev.FeedID)
	fmt.Fprintf(&b, "- Event: `%s`\n", ev.EventID)
	fmt.Fprintf(&b, "- Author: %s\n", ev.AuthorIdentityID)
	fmt.Fprintf(&b, "- Time: %s\n", ev.TS)

	if summary, ok := payload["summary"].(string); ok && summary != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", summary)
	}

	var refs map[string]any
	if len(ev.Refs) > 0 && json.Unmarshal(ev.Refs, &refs) == nil && len(refs) > 0 {
		keys := make([]string, 0, len(refs))
		for k := range refs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n## Sources\n\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: `%v`\n", k, refs[k])
		}
	}

	pretty, err := json.MarshalIndent(json.RawMessage(ev.Payload), "", "  ")
	if err != nil {
		pretty = ev.Payload
	}
	fmt.Fprintf(&b, "\n## Payload\n\n```json\n%s\n```\n", pretty)
	return []byte(b.String())
}

// marshalFile is the stable on-disk encoding: two-space indent and a
// trailing newline.
func marshalFile(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
