package trajectory

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"axon/internal/task"
)

// maxLineBytes bounds a single NDJSON line; step outputs are truncated
// upstream well below this.
const maxLineBytes = 4 << 20

// readRecords parses every record in r, skipping undecodable lines.
func readRecords(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var records []Record
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Load reads a trajectory file back into its step sequence and outcome.
func Load(path string) (*task.Trajectory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trajectory: %w", err)
	}
	defer file.Close()

	records, err := readRecords(file)
	if err != nil {
		return nil, fmt.Errorf("read trajectory %s: %w", path, err)
	}
	traj := &task.Trajectory{}
	for _, rec := range records {
		if traj.TaskID == "" {
			traj.TaskID = rec.TaskID
		}
		switch rec.Type {
		case "step":
			if rec.Step != nil {
				traj.Steps = append(traj.Steps, *rec.Step)
			}
		case "outcome":
			traj.Outcome = rec.Outcome
		}
	}
	if traj.TaskID == "" {
		traj.TaskID = strings.TrimSuffix(filepath.Base(path), ".ndjson")
	}
	return traj, nil
}

// ScanCrashed walks the trajectory tree and seals every file that has
// steps but no outcome with a crashed outcome. Run at startup before
// workers begin claiming; such files belong to tasks that died with the
// previous process.
func (r *Recorder) ScanCrashed() (int, error) {
	sealed := 0
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".ndjson") {
			return err
		}
		traj, err := Load(path)
		if err != nil {
			r.logger.Warn("skipping unreadable trajectory", "path", path, "error", err)
			return nil
		}
		if traj.Outcome != nil {
			return nil
		}
		if err := sealCrashed(path, traj); err != nil {
			return err
		}
		sealed++
		r.logger.Info("sealed crashed trajectory", "task_id", traj.TaskID, "steps", len(traj.Steps))
		return nil
	})
	return sealed, err
}

func sealCrashed(path string, traj *task.Trajectory) error {
	outcome := task.Outcome{
		TaskID:       traj.TaskID,
		Status:       task.StatusCrashed,
		ErrorMessage: "worker exited before the trajectory was finalized",
		FinalizedAt:  time.Now().UTC(),
	}
	for _, step := range traj.Steps {
		outcome.TotalDurationMS += step.DurationMS
		outcome.TotalTokensIn += step.TokensIn
		outcome.TotalTokensOut += step.TokensOut
		outcome.TotalCostMicros += step.CostMicros
	}
	data, err := json.Marshal(Record{Type: "outcome", TaskID: traj.TaskID, Outcome: &outcome})
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("seal crashed trajectory: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("seal crashed trajectory: %w", err)
	}
	return file.Sync()
}

// Compact folds every closed group directory whose period ended before
// the boundary into a single gzipped NDJSON archive and removes the
// directory. Records carry their task id, so the archive needs no index.
// Nothing is ever deleted beyond the per-task files just archived.
func (r *Recorder) Compact(boundary time.Time) (int, error) {
	if r.grouping == GroupNone {
		return 0, nil
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return 0, fmt.Errorf("read trajectory root: %w", err)
	}
	compacted := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		end, ok := r.grouping.periodEnd(entry.Name())
		if !ok || !end.Before(boundary.UTC()) {
			continue
		}
		if err := r.compactGroup(entry.Name()); err != nil {
			return compacted, err
		}
		compacted++
	}
	return compacted, nil
}

func (r *Recorder) compactGroup(group string) error {
	dir := filepath.Join(r.root, group)
	files, err := filepath.Glob(filepath.Join(dir, "*.ndjson"))
	if err != nil {
		return err
	}
	archivePath := filepath.Join(r.root, group+".ndjson.gz")
	tmp := archivePath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	gz := gzip.NewWriter(out)
	for _, path := range files {
		in, err := os.Open(path)
		if err != nil {
			gz.Close()
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("archive %s: %w", path, err)
		}
		_, err = io.Copy(gz, in)
		in.Close()
		if err != nil {
			gz.Close()
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("archive %s: %w", path, err)
		}
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, archivePath); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove compacted group: %w", err)
	}
	r.logger.Info("compacted trajectory group", "group", group, "files", len(files))
	return nil
}

// periodEnd parses a group directory name and returns the first instant
// after its period.
func (g Grouping) periodEnd(name string) (time.Time, bool) {
	switch g {
	case GroupDaily:
		t, err := time.Parse("2006-01-02", name)
		if err != nil {
			return time.Time{}, false
		}
		return t.AddDate(0, 0, 1), true
	case GroupMonthly:
		t, err := time.Parse("2006-01", name)
		if err != nil {
			return time.Time{}, false
		}
		return t.AddDate(0, 1, 0), true
	case GroupWeekly:
		var year, week int
		if _, err := fmt.Sscanf(name, "%04d-W%02d", &year, &week); err != nil {
			return time.Time{}, false
		}
		// Monday of ISO week 1 is the Monday of the week containing Jan 4.
		jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
		offset := (int(jan4.Weekday()) + 6) % 7
		monday := jan4.AddDate(0, 0, -offset+(week-1)*7)
		return monday.AddDate(0, 0, 7), true
	}
	return time.Time{}, false
}
