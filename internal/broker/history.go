package broker

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/octovalve/octovalve/internal/protocol"
)

// historyLimit bounds the broker's in-memory result history.
const historyLimit = 256

// LoadHistory rehydrates result history from the audit directory: request
// and result records are joined by id, stdout/stderr files are read up to
// the output cap, and the newest entries (by finished-at, taken from the
// result file's mtime, or received+duration when no mtime is available)
// populate the history.
func LoadHistory(outputDir string, maxOutputBytes uint64, limit int) []protocol.ResultSnapshot {
	requests := loadRequestRecords(outputDir)
	resultFiles := collectResultFiles(outputDir)

	results := make([]protocol.ResultSnapshot, 0, limit)
	for _, entry := range resultFiles {
		if len(results) >= limit {
			break
		}
		var record ResultRecord
		if err := readJSONFile(entry.path, &record); err != nil {
			slog.Warn("failed to read result record", "path", entry.path, "error", err)
			continue
		}
		request, ok := requests[record.ID]
		if !ok {
			slog.Warn("missing request record for result", "id", record.ID, "path", entry.path)
			continue
		}

		finishedAtMS := entry.modifiedMS
		if finishedAtMS == 0 {
			finishedAtMS = request.ReceivedAtMS + record.DurationMS
		}
		var queuedForSecs uint64
		if request.ReceivedAtMS > 0 && finishedAtMS >= request.ReceivedAtMS {
			queuedForSecs = (finishedAtMS - request.ReceivedAtMS) / 1000
		} else {
			queuedForSecs = record.DurationMS / 1000
		}

		rawCommand := request.RawCommand
		if rawCommand == "" {
			rawCommand = request.Command
		}
		results = append(results, protocol.ResultSnapshot{
			ID:            record.ID,
			Status:        record.Status,
			ExitCode:      record.ExitCode,
			Error:         record.Error,
			Intent:        request.Intent,
			Mode:          request.Mode,
			RawCommand:    rawCommand,
			Pipeline:      request.Pipeline,
			Cwd:           request.Cwd,
			Peer:          request.Peer,
			QueuedForSecs: queuedForSecs,
			FinishedAtMS:  finishedAtMS,
			Stdout:        readTextLimited(filepath.Join(outputDir, record.ID+".stdout"), maxOutputBytes),
			Stderr:        readTextLimited(filepath.Join(outputDir, record.ID+".stderr"), maxOutputBytes),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinishedAtMS > results[j].FinishedAtMS
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func loadRequestRecords(outputDir string) map[string]RequestRecord {
	records := make(map[string]RequestRecord)
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return records
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".request.json") {
			continue
		}
		path := filepath.Join(outputDir, entry.Name())
		var record RequestRecord
		if err := readJSONFile(path, &record); err != nil {
			slog.Warn("failed to read request record", "path", path, "error", err)
			continue
		}
		records[record.ID] = record
	}
	return records
}

type resultFile struct {
	path       string
	modifiedMS uint64
}

func collectResultFiles(outputDir string) []resultFile {
	var files []resultFile
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return files
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".result.json") {
			continue
		}
		file := resultFile{path: filepath.Join(outputDir, entry.Name())}
		if info, err := entry.Info(); err == nil {
			file.modifiedMS = uint64(info.ModTime().UnixMilli())
		}
		files = append(files, file)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modifiedMS > files[j].modifiedMS
	})
	return files
}

func readJSONFile(path string, v any) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// readTextLimited reads at most maxBytes from the stream file, appending
// the truncation marker when the file is larger than the cap.
func readTextLimited(path string, maxBytes uint64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return ""
	}
	text := string(buf)
	if info, err := f.Stat(); err == nil && uint64(info.Size()) > maxBytes {
		if text != "" {
			text += "\n"
		}
		text += "[output truncated]"
	}
	return text
}
