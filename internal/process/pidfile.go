package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDRecord is what a pid file holds: the pid on the first line, then optionally a
// JSON document with the start time so a reused pid is not mistaken for the process.
type PIDRecord struct {
	PID       int    `json:"pid"`
	StartUnix int64  `json:"start_unix,omitempty"`
	Name      string `json:"name,omitempty"`
}

func WritePIDFile(path string, rec PIDRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data := strconv.Itoa(rec.PID) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile accepts files holding only a pid as well as full records.
func ReadPIDFile(path string) (PIDRecord, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return PIDRecord{}, err
	}
	first, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return PIDRecord{}, err
	}
	rec := PIDRecord{PID: pid}
	if rest = strings.TrimSpace(rest); rest != "" {
		var meta PIDRecord
		if json.Unmarshal([]byte(rest), &meta) == nil && meta.PID == pid {
			rec = meta
		}
	}
	return rec, nil
}

// Alive reports whether pid exists and, when startUnix is known, started at that time.
// A one second tolerance absorbs the rounding of the different clock sources.
func Alive(pid int, startUnix int64) bool {
	if pid <= 0 || !pidExists(pid) {
		return false
	}
	if startUnix == 0 {
		return true
	}
	got := StartUnix(pid)
	if got == 0 {
		return true
	}
	d := got - startUnix
	return d >= -1 && d <= 1
}

// AliveFromPIDFile applies Alive to the record in path.
func AliveFromPIDFile(path string) (PIDRecord, bool) {
	rec, err := ReadPIDFile(path)
	if err != nil {
		return PIDRecord{}, false
	}
	return rec, Alive(rec.PID, rec.StartUnix)
}
