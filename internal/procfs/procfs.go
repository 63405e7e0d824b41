package procfs

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const Root = "/proc"

type Process struct {
	PID  int
	Name string
}

var ErrPermissionDenied = errors.New("permission denied")
var ErrProcessNotFound = errors.New("process not found")

// List returns every process under /proc, sorted by pid.
func List(fs afero.Fs) ([]Process, error) {
	entries, err := afero.ReadDir(fs, Root)
	if err != nil {
		return nil, wrapFSError(err, Root)
	}

	procs := make([]Process, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		name, err := readComm(fs, pid)
		if err != nil {
			// Exited between ReadDir and now.
			continue
		}
		procs = append(procs, Process{PID: pid, Name: name})
	}

	sort.Slice(procs, func(i, j int) bool {
		return procs[i].PID < procs[j].PID
	})
	return procs, nil
}

// Lookup returns the process with the given pid.
func Lookup(fs afero.Fs, pid int) (Process, error) {
	if pid <= 0 {
		return Process{}, errors.Wrapf(ErrProcessNotFound, "pid %d", pid)
	}
	name, err := readComm(fs, pid)
	if err != nil {
		return Process{}, err
	}
	return Process{PID: pid, Name: name}, nil
}

// Tasks returns the thread ids of pid from /proc/<pid>/task.
func Tasks(fs afero.Fs, pid int) ([]int, error) {
	dir := filepath.Join(Root, strconv.Itoa(pid), "task")
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, wrapFSError(err, dir)
	}
	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

func readComm(fs afero.Fs, pid int) (string, error) {
	path := filepath.Join(Root, strconv.Itoa(pid), "comm")
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", wrapFSError(err, path)
	}
	return strings.TrimSpace(string(data)), nil
}

func wrapFSError(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return errors.Wrapf(ErrProcessNotFound, "%s", path)
	case os.IsPermission(err):
		return errors.Wrapf(ErrPermissionDenied, "%s: %v", path, err)
	default:
		return errors.Wrapf(err, "read %s", path)
	}
}
