package topology

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/utils/cpuset"
)

const (
	SysfsBasePath = "/sys/devices/system/cpu"
	CPUInfoPath   = "/proc/cpuinfo"

	// Intel hybrid parts expose one PMU device per core type.
	intelCoreCPUsPath = "/sys/devices/cpu_core/cpus"
	intelAtomCPUsPath = "/sys/devices/cpu_atom/cpus"
)

type sysfs struct {
	fs afero.Fs
}

func (s sysfs) readInt(path string) (int, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return 0, errors.Errorf("empty file %s", path)
	}
	return strconv.Atoi(value)
}

func (s sysfs) readList(path string) ([]int, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, err
	}
	set, err := cpuset.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "parse cpu list %s", path)
	}
	return set.List(), nil
}

func (s sysfs) exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}

func (s sysfs) listCPUs() ([]int, error) {
	entries, err := afero.ReadDir(s.fs, SysfsBasePath)
	if err != nil {
		return nil, err
	}

	cpus := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		suffix, ok := strings.CutPrefix(entry.Name(), "cpu")
		if !ok || suffix == "" {
			continue
		}
		id, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		cpus = append(cpus, id)
	}

	sort.Ints(cpus)
	return cpus, nil
}

// readCPUInfoField returns the first value of key in /proc/cpuinfo.
func (s sysfs) readCPUInfoField(key string) string {
	data, err := afero.ReadFile(s.fs, CPUInfoPath)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == key {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// readL3CacheID returns the id of the level-3 cache shared by cpuID, or -1.
func (s sysfs) readL3CacheID(cpuID int) int {
	cacheBase := filepath.Join(SysfsBasePath, "cpu"+strconv.Itoa(cpuID), "cache")
	entries, err := afero.ReadDir(s.fs, cacheBase)
	if err != nil {
		return -1
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "index") {
			continue
		}
		level, err := s.readInt(filepath.Join(cacheBase, entry.Name(), "level"))
		if err != nil || level != 3 {
			continue
		}
		id, err := s.readInt(filepath.Join(cacheBase, entry.Name(), "id"))
		if err != nil {
			return -1
		}
		return id
	}
	return -1
}

func cpuPath(cpuID int, element string) string {
	return filepath.Join(SysfsBasePath, "cpu"+strconv.Itoa(cpuID), "topology", element)
}

func cpuCapacityPath(cpuID int) string {
	return filepath.Join(SysfsBasePath, "cpu"+strconv.Itoa(cpuID), "cpu_capacity")
}
