package stats

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DirsMonitor measures how much a set of directories grows across an
// operation, using du. Sizes that could not be read are skipped.
type DirsMonitor struct {
	dirs  []MonitorDir
	start map[string]int64
}

// MonitorDir is a directory and the suffix its stat is reported under.
type MonitorDir struct {
	Directory  string
	StatSuffix string
}

func NewDirsMonitor(dirs ...MonitorDir) *DirsMonitor {
	return &DirsMonitor{dirs: dirs, start: make(map[string]int64)}
}

// Start records the current sizes.
func (dm *DirsMonitor) Start(ctx context.Context) {
	for _, d := range dm.dirs {
		if kb, err := GetDiskUsageKB(ctx, d.Directory); err == nil {
			dm.start[d.Directory] = int64(kb)
		} else {
			log.WithFields(log.Fields{"dir": d.Directory, "err": err}).Info("not monitoring dir size")
		}
	}
}

// Record reports, for each directory measured by Start, its growth since
// then as gauge "<name>_<suffix>".
func (dm *DirsMonitor) Record(ctx context.Context, stat StatsReceiver, name string) {
	for _, d := range dm.dirs {
		before, ok := dm.start[d.Directory]
		if !ok {
			continue
		}
		after, err := GetDiskUsageKB(ctx, d.Directory)
		if err != nil {
			continue
		}
		stat.Gauge(fmt.Sprintf("%s_%s", name, d.StatSuffix)).Update(int64(after) - before)
	}
}

// GetDiskUsageKB returns du's view of dir in kb, 0 if dir does not exist.
func GetDiskUsageKB(ctx context.Context, dir string) (uint64, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	out, err := exec.CommandContext(ctx, "du", "-sk", dir).Output()
	if err != nil {
		return 0, errors.Wrapf(err, "du -sk %s", dir)
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return 0, errors.Errorf("unexpected du output %q", out)
	}
	return strconv.ParseUint(fields[0], 10, 64)
}
