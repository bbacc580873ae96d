// Package vmres is the host-telemetry probe referenced by spec.md §2/§4.1:
// memory, disk, and CPU load figures for the remote host, gathered with
// short-deadline shell commands over the SSH transport (C1).
package vmres

import (
	"context"
	"strconv"
	"strings"

	apperrors "robotplane/internal/errors"
	"robotplane/internal/sshx"
)

// Prober is the narrow transport dependency: a telemetry-deadlined exec.
type Prober interface {
	ExecTelemetry(ctx context.Context, cmd string) (sshx.Result, error)
}

// Resources is the VM_RESOURCES cache entry.
type Resources struct {
	MemTotalMB int64   `json:"mem_total_mb"`
	MemUsedMB  int64   `json:"mem_used_mb"`
	DiskTotalMB int64  `json:"disk_total_mb"`
	DiskUsedMB int64   `json:"disk_used_mb"`
	LoadAvg1   float64 `json:"load_avg_1"`
}

// probeCmd runs `free`, `df`, and `/proc/loadavg` in one shell invocation so
// a single round trip under the telemetry deadline yields every figure.
const probeCmd = `free -m | awk '/^Mem:/{print $2, $3}'; df -m / | awk 'NR==2{print $2, $3}'; cat /proc/loadavg | awk '{print $1}'`

// Probe gathers host resource figures. A transport error is returned as the
// transport reported it, a non-zero exit status as a KindKubectlExit error
// carrying stderr, and any parse failure as a KindInternal error; callers
// (the cluster loop) record it and retain the previous cache value, same as
// any other probe.
func Probe(ctx context.Context, t Prober) (Resources, error) {
	res, err := t.ExecTelemetry(ctx, probeCmd)
	if err != nil {
		return Resources{}, err
	}
	if res.ExitCode != 0 {
		return Resources{}, apperrors.NewKubectlExitError("vmres-probe", string(res.Stderr))
	}

	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) < 3 {
		return Resources{}, apperrors.New(apperrors.KindInternal, "vmres probe: unexpected output shape")
	}

	memTotal, memUsed, err := parseTwoInts(lines[0])
	if err != nil {
		return Resources{}, apperrors.Wrap(err, apperrors.KindInternal, "vmres probe: parsing memory line")
	}
	diskTotal, diskUsed, err := parseTwoInts(lines[1])
	if err != nil {
		return Resources{}, apperrors.Wrap(err, apperrors.KindInternal, "vmres probe: parsing disk line")
	}
	load, err := strconv.ParseFloat(strings.TrimSpace(lines[2]), 64)
	if err != nil {
		return Resources{}, apperrors.Wrap(err, apperrors.KindInternal, "vmres probe: parsing load average")
	}

	return Resources{
		MemTotalMB:  memTotal,
		MemUsedMB:   memUsed,
		DiskTotalMB: diskTotal,
		DiskUsedMB:  diskUsed,
		LoadAvg1:    load,
	}, nil
}

func parseTwoInts(line string) (int64, int64, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, apperrors.New(apperrors.KindInternal, "expected two fields, got: "+line)
	}
	a, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
