package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pljakobs/backup/pkg/status"
)

func TestRecorder_Values(t *testing.T) {
	r := NewRecorder()
	r.ObservePath(PathSample{Host: "nas", Path: "/etc", Status: status.Warning, ExitCode: 23, BytesSent: 100, BytesReceived: 7})
	r.ObserveHost("nas", status.Warning, 1500*time.Millisecond)
	r.ObserveRun(status.Warning, time.Unix(1767225600, 0), time.Minute, 1)

	assert.Equal(t, 0.5, testutil.ToFloat64(r.runStatus))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.hostsFailed))
	assert.Equal(t, 60.0, testutil.ToFloat64(r.runDuration))
	assert.Equal(t, 0.5, testutil.ToFloat64(r.hostStatus.WithLabelValues("nas")))
	assert.Equal(t, 1.5, testutil.ToFloat64(r.hostDuration.WithLabelValues("nas")))
	assert.Equal(t, 23.0, testutil.ToFloat64(r.pathExitCode.WithLabelValues("nas", "/etc")))
	assert.Equal(t, 100.0, testutil.ToFloat64(r.pathBytesSent.WithLabelValues("nas", "/etc")))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObservePath(PathSample{Host: "nas", Path: "/etc", Status: status.Success})
	r.ObserveRun(status.Success, time.Now(), time.Second, 0)

	path := filepath.Join(t.TempDir(), "textfile", "backup.prom")
	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "# TYPE backup_run_status gauge")
	assert.Contains(t, out, "backup_run_status 1")
	assert.Contains(t, out, `backup_path_status{host="nas",path="/etc"} 1`)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
