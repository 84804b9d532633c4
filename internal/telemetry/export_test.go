package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

func TestExporterWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregate.json")
	e := NewExporter(path)

	agg := Aggregate{
		IntervalStartNS: 1_000,
		IntervalEndNS:   2_000,
		Completed:       5,
		Missed:          1,
		JitterP99NS:     -500,
		UtilizationPPM:  200_000,
		MissesByClass:   map[types.ClassID]uint64{7: 1},
	}
	require.NoError(t, e.Write(agg))

	loaded, err := e.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.SchemaVer)
	assert.Equal(t, uint64(5), loaded.Completed)
	assert.Equal(t, int64(-500), loaded.JitterP99NS)
	assert.Equal(t, uint64(1), loaded.MissesByClass[7])
}

func TestExporterLoadMissingFile(t *testing.T) {
	e := NewExporter(filepath.Join(t.TempDir(), "absent.json"))

	agg, err := e.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, agg.SchemaVer)
	assert.Zero(t, agg.Completed)
}

func TestExporterOverwriteIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregate.json")
	e := NewExporter(path)

	require.NoError(t, e.Write(Aggregate{Completed: 1}))
	require.NoError(t, e.Write(Aggregate{Completed: 2}))

	loaded, err := e.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Completed)

	// No temp file left behind after a committed write.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestExporterRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregate.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewExporter(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedExport)
}

func TestExporterRejectsUnknownSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregate.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 99}`), 0644))

	_, err := NewExporter(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
