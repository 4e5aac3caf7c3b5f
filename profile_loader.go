package pipeperf

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ThroughputSuffix is the suffix of the CSV columns that hold the mean
// throughput measured at a given pipeline position.
const ThroughputSuffix = "_mean_throughput_qps"

// ErrNonFinite is returned when a profile field holds NaN or an infinity.
var ErrNonFinite = errors.New("value is not finite")

// Required profile table columns.
const (
	ColumnCloud     = "cloud"
	ColumnGPUType   = "gpu_type"
	ColumnCPUs      = "num_cpus_per_replica"
	ColumnBatchSize = "mean_batch_size"
	ColumnLatency   = "p99_latency"
	ColumnCost      = "cost"
)

var requiredColumns = []string{
	ColumnCloud,
	ColumnGPUType,
	ColumnCPUs,
	ColumnBatchSize,
	ColumnLatency,
	ColumnCost,
}

// A ProfileRow is one measurement of a stage under one configuration.
type ProfileRow struct {
	Accelerator Accelerator
	CPUs        float64
	Cloud       Cloud
	BatchSize   float64

	// Throughputs holds the mean throughput in queries per second, keyed by
	// the pipeline position it was measured at.
	Throughputs map[string]float64

	// Latency is the p99 latency in seconds.
	Latency float64

	// Cost is the cost of one replica per hour.
	Cost float64
}

// Bundle returns the resource bundle the row was measured on.
func (r ProfileRow) Bundle() ResourceBundle {
	return ResourceBundle{
		Accelerator: r.Accelerator,
		CPUs:        r.CPUs,
		Cloud:       r.Cloud,
	}
}

// A ProfileLoader loads stage profiles from CSV files.
type ProfileLoader struct {
	// The directory where the profile files are located. Each stage has one
	// file named <stage>.csv.
	Dir string
}

// Load loads the profile table of one stage.
func (l *ProfileLoader) Load(stage string) ([]ProfileRow, error) {
	path := filepath.Join(l.Dir, stage+".csv")
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeErr := f.Close()
		if closeErr != nil {
			panic(closeErr)
		}
	}()

	reader := csv.NewReader(f)
	reader.Comma = ','
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	rows, err := ParseProfileRecords(records)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return rows, nil
}

// ParseProfileRecords converts CSV records, header first, into profile rows.
// Columns are located by name, so their order does not matter.
func ParseProfileRecords(records [][]string) ([]ProfileRow, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("profile table has no header")
	}

	columns := make(map[string]int)
	for i, name := range records[0] {
		columns[strings.TrimSpace(name)] = i
	}

	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("profile table is missing column %q", name)
		}
	}

	throughputColumns := make(map[string]int)
	for name, i := range columns {
		if strings.HasSuffix(name, ThroughputSuffix) {
			throughputColumns[strings.TrimSuffix(name, ThroughputSuffix)] = i
		}
	}

	if len(throughputColumns) == 0 {
		return nil, fmt.Errorf("profile table has no *%s column", ThroughputSuffix)
	}

	rows := make([]ProfileRow, 0, len(records)-1)
	for i, record := range records {
		if i == 0 {
			continue
		}

		if len(record) != len(records[0]) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d",
				i, len(record), len(records[0]))
		}

		row, err := parseProfileRow(record, columns, throughputColumns)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func parseProfileRow(
	record []string,
	columns map[string]int,
	throughputColumns map[string]int,
) (ProfileRow, error) {
	var err error
	row := ProfileRow{
		Throughputs: make(map[string]float64, len(throughputColumns)),
	}

	row.Cloud, err = ParseCloud(record[columns[ColumnCloud]])
	if err != nil {
		return ProfileRow{}, err
	}

	row.Accelerator, err = ParseAccelerator(record[columns[ColumnGPUType]])
	if err != nil {
		return ProfileRow{}, err
	}

	floats := []struct {
		column string
		dst    *float64
	}{
		{ColumnCPUs, &row.CPUs},
		{ColumnBatchSize, &row.BatchSize},
		{ColumnLatency, &row.Latency},
		{ColumnCost, &row.Cost},
	}
	for _, f := range floats {
		*f.dst, err = parseFloatField(record, columns[f.column], f.column)
		if err != nil {
			return ProfileRow{}, err
		}
	}

	for stage, i := range throughputColumns {
		if strings.TrimSpace(record[i]) == "" {
			continue
		}

		row.Throughputs[stage], err = parseFloatField(record, i, stage+ThroughputSuffix)
		if err != nil {
			return ProfileRow{}, err
		}
	}

	return row, nil
}

func parseFloatField(record []string, i int, column string) (float64, error) {
	if i >= len(record) {
		return 0, fmt.Errorf("column %s is missing", column)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", column, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("column %s: %w: %q", column, ErrNonFinite, record[i])
	}

	return v, nil
}
