package actuator

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DataLog writes one whitespace separated row per tick: control time, real
// position and reference position. Verbosity 2 adds real velocity, reference
// velocity and the command sent to the driver.
type DataLog struct {
	mu        sync.Mutex
	w         *bufio.Writer
	closer    io.Closer
	verbosity int
}

// OpenDataLog creates (or truncates) the file at path.
func OpenDataLog(path string, verbosity int) (*DataLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open data log %s", path)
	}
	return NewDataLog(f, verbosity), nil
}

// NewDataLog writes to w. If w is an io.Closer it is closed by Close.
func NewDataLog(w io.Writer, verbosity int) *DataLog {
	dl := &DataLog{w: bufio.NewWriter(w), verbosity: max(verbosity, 1)}
	if c, ok := w.(io.Closer); ok {
		dl.closer = c
	}
	return dl
}

// Row appends one tick. Absent reference terms are written as NaN so that
// columns stay aligned.
func (dl *DataLog) Row(ctrlTime float64, q, qRef, qDot, qDotRef, u []float64) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.w.WriteString(strconv.FormatFloat(ctrlTime, 'g', -1, 64))
	dl.writeVec(q, len(q))
	dl.writeVec(qRef, len(q))
	if dl.verbosity > 1 {
		dl.writeVec(qDot, len(q))
		dl.writeVec(qDotRef, len(q))
		dl.writeVec(u, len(u))
	}
	_, err := dl.w.WriteString("\n")
	return err
}

func (dl *DataLog) writeVec(v []float64, n int) {
	for i := 0; i < n; i++ {
		x := math.NaN()
		if i < len(v) {
			x = v[i]
		}
		dl.w.WriteByte(' ')
		dl.w.WriteString(strconv.FormatFloat(x, 'g', 6, 64))
	}
}

// Close flushes and closes the underlying writer.
func (dl *DataLog) Close() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if err := dl.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush data log: %w", err)
	}
	if dl.closer != nil {
		return dl.closer.Close()
	}
	return nil
}

// DataRow is one parsed data log row.
type DataRow struct {
	Time float64
	Q    []float64
	QRef []float64
}

// ReadDataLog parses rows written by a DataLog for a system with dof joints.
// Columns past the reference position are ignored.
func ReadDataLog(r io.Reader, dof int) ([]DataRow, error) {
	var rows []DataRow
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 1+2*dof {
			return rows, fmt.Errorf("line %d has %d columns, want at least %d", line, len(fields), 1+2*dof)
		}
		vals := make([]float64, 1+2*dof)
		for i := range vals {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return rows, errors.Wrapf(err, "line %d", line)
			}
			vals[i] = v
		}
		rows = append(rows, DataRow{Time: vals[0], Q: vals[1 : 1+dof], QRef: vals[1+dof:]})
	}
	return rows, sc.Err()
}
