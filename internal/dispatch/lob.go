package dispatch

import (
	"fmt"
	"io"

	"github.com/lfarias-data/tenantpool/internal/driver"
	"github.com/lfarias-data/tenantpool/internal/metrics"
)

// hasLobColumns reports whether any metadata column is large-object typed.
func hasLobColumns(cols []driver.Column) bool {
	for _, c := range cols {
		if c.IsLob() {
			return true
		}
	}
	return false
}

// materializeLobs substitutes every out-of-band large-object value in the
// batch with its inline text, element-wise and order-preserving. A failing
// secondary stream replaces only that column's value with a sentinel error
// string; sibling columns and subsequent rows are unaffected.
func materializeLobs(batch [][]any) {
	for _, row := range batch {
		for i, v := range row {
			lob, ok := v.(driver.Lob)
			if !ok {
				continue
			}
			row[i] = readLob(lob)
		}
	}
}

// readLob reads the secondary stream to completion and decodes it to text.
func readLob(lob driver.Lob) any {
	defer lob.Close()
	data, err := io.ReadAll(lob)
	if err != nil {
		metrics.LobReads.WithLabelValues("error").Inc()
		return fmt.Sprintf("<lob read error: %v>", err)
	}
	metrics.LobReads.WithLabelValues("ok").Inc()
	return string(data)
}
