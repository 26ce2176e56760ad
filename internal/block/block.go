// Package block holds the engine's unit of data: an immutable columnar
// chunk of rows, the metadata that travels with it, and the in-memory
// store that resolves block handles.
package block

import (
	"fmt"
)

// Schema is the ordered list of column names in a block.
type Schema []string

// RowCountUnknown marks metadata whose producer did not record a row count.
const RowCountUnknown = -1

// Metadata describes a block without touching its data. It accompanies
// every block reference and must be re-derived whenever a block is sliced.
type Metadata struct {
	NumRows   int
	SizeBytes int
	Schema    Schema
}

// Block is an immutable columnar chunk of rows. Transformations always
// produce new blocks; a block is never mutated after construction.
type Block struct {
	schema  Schema
	cols    [][]any
	numRows int
}

// New builds a block from column-major data. Every column must have the
// same length as the schema has names.
func New(schema Schema, cols [][]any) (*Block, error) {
	if len(schema) != len(cols) {
		return nil, fmt.Errorf("block: schema has %d columns, data has %d", len(schema), len(cols))
	}
	numRows := 0
	if len(cols) > 0 {
		numRows = len(cols[0])
	}
	for i, col := range cols {
		if len(col) != numRows {
			return nil, fmt.Errorf("block: column %q has %d rows, expected %d", schema[i], len(col), numRows)
		}
	}
	return &Block{schema: schema, cols: cols, numRows: numRows}, nil
}

// MustNew is New for statically known-good inputs, mostly tests.
func MustNew(schema Schema, cols [][]any) *Block {
	b, err := New(schema, cols)
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Block) NumRows() int { return b.numRows }

func (b *Block) Schema() Schema { return b.schema }

// Value returns the value at (column, row).
func (b *Block) Value(col, row int) any { return b.cols[col][row] }

// Column returns the values of one column. Callers must not mutate it.
func (b *Block) Column(col int) []any { return b.cols[col] }

// SizeBytes estimates the in-memory footprint of the block's data.
func (b *Block) SizeBytes() int {
	size := 0
	for _, col := range b.cols {
		for _, v := range col {
			size += valueSize(v)
		}
	}
	return size
}

func valueSize(v any) int {
	switch t := v.(type) {
	case string:
		return 16 + len(t)
	case []byte:
		return 24 + len(t)
	case bool, int8, uint8:
		return 1
	case int32, uint32, float32:
		return 4
	default:
		// ints, floats, and the interface header for anything else
		return 8
	}
}

// Slice copies rows [start, end) into a new block. The copy is deep: the
// remainder of the source block must not be retained through the result.
func (b *Block) Slice(start, end int) (*Block, error) {
	if start < 0 || end < start || end > b.numRows {
		return nil, fmt.Errorf("block: slice [%d, %d) out of range for %d rows", start, end, b.numRows)
	}
	cols := make([][]any, len(b.cols))
	for i, col := range b.cols {
		out := make([]any, end-start)
		copy(out, col[start:end])
		cols[i] = out
	}
	return &Block{schema: b.schema, cols: cols, numRows: end - start}, nil
}

// Meta derives fresh metadata from the block's actual contents.
func (b *Block) Meta() Metadata {
	return Metadata{
		NumRows:   b.numRows,
		SizeBytes: b.SizeBytes(),
		Schema:    b.schema,
	}
}
