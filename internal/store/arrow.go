package store

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
)

// tokenColumn is the required column name in token IPC files.
const tokenColumn = "tokens"

// TokenSchema is the Arrow schema of token files: a single int32 column.
var TokenSchema = arrow.NewSchema([]arrow.Field{
	{Name: tokenColumn, Type: arrow.PrimitiveTypes.Int32},
}, nil)

// OpenArrowSource reads a token stream from an Arrow IPC file and serves
// it chunked into fixed-length sequences.
func OpenArrowSource(path string, contextSize int) (*MemorySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("store: read arrow file: %w", err)
	}
	defer func() { _ = r.Close() }()

	var tokens []int
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("store: record %d: %w", i, err)
		}

		idx := rec.Schema().FieldIndices(tokenColumn)
		if len(idx) == 0 {
			return nil, fmt.Errorf("store: token file has no %q column", tokenColumn)
		}
		col, ok := rec.Column(idx[0]).(*array.Int32)
		if !ok {
			return nil, fmt.Errorf("store: %q column is %s, want int32", tokenColumn, rec.Column(idx[0]).DataType())
		}
		for j := 0; j < col.Len(); j++ {
			tokens = append(tokens, int(col.Value(j)))
		}
	}

	log.Debug().Str("path", path).Int("tokens", len(tokens)).Msg("loaded token file")
	return NewMemorySource(tokens, contextSize)
}

// WriteArrowTokens writes a token stream as an Arrow IPC file in the
// layout OpenArrowSource expects.
func WriteArrowTokens(path string, tokens []int) error {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, TokenSchema)
	defer builder.Release()

	vals := make([]int32, len(tokens))
	for i, t := range tokens {
		vals[i] = int32(t)
	}
	builder.Field(0).(*array.Int32Builder).AppendValues(vals, nil)

	rec := builder.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: create token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(TokenSchema))
	if err != nil {
		return fmt.Errorf("store: create arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("store: write record: %w", err)
	}
	return w.Close()
}
