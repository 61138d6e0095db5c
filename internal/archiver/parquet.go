package archiver

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"marketpipe/internal/storage"
)

// parquetRecord is the archive row layout. The full envelope rides along as
// a JSON column so downstream readers can recover typed payloads without a
// per-kind schema.
type parquetRecord struct {
	NaturalKey string `parquet:"name=natural_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange   string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp  int64  `parquet:"name=timestamp, type=INT64"`
	Flags      string `parquet:"name=flags, type=BYTE_ARRAY, convertedtype=UTF8"`
	Envelope   string `parquet:"name=envelope, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile adapts a bytes.Buffer to the parquet writer's file interface so
// objects are rendered fully in memory before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (mf *memoryFile) Create(name string) (source.ParquetFile, error) { return mf, nil }
func (mf *memoryFile) Open(name string) (source.ParquetFile, error)   { return mf, nil }
func (mf *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(mf.buffer.Len()), nil
}
func (mf *memoryFile) Read(b []byte) (int, error)  { return mf.buffer.Read(b) }
func (mf *memoryFile) Write(b []byte) (int, error) { return mf.buffer.Write(b) }
func (mf *memoryFile) Close() error                { return nil }
func (mf *memoryFile) Bytes() []byte               { return mf.buffer.Bytes() }

func renderParquet(rows []storage.Row) ([]byte, error) {
	mf := newMemoryFile()
	pw, err := writer.NewParquetWriter(mf, new(parquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		rec := parquetRecord{
			NaturalKey: r.NaturalKey,
			Exchange:   r.Exchange,
			Symbol:     r.Symbol,
			Timestamp:  r.Timestamp.UnixMilli(),
			Flags:      strings.Join(r.Flags, ","),
			Envelope:   string(r.Payload),
		}
		if err := pw.Write(rec); err != nil {
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return mf.Bytes(), nil
}
