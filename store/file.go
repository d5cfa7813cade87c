package store

import (
	"bytes"
	"io"

	"github.com/xitongsys/parquet-go/source"
)

// memoryFile implements source.ParquetFile over an in-memory byte slice.
// Writes append to a buffer; reads and seeks operate over the snapshot the
// file was created with. Parquet bytes are moved to and from disk as whole
// files, so no streaming file handle is needed.
type memoryFile struct {
	buffer *bytes.Buffer
	data   []byte
	offset int64
}

func newMemoryWriter() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func newMemoryReader(data []byte) *memoryFile {
	return &memoryFile{data: data}
}

func (mf *memoryFile) Create(name string) (source.ParquetFile, error) {
	return mf, nil
}

func (mf *memoryFile) Open(name string) (source.ParquetFile, error) {
	return &memoryFile{data: mf.data}, nil
}

func (mf *memoryFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		mf.offset = offset
	case io.SeekCurrent:
		mf.offset += offset
	case io.SeekEnd:
		mf.offset = int64(len(mf.data)) + offset
	}
	if mf.offset < 0 {
		mf.offset = 0
	}
	return mf.offset, nil
}

func (mf *memoryFile) Read(b []byte) (int, error) {
	if mf.offset >= int64(len(mf.data)) {
		return 0, io.EOF
	}
	n := copy(b, mf.data[mf.offset:])
	mf.offset += int64(n)
	return n, nil
}

func (mf *memoryFile) Write(b []byte) (int, error) {
	return mf.buffer.Write(b)
}

func (mf *memoryFile) Close() error {
	return nil
}

func (mf *memoryFile) Bytes() []byte {
	if mf.buffer != nil {
		return mf.buffer.Bytes()
	}
	return mf.data
}
