package destination

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryDestination collects uploads in memory for tests. Only finalized
// uploads become visible in Files, mirroring the commit semantics of the
// real destinations.
type MemoryDestination struct {
	mu      sync.Mutex
	files   map[string][]byte
	aborted []string

	// FailWith, when set, is returned from every UploadPart call.
	FailWith error
	// FailParts fails only the first n part uploads, then recovers.
	FailParts int
	format    Format
}

func NewMemoryDestination() *MemoryDestination {
	return &MemoryDestination{files: make(map[string][]byte), format: FormatJSONLines}
}

// NewMemoryParquetDestination is a memory destination that asks for
// Parquet framing, for exercising the columnar encoding path.
func NewMemoryParquetDestination() *MemoryDestination {
	return &MemoryDestination{files: make(map[string][]byte), format: FormatParquet}
}

func (d *MemoryDestination) Kind() string   { return "memory" }
func (d *MemoryDestination) Format() Format { return d.format }
func (d *MemoryDestination) Close() error   { return nil }

// Files returns the finalized file names in sorted order.
func (d *MemoryDestination) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// File returns the committed contents of a finalized file.
func (d *MemoryDestination) File(name string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[name]
}

// Aborted returns the keys of aborted uploads.
func (d *MemoryDestination) Aborted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.aborted...)
}

func (d *MemoryDestination) Open(_ context.Context, key string) (Upload, error) {
	return &memoryUpload{dest: d, key: key, parts: make(map[int][]byte)}, nil
}

type memoryUpload struct {
	dest *MemoryDestination
	key  string

	mu    sync.Mutex
	parts map[int][]byte
}

func (u *memoryUpload) UploadPart(_ context.Context, index int, data []byte) error {
	u.dest.mu.Lock()
	if u.dest.FailParts > 0 {
		u.dest.FailParts--
		u.dest.mu.Unlock()
		return transient("memory", "injected", fmt.Errorf("injected part failure"))
	}
	failWith := u.dest.FailWith
	u.dest.mu.Unlock()
	if failWith != nil {
		return failWith
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	u.parts[index] = cp
	return nil
}

func (u *memoryUpload) Finalize(context.Context) error {
	u.mu.Lock()
	indexes := make([]int, 0, len(u.parts))
	for i := range u.parts {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	var content []byte
	for _, i := range indexes {
		content = append(content, u.parts[i]...)
	}
	u.mu.Unlock()

	u.dest.mu.Lock()
	u.dest.files[u.key] = content
	u.dest.mu.Unlock()
	return nil
}

func (u *memoryUpload) Abort(context.Context) error {
	u.dest.mu.Lock()
	u.dest.aborted = append(u.dest.aborted, u.key)
	u.dest.mu.Unlock()
	return nil
}
