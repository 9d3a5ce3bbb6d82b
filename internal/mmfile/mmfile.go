// Package mmfile maps corpse files read-only so that large memory images can
// be inspected without reading them into the heap.
package mmfile

// Mapping is a read-only view of a file's contents.
type Mapping struct {
	data   []byte
	unmap  func([]byte) error
	closed bool
}

// Data returns the mapped bytes. The slice is invalid after Close.
func (m *Mapping) Data() []byte {
	if m == nil || m.closed {
		return nil
	}
	return m.data
}

// Len returns the size of the mapping.
func (m *Mapping) Len() int {
	return len(m.Data())
}

// Close releases the mapping. Closing twice is a no-op.
func (m *Mapping) Close() error {
	if m == nil || m.closed {
		return nil
	}
	m.closed = true
	data := m.data
	m.data = nil
	if m.unmap == nil || len(data) == 0 {
		return nil
	}
	return m.unmap(data)
}
