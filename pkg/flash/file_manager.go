package flash

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MinEraseUnit is the simulated platform's minimum erase unit. Writes are
// buffered up to this size before being flushed, mirroring the buffered/
// aligned write policy real NOR/NAND flash drivers require.
const MinEraseUnit = 4096

// FileManager implements Manager over two plain files standing in for the
// A and B slots of an A/B boot layout, plus a small marker file recording
// which slot is pending/active/confirmed. It is intended for the host
// simulator and for tests; a real device wires Manager to its flash driver.
type FileManager struct {
	mu   sync.Mutex
	dir  string
	buf  []byte
	open *openWrite
}

type openWrite struct {
	handle *Handle
	file   *os.File
}

type slotState struct {
	Active    string `json:"active"`
	Pending   string `json:"pending"`
	Confirmed bool   `json:"confirmed"`
}

// NewFileManager creates a FileManager rooted at dir, initializing slot A
// as active and confirmed if no state exists yet.
func NewFileManager(dir string) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flash: creating slot directory: %w", err)
	}
	m := &FileManager{dir: dir}
	if _, err := os.Stat(m.statePath()); os.IsNotExist(err) {
		if err := m.writeState(slotState{Active: "A", Confirmed: true}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *FileManager) statePath() string { return filepath.Join(m.dir, "slot-state.json") }
func (m *FileManager) slotPath(slot string) string {
	return filepath.Join(m.dir, "slot-"+slot+".img")
}

func (m *FileManager) readState() (slotState, error) {
	var st slotState
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		return st, fmt.Errorf("flash: reading slot state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("flash: decoding slot state: %w", err)
	}
	return st, nil
}

func (m *FileManager) writeState(st slotState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("flash: encoding slot state: %w", err)
	}
	tmp := m.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("flash: writing slot state: %w", err)
	}
	return os.Rename(tmp, m.statePath())
}

func inactiveSlot(active string) string {
	if active == "A" {
		return "B"
	}
	return "A"
}

// Open implements Manager.
func (m *FileManager) Open(name string, size int64) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.open != nil {
		return nil, ErrNoInactiveSlot
	}

	st, err := m.readState()
	if err != nil {
		return nil, err
	}
	if st.Pending != "" {
		return nil, ErrNoInactiveSlot
	}

	slot := inactiveSlot(st.Active)
	f, err := os.Create(m.slotPath(slot))
	if err != nil {
		return nil, fmt.Errorf("flash: opening slot %s: %w", slot, err)
	}

	h := &Handle{slot: slot, name: name, declared: size}
	m.open = &openWrite{handle: h, file: f}
	m.buf = m.buf[:0]
	return h, nil
}

func (m *FileManager) checkOpen(h *Handle) error {
	if h.consumed {
		return ErrHandleConsumed
	}
	if m.open == nil || m.open.handle != h {
		return fmt.Errorf("flash: handle not open for writing")
	}
	return nil
}

// Write implements Manager. offset is accepted for interface compliance but
// ignored: callers are required to supply sequential chunks, and writes are
// buffered to MinEraseUnit boundaries regardless of caller-declared offsets.
func (m *FileManager) Write(h *Handle, data []byte, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(h); err != nil {
		return err
	}

	m.buf = append(m.buf, data...)
	for len(m.buf) >= MinEraseUnit {
		if _, err := m.open.file.Write(m.buf[:MinEraseUnit]); err != nil {
			return fmt.Errorf("flash: writing slot %s: %w", h.slot, err)
		}
		h.written += MinEraseUnit
		m.buf = m.buf[MinEraseUnit:]
	}
	return nil
}

// Close implements Manager.
func (m *FileManager) Close(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(h); err != nil {
		return err
	}
	if len(m.buf) > 0 {
		if _, err := m.open.file.Write(m.buf); err != nil {
			return fmt.Errorf("flash: flushing slot %s: %w", h.slot, err)
		}
		h.written += int64(len(m.buf))
		m.buf = m.buf[:0]
	}
	return m.open.file.Sync()
}

// SetPending implements Manager.
func (m *FileManager) SetPending(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(h); err != nil {
		return err
	}
	if err := m.open.file.Close(); err != nil {
		return fmt.Errorf("flash: closing slot %s: %w", h.slot, err)
	}

	st, err := m.readState()
	if err != nil {
		return err
	}
	st.Pending = h.slot
	st.Confirmed = false
	if err := m.writeState(st); err != nil {
		return err
	}

	h.consumed = true
	m.open = nil
	return nil
}

// AbortDeployment implements Manager.
func (m *FileManager) AbortDeployment(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.consumed {
		return ErrHandleConsumed
	}
	if m.open != nil && m.open.handle == h {
		_ = m.open.file.Close()
		m.open = nil
	}
	_ = os.Remove(m.slotPath(h.slot))
	h.consumed = true
	return nil
}

// ConfirmImage implements Manager. It promotes the pending slot to active
// and confirmed, canceling rollback. Called only for the slot that is
// currently running: on real hardware that is implicit in the bootloader
// having already booted it, so here it simply trusts the caller is acting
// after a successful boot of the pending slot.
func (m *FileManager) ConfirmImage() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.readState()
	if err != nil {
		return err
	}
	if st.Pending != "" {
		st.Active = st.Pending
		st.Pending = ""
	}
	st.Confirmed = true
	return m.writeState(st)
}

// IsImageConfirmed implements Manager.
func (m *FileManager) IsImageConfirmed() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.readState()
	if err != nil {
		return false, err
	}
	return st.Confirmed, nil
}
