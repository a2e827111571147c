package register

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"
)

// Memory is a register space kept in process memory. It backs the soft
// daemon mode and the tests.
type Memory struct {
	lock sync.Mutex
	data []byte
	err  error
}

func NewMemory(size int) *Memory {
	return &Memory{
		data: make([]byte, size),
	}
}

// SetError makes every following access fail with err, or succeed again when
// err is nil.
func (m *Memory) SetError(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.err = err
}

func (m *Memory) Size() int {
	return len(m.data)
}

func (m *Memory) checkLocked(addr uint32, n int) error {
	if m.err != nil {
		return errors.Mark(m.err, ErrRegisterIO)
	}
	if uint64(addr)+uint64(n) > uint64(len(m.data)) {
		return errors.Mark(errors.Newf("access of %d bytes at 0x%08x is outside the %d byte register space", n, addr, len(m.data)), ErrRegisterIO)
	}
	return nil
}

func (m *Memory) Read(addr uint32, buf []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkLocked(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.data[addr:])
	return nil
}

func (m *Memory) Write(addr uint32, data []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkLocked(addr, len(data)); err != nil {
		return err
	}
	copy(m.data[addr:], data)
	return nil
}

func (m *Memory) ReadRegister(addr uint32, mask uint32, shift uint) (uint32, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkLocked(addr, wordSize); err != nil {
		return 0, err
	}
	return (binary.LittleEndian.Uint32(m.data[addr:]) & mask) >> shift, nil
}

func (m *Memory) WriteRegister(addr uint32, value uint32, mask uint32, shift uint) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if err := m.checkLocked(addr, wordSize); err != nil {
		return err
	}
	word := m.data[addr : addr+wordSize]
	binary.LittleEndian.PutUint32(word, merge(binary.LittleEndian.Uint32(word), value, mask, shift))
	return nil
}
