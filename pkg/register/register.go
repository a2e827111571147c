package register

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDevicePath  = "/dev/xroe/ip"
	DefaultLockPath    = "/var/run/xroe/ip.lock"
	DefaultTriggerPath = "/sys/kernel/traffic/sw_trigger"

	wordSize = 4
)

var ErrRegisterIO = errors.New("register I/O error")

// Device accesses the framer address space through the character device
// exported by the framer driver. Offsets in the device file are framer
// addresses.
//
// The device is opened for every access. When LockPath is set, accesses from
// every process using the same lock file are serialised, so a CLI peek cannot
// interleave with a read-modify-write done by the daemon.
type Device struct {
	Path     string
	LockPath string

	lock sync.Mutex
}

func NewDevice(path, lockPath string) *Device {
	if path == "" {
		path = DefaultDevicePath
	}
	return &Device{
		Path:     path,
		LockPath: lockPath,
	}
}

func (d *Device) acquire() (unlock func(), err error) {
	d.lock.Lock()
	if d.LockPath == "" {
		return d.lock.Unlock, nil
	}

	if err := os.MkdirAll(filepath.Dir(d.LockPath), 0755); err != nil {
		d.lock.Unlock()
		return nil, errors.Mark(errors.Wrapf(err, "failed to create lock directory for %v", d.LockPath), ErrRegisterIO)
	}
	fileLock := flock.New(d.LockPath)
	if err := fileLock.Lock(); err != nil {
		d.lock.Unlock()
		return nil, errors.Mark(errors.Wrapf(err, "failed to lock %v", d.LockPath), ErrRegisterIO)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			logrus.WithError(err).Warnf("Failed to unlock %v", d.LockPath)
		}
		d.lock.Unlock()
	}, nil
}

func (d *Device) open(flag int) (*os.File, error) {
	f, err := os.OpenFile(d.Path, flag, 0)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open register device %v", d.Path), ErrRegisterIO)
	}
	return f, nil
}

func (d *Device) Read(addr uint32, buf []byte) error {
	unlock, err := d.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return d.readLocked(addr, buf)
}

func (d *Device) readLocked(addr uint32, buf []byte) error {
	f, err := d.open(os.O_RDONLY)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.ReadAt(buf, int64(addr))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to read %d bytes at 0x%08x", len(buf), addr), ErrRegisterIO)
	}
	if n != len(buf) {
		return errors.Mark(errors.Newf("short read at 0x%08x: %d of %d bytes", addr, n, len(buf)), ErrRegisterIO)
	}
	return nil
}

func (d *Device) Write(addr uint32, data []byte) error {
	unlock, err := d.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return d.writeLocked(addr, data)
}

func (d *Device) writeLocked(addr uint32, data []byte) error {
	f, err := d.open(os.O_WRONLY)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.WriteAt(data, int64(addr))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to write %d bytes at 0x%08x", len(data), addr), ErrRegisterIO)
	}
	if n != len(data) {
		return errors.Mark(errors.Newf("short write at 0x%08x: %d of %d bytes", addr, n, len(data)), ErrRegisterIO)
	}
	return nil
}

// ReadRegister returns (word & mask) >> shift for the 32-bit word at addr.
func (d *Device) ReadRegister(addr uint32, mask uint32, shift uint) (uint32, error) {
	buf := make([]byte, wordSize)
	if err := d.Read(addr, buf); err != nil {
		return 0, err
	}
	return (binary.LittleEndian.Uint32(buf) & mask) >> shift, nil
}

// WriteRegister replaces the bits selected by mask in the word at addr with
// value << shift, leaving the other bits untouched.
func (d *Device) WriteRegister(addr uint32, value uint32, mask uint32, shift uint) error {
	unlock, err := d.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	buf := make([]byte, wordSize)
	if err := d.readLocked(addr, buf); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf, merge(binary.LittleEndian.Uint32(buf), value, mask, shift))
	return d.writeLocked(addr, buf)
}

func merge(current, value, mask uint32, shift uint) uint32 {
	return (current &^ mask) | ((value << shift) & mask)
}
