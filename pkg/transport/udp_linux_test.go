//go:build linux

package transport

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	. "gopkg.in/check.v1"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
)

type ControlSuite struct{}

var _ = Suite(&ControlSuite{})

// cmsg builds one control message the way the kernel lays it out.
func cmsg(level, typ int32, data []byte) []byte {
	b := make([]byte, unix.CmsgSpace(len(data)))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(b[unix.CmsgLen(0):], data)
	return b
}

func timespecs(ts ...unix.Timespec) []byte {
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(&ts[0])), len(ts)*sizeofTimespec)...)
}

func timestamping(sw, hw unix.Timespec) []byte {
	return cmsg(unix.SOL_SOCKET, unix.SO_TIMESTAMPING, timespecs(sw, unix.Timespec{}, hw))
}

var (
	software = unix.NsecToTimespec(1*ecpri.NanosecondsPerSecond + 100)
	hardware = unix.NsecToTimespec(2*ecpri.NanosecondsPerSecond + 200)
)

func (s *ControlSuite) TestRawHardwareStamp(c *C) {
	ts, ok, err := parseControl(timestamping(software, hardware))
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Assert(ts, Equals, ecpri.Timestamp{Sec: 2, Nsec: 200})
}

func (s *ControlSuite) TestSoftwareStampFallback(c *C) {
	ts, ok, err := parseControl(timestamping(software, unix.Timespec{}))
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Assert(ts, Equals, ecpri.Timestamp{Sec: 1, Nsec: 100})
}

func (s *ControlSuite) TestTimestampNS(c *C) {
	ns := cmsg(unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, timespecs(software))
	ts, ok, err := parseControl(ns)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Assert(ts, Equals, ecpri.Timestamp{Sec: 1, Nsec: 100})

	// SO_TIMESTAMPING wins whatever the order.
	for _, oob := range [][]byte{
		append(append([]byte(nil), ns...), timestamping(software, hardware)...),
		append(timestamping(software, hardware), ns...),
	} {
		ts, ok, err = parseControl(oob)
		c.Assert(err, IsNil)
		c.Assert(ok, Equals, true)
		c.Assert(ts, Equals, ecpri.Timestamp{Sec: 2, Nsec: 200})
	}
}

func (s *ControlSuite) TestErrorQueueMessage(c *C) {
	recverr := cmsg(unix.SOL_IP, unix.IP_RECVERR, make([]byte, sizeofSockExtendedErr))
	ts, ok, err := parseControl(append(recverr, timestamping(software, hardware)...))
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Assert(ts, Equals, ecpri.Timestamp{Sec: 2, Nsec: 200})
}

func (s *ControlSuite) TestNoControlMessages(c *C) {
	_, ok, err := parseControl(nil)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)

	_, ok, err = parseControl(cmsg(unix.SOL_SOCKET, unix.SO_RCVBUF, make([]byte, 4)))
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)
}

func (s *ControlSuite) TestShortControlMessages(c *C) {
	for name, oob := range map[string][]byte{
		"timestamping": cmsg(unix.SOL_SOCKET, unix.SO_TIMESTAMPING, timespecs(software)),
		"timestampns":  cmsg(unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, make([]byte, sizeofTimespec-1)),
		"recverr":      cmsg(unix.SOL_IP, unix.IP_RECVERR, make([]byte, sizeofSockExtendedErr-8)),
		"header":       timestamping(software, hardware)[:unix.CmsgLen(0)+4],
	} {
		_, ok, err := parseControl(oob)
		c.Assert(errors.Is(err, ErrShortControlMessage), Equals, true, Commentf("%v", name))
		c.Assert(ok, Equals, false)
	}
}
