package engine

import (
	"context"
	"net/netip"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/ecpri"
	"github.com/xilinx/xroe-ecpri/pkg/types"
)

// RMAResponse is what a peer answered to a read or write request.
type RMAResponse struct {
	ElementID uint16
	Address   uint64
	Length    uint16
	Data      []byte
}

func rmaOpName(op uint8) string {
	switch op {
	case ecpri.RMARead:
		return "read"
	case ecpri.RMAWrite:
		return "write"
	case ecpri.RMAWriteNoResponse:
		return "write-no-response"
	}
	return "unknown"
}

// RMARequest identifies a sent request whose response can be awaited.
type RMARequest struct {
	ID   uint8
	Op   uint8
	Peer netip.AddrPort
}

func (r RMARequest) key() pendingKey {
	return pendingKey{kind: pendingRMA, op: r.Op, peer: r.Peer.Addr(), id: uint16(r.ID)}
}

// SendRMARequest sends a read or write request for length bytes at address of
// the peer register space and returns the request with the number of bytes
// sent. Writes carry exactly length bytes of data. Unless op is
// RMAWriteNoResponse the response is registered before the request leaves,
// so AwaitRMAResponse cannot miss it.
func (e *Engine) SendRMARequest(ctx context.Context, op uint8, peer netip.AddrPort, address uint64, length uint16, data []byte) (RMARequest, int, error) {
	switch op {
	case ecpri.RMARead:
		if length > ecpri.MaxRMAReadLength {
			return RMARequest{}, 0, errors.Wrapf(ErrInvalidRequest, "read of %d bytes does not fit one response, at most %d", length, ecpri.MaxRMAReadLength)
		}
		data = nil
	case ecpri.RMAWrite, ecpri.RMAWriteNoResponse:
		if len(data) != int(length) {
			return RMARequest{}, 0, errors.Wrapf(ErrInvalidRequest, "write of %d bytes carries %d bytes of data", length, len(data))
		}
	default:
		return RMARequest{}, 0, errors.Wrapf(ErrInvalidRequest, "unknown RMA op 0x%02x", op)
	}
	if address > ecpri.MaxAddress {
		return RMARequest{}, 0, errors.Wrapf(ErrInvalidRequest, "address 0x%x does not fit 48 bits", address)
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	req := RMARequest{
		ID:   e.nextRMAID,
		Op:   op,
		Peer: peer,
	}
	msg := ecpri.RMAMessage{
		ID:      req.ID,
		Flags:   op | ecpri.RMARequest,
		Address: address,
		Length:  length,
		Data:    data,
	}
	if op != ecpri.RMAWriteNoResponse {
		if _, err := e.registerLocked(req.key()); err != nil {
			return RMARequest{}, 0, err
		}
	}

	n, err := e.send(ecpri.MessageTypeRemoteMemoryAccess, &msg, peer)
	if err != nil {
		delete(e.pending, req.key())
		return RMARequest{}, 0, errors.Wrapf(err, "failed to send RMA %v request to %v", rmaOpName(op), peer)
	}
	e.nextRMAID++
	return req, n, nil
}

// AwaitRMAResponse waits for the response to req. Responses to other
// requests or from other peers do not end the wait.
func (e *Engine) AwaitRMAResponse(ctx context.Context, req RMARequest) (*RMAResponse, error) {
	p, err := e.await(ctx, req.key())
	if err != nil {
		return nil, err
	}
	return p.rma, nil
}

func (e *Engine) RMARead(ctx context.Context, peer netip.AddrPort, address uint64, length uint16) ([]byte, error) {
	req, _, err := e.SendRMARequest(ctx, ecpri.RMARead, peer, address, length, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.AwaitRMAResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (e *Engine) RMAWrite(ctx context.Context, peer netip.AddrPort, address uint64, data []byte) error {
	if len(data) > 0xffff {
		return errors.Wrapf(ErrInvalidRequest, "write of %d bytes exceeds the RMA length field", len(data))
	}
	req, _, err := e.SendRMARequest(ctx, ecpri.RMAWrite, peer, address, uint16(len(data)), data)
	if err != nil {
		return err
	}
	_, err = e.AwaitRMAResponse(ctx, req)
	return err
}

func (e *Engine) handleRMALocked(d *types.Datagram) (int, error) {
	var msg ecpri.RMAMessage
	if err := msg.UnmarshalBinary(d.Payload); err != nil {
		return 0, err
	}

	switch msg.Kind() {
	case ecpri.RMARequest:
		return e.serveRMALocked(&msg, d.Source)
	case ecpri.RMAResponse, ecpri.RMAFail:
		return 0, e.completeRMALocked(&msg, d.Source)
	}
	return 0, errors.Wrapf(ErrResponseMismatch, "RMA message with flags 0x%02x from %v", msg.Flags, d.Source)
}

// responseID returns the id of the request msg answers. Read responses carry
// it in the element id, write responses echo it.
func responseID(msg *ecpri.RMAMessage) uint16 {
	if msg.Op() == ecpri.RMARead {
		return msg.ElementID
	}
	return uint16(msg.ID)
}

func (e *Engine) completeRMALocked(msg *ecpri.RMAMessage, source netip.AddrPort) error {
	key := pendingKey{kind: pendingRMA, op: msg.Op(), peer: source.Addr(), id: responseID(msg)}
	if _, ok := e.awaitingLocked(key); !ok {
		return errors.Wrapf(ErrResponseMismatch, "unexpected RMA response %d with flags 0x%02x from %v", key.id, msg.Flags, source)
	}

	if msg.Kind() == ecpri.RMAFail {
		e.completeLocked(key, func(p *pendingResponse) {
			p.err = errors.Wrapf(ErrRemoteFailure, "RMA %v at 0x%x on %v", rmaOpName(msg.Op()), msg.Address, source)
		})
		return nil
	}

	if msg.Op() == ecpri.RMARead && len(msg.Data) < int(msg.Length) {
		// Keep waiting, a complete response may still follow.
		return errors.Wrapf(ecpri.ErrTruncatedPayload, "RMA read response from %v declares %d bytes, carries %d", source, msg.Length, len(msg.Data))
	}

	resp := &RMAResponse{
		ElementID: msg.ElementID,
		Address:   msg.Address,
		Length:    msg.Length,
	}
	if msg.Op() == ecpri.RMARead {
		resp.Data = make([]byte, msg.Length)
		copy(resp.Data, msg.Data)
	}
	e.completeLocked(key, func(p *pendingResponse) {
		p.rma = resp
	})
	return nil
}

// serveRMALocked fulfils a request from source against the local registers.
// Only the low 32 bits of the address reach the register space.
func (e *Engine) serveRMALocked(req *ecpri.RMAMessage, source netip.AddrPort) (int, error) {
	op := req.Op()
	addr := uint32(req.Address)
	log := logrus.WithFields(logrus.Fields{
		"peer":    source,
		"op":      rmaOpName(op),
		"address": addr,
		"length":  req.Length,
	})

	var (
		resp   ecpri.RMAMessage
		regErr error
	)
	switch op {
	case ecpri.RMARead:
		if req.Length > ecpri.MaxRMAReadLength {
			return e.refuseRMALocked(req, source, errors.Wrapf(ErrInvalidRequest,
				"RMA read of %d bytes from %v does not fit one response", req.Length, source))
		}
		buf := make([]byte, req.Length)
		regErr = e.readRegisters(addr, buf)
		resp = ecpri.RMAMessage{
			ID:        0,
			Flags:     ecpri.RMARead | ecpri.RMAResponse,
			ElementID: uint16(req.ID),
			Address:   uint64(addr),
			Length:    req.Length,
			Data:      buf,
		}
	case ecpri.RMAWrite, ecpri.RMAWriteNoResponse:
		if len(req.Data) < int(req.Length) {
			return 0, errors.Wrapf(ecpri.ErrTruncatedPayload, "RMA write from %v declares %d bytes, carries %d", source, req.Length, len(req.Data))
		}
		regErr = e.writeRegisters(addr, req.Data)
		resp = ecpri.RMAMessage{
			ID:        req.ID,
			Flags:     ecpri.RMAWrite | ecpri.RMAResponse,
			ElementID: req.ElementID,
			Address:   req.Address,
			Length:    req.Length,
		}
	default:
		return 0, errors.Wrapf(ErrResponseMismatch, "unknown RMA op in flags 0x%02x from %v", req.Flags, source)
	}

	result := "ok"
	if regErr != nil {
		result = "error"
		e.metrics.RegisterError()
		log.WithError(regErr).Warn("Register access for RMA request failed")
		if e.failureReplies {
			resp.Flags = resp.Op() | ecpri.RMAFail
			resp.Data = nil
		}
	}
	e.metrics.RMAServed(rmaOpName(op), result)

	if op == ecpri.RMAWriteNoResponse {
		log.Debug("Served RMA write without response")
		return 0, nil
	}
	n, err := e.send(ecpri.MessageTypeRemoteMemoryAccess, &resp, source)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to send RMA response to %v", source)
	}
	log.Debug("Served RMA request")
	return n, nil
}

// refuseRMALocked answers a read that cannot be served with FAIL when failure
// replies are enabled, and drops it otherwise.
func (e *Engine) refuseRMALocked(req *ecpri.RMAMessage, source netip.AddrPort, cause error) (int, error) {
	e.metrics.RMAServed(rmaOpName(req.Op()), "refused")
	if !e.failureReplies {
		return 0, cause
	}
	resp := ecpri.RMAMessage{
		Flags:     req.Op() | ecpri.RMAFail,
		ElementID: uint16(req.ID),
		Address:   uint64(uint32(req.Address)),
		Length:    req.Length,
	}
	n, err := e.send(ecpri.MessageTypeRemoteMemoryAccess, &resp, source)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to send RMA failure to %v", source)
	}
	logrus.WithError(cause).Warn("Refused RMA request")
	return n, nil
}

func (e *Engine) readRegisters(addr uint32, buf []byte) error {
	if e.registers == nil {
		return errors.New("no register space attached")
	}
	return e.registers.Read(addr, buf)
}

func (e *Engine) writeRegisters(addr uint32, data []byte) error {
	if e.registers == nil {
		return errors.New("no register space attached")
	}
	return e.registers.Write(addr, data)
}
