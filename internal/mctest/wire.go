package mctest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/DeltaLaboratory/memring/internal/protocol"
)

const magicRequest = 0x80

func readRequest(c net.Conn) (*protocol.Request, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c, header); err != nil {
		return nil, err
	}
	if header[0] != magicRequest {
		return nil, fmt.Errorf("mctest: bad magic 0x%02x", header[0])
	}
	keyLen := int(binary.BigEndian.Uint16(header[2:]))
	extrasLen := int(header[4])
	bodyLen := int(binary.BigEndian.Uint32(header[8:]))
	if bodyLen < keyLen+extrasLen {
		return nil, fmt.Errorf("mctest: body length %d shorter than key+extras", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(c, body); err != nil {
		return nil, err
	}
	return &protocol.Request{
		Op:     protocol.Opcode(header[1]),
		Opaque: binary.BigEndian.Uint32(header[12:]),
		CAS:    binary.BigEndian.Uint64(header[16:]),
		Extras: body[:extrasLen],
		Key:    body[extrasLen : extrasLen+keyLen],
		Value:  body[extrasLen+keyLen:],
	}, nil
}

func reply(c net.Conn, req *protocol.Request, resp *protocol.Response) error {
	if req.Op == protocol.OpStat && resp.Status == protocol.StatusOK {
		for _, kv := range [][2]string{
			{"pid", "1"},
			{"version", "1.6.0-mctest"},
			{"curr_items", "0"},
		} {
			frame := &protocol.Response{Key: []byte(kv[0]), Value: []byte(kv[1])}
			if err := writeResponse(c, req, frame); err != nil {
				return err
			}
		}
	}
	return writeResponse(c, req, resp)
}

func writeResponse(c net.Conn, req *protocol.Request, resp *protocol.Response) error {
	buf := make([]byte, protocol.HeaderSize+len(resp.Extras)+len(resp.Key)+len(resp.Value))
	buf[0] = 0x81
	buf[1] = byte(req.Op)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(resp.Key)))
	buf[4] = byte(len(resp.Extras))
	binary.BigEndian.PutUint16(buf[6:], uint16(resp.Status))
	binary.BigEndian.PutUint32(buf[8:], uint32(len(resp.Extras)+len(resp.Key)+len(resp.Value)))
	binary.BigEndian.PutUint32(buf[12:], req.Opaque)
	binary.BigEndian.PutUint64(buf[16:], resp.CAS)
	n := protocol.HeaderSize
	n += copy(buf[n:], resp.Extras)
	n += copy(buf[n:], resp.Key)
	copy(buf[n:], resp.Value)
	_, err := c.Write(buf)
	return err
}
