package udsclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// 会话类型
const (
	DefaultSession     byte = 0x01
	ProgrammingSession byte = 0x02
	ExtendedSession    byte = 0x03
)

// ReadDTCInformation 子功能
const (
	ReportNumberOfDTCByStatusMask byte = 0x01
	ReportDTCByStatusMask         byte = 0x02
)

// GroupAllDTCs clears every DTC group.
const GroupAllDTCs uint32 = 0xFFFFFF

// ReadDataByIdentifier reads one or more DIDs. With several DIDs every one but the last
// needs an entry in Options.DIDLengths; the last takes the remaining bytes.
func (c *Client) ReadDataByIdentifier(ctx context.Context, dids ...uint16) (map[uint16][]byte, error) {
	if len(dids) == 0 {
		return nil, errors.New("udsclient: no DID given")
	}
	lengths := c.Options().DIDLengths
	for _, did := range dids[:len(dids)-1] {
		if _, ok := lengths[did]; !ok {
			return nil, fmt.Errorf("udsclient: unknown length for DID 0x%04X", did)
		}
	}

	params := make([]byte, 0, 2*len(dids))
	for _, did := range dids {
		params = binary.BigEndian.AppendUint16(params, did)
	}
	ex, err := c.Do(ctx, Request{ServiceID: SIDReadDataByIdentifier, Params: params, Echo: params[:2]})
	if err != nil {
		return nil, err
	}

	out := make(map[uint16][]byte, len(dids))
	body := ex.Response[1:]
	for i, did := range dids {
		if len(body) < 2 || binary.BigEndian.Uint16(body) != did {
			return nil, &MalformedResponseError{ServiceID: SIDReadDataByIdentifier, Response: ex.Response, Reason: fmt.Sprintf("DID 0x%04X 缺失", did)}
		}
		body = body[2:]
		n := len(body)
		if i < len(dids)-1 {
			n = lengths[did]
			if n > len(body) {
				return nil, &MalformedResponseError{ServiceID: SIDReadDataByIdentifier, Response: ex.Response, Reason: fmt.Sprintf("DID 0x%04X 数据不足", did)}
			}
		}
		out[did] = append([]byte(nil), body[:n]...)
		body = body[n:]
	}
	return out, nil
}

// DTC 故障码: 高两字节为 ISO 15031 编码，低字节为故障类型 (FTB)。
type DTC struct {
	Code   uint32
	Status byte
}

// String formats the ISO 15031 letter form, e.g. P0123, with -FTB appended when nonzero.
func (d DTC) String() string {
	hi := uint16(d.Code >> 8)
	s := fmt.Sprintf("%c%d%03X", "PCBU"[hi>>14], (hi>>12)&0x3, hi&0x0FFF)
	if ftb := byte(d.Code); ftb != 0 {
		s += fmt.Sprintf("-%02X", ftb)
	}
	return s
}

type DTCCount struct {
	StatusAvailability byte
	Format             byte
	Count              uint16
}

// ReadDTCInformation sends 0x19 with a status mask and returns the raw exchange.
func (c *Client) ReadDTCInformation(ctx context.Context, sub, mask byte) (*Exchange, error) {
	return c.Do(ctx, Request{ServiceID: SIDReadDTCInformation, SubFunction: Sub(sub), Params: []byte{mask}})
}

func (c *Client) ReadDTCCount(ctx context.Context, mask byte) (DTCCount, error) {
	ex, err := c.ReadDTCInformation(ctx, ReportNumberOfDTCByStatusMask, mask)
	if err != nil {
		return DTCCount{}, err
	}
	r := ex.Response
	if len(r) < 6 {
		return DTCCount{}, &MalformedResponseError{ServiceID: SIDReadDTCInformation, Response: r, Reason: "长度不足"}
	}
	return DTCCount{StatusAvailability: r[2], Format: r[3], Count: binary.BigEndian.Uint16(r[4:6])}, nil
}

func (c *Client) ReadDTCsByStatus(ctx context.Context, mask byte) ([]DTC, error) {
	ex, err := c.ReadDTCInformation(ctx, ReportDTCByStatusMask, mask)
	if err != nil {
		return nil, err
	}
	r := ex.Response
	if len(r) < 3 || (len(r)-3)%4 != 0 {
		return nil, &MalformedResponseError{ServiceID: SIDReadDTCInformation, Response: r, Reason: "DTC 记录长度错误"}
	}
	dtcs := make([]DTC, 0, (len(r)-3)/4)
	for rec := r[3:]; len(rec) >= 4; rec = rec[4:] {
		dtcs = append(dtcs, DTC{
			Code:   uint32(rec[0])<<16 | uint32(rec[1])<<8 | uint32(rec[2]),
			Status: rec[3],
		})
	}
	return dtcs, nil
}

func (c *Client) ClearDiagnosticInformation(ctx context.Context, group uint32) error {
	if group > GroupAllDTCs {
		return fmt.Errorf("udsclient: DTC group 0x%X out of range", group)
	}
	_, err := c.Do(ctx, Request{
		ServiceID: SIDClearDiagnosticInfo,
		Params:    []byte{byte(group >> 16), byte(group >> 8), byte(group)},
	})
	return err
}

// RequestSeed 请求安全访问种子，level 必须为奇数
func (c *Client) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	if level%2 == 0 || level > 0x7F {
		return nil, fmt.Errorf("udsclient: invalid seed level 0x%02X", level)
	}
	ex, err := c.Do(ctx, Request{ServiceID: SIDSecurityAccess, SubFunction: Sub(level)})
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), ex.Response[2:]...), nil
}

// SendKey 在 level+1 上发送密钥
func (c *Client) SendKey(ctx context.Context, level byte, key []byte) error {
	if level%2 == 0 || level > 0x7F {
		return fmt.Errorf("udsclient: invalid seed level 0x%02X", level)
	}
	_, err := c.Do(ctx, Request{ServiceID: SIDSecurityAccess, SubFunction: Sub(level + 1), Params: key})
	return err
}

// TesterPresentRequest is the 3E 00 request, with the suppress bit when asked.
func TesterPresentRequest(suppress bool) Request {
	return Request{ServiceID: SIDTesterPresent, SubFunction: Sub(0x00), SuppressResponse: suppress}
}

// KeepAliveRequest 会话保活用的 3E 00，只发一次且不重试，交互记录带 KeepAlive 标记。
func KeepAliveRequest() Request {
	req := TesterPresentRequest(false)
	req.NoRetry, req.KeepAlive = true, true
	return req
}

func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	_, err := c.Do(ctx, TesterPresentRequest(suppress))
	return err
}

// SessionTiming 会话控制正响应中的 P2/P2*
type SessionTiming struct {
	P2     time.Duration
	P2Star time.Duration
}

// DiagnosticSessionControl switches session. Short (KWP-style) responses return zero timing.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte) (SessionTiming, error) {
	ex, err := c.Do(ctx, Request{ServiceID: SIDDiagnosticSessionControl, SubFunction: Sub(session)})
	if err != nil {
		return SessionTiming{}, err
	}
	r := ex.Response
	if len(r) < 6 {
		return SessionTiming{}, nil
	}
	return SessionTiming{
		P2:     time.Duration(binary.BigEndian.Uint16(r[2:4])) * time.Millisecond,
		P2Star: time.Duration(binary.BigEndian.Uint16(r[4:6])) * 10 * time.Millisecond,
	}, nil
}
