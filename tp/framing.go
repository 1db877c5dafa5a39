package tp

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	pciTypeSingleFrame      = 0x00
	pciTypeFirstFrame       = 0x10
	pciTypeConsecutiveFrame = 0x20
	pciTypeFlowControl      = 0x30
)

// createFlowControlPayload 创建流控帧的数据负载
func createFlowControlPayload(status FlowStatus, blockSize int, stMin time.Duration) []byte {
	return []byte{
		pciTypeFlowControl | byte(status),
		byte(blockSize),
		encodeSTmin(stMin),
	}
}

// createSingleFramePayload 创建单帧的数据负载
func createSingleFramePayload(data []byte, maxDataLength int) ([]byte, error) {
	dataLen := len(data)
	var pci []byte

	if dataLen <= 7 {
		pci = []byte{pciTypeSingleFrame | byte(dataLen)}
	} else {
		// CAN FD 使用长度转义
		pci = []byte{pciTypeSingleFrame, byte(dataLen)}
	}

	totalLength := len(pci) + dataLen
	if totalLength > maxDataLength {
		return nil, fmt.Errorf("单帧总长度 (%d) 超过最大限制 (%d)", totalLength, maxDataLength)
	}

	payload := make([]byte, 0, totalLength)
	payload = append(payload, pci...)
	return append(payload, data...), nil
}

// createFirstFramePayload 创建首帧的数据负载
func createFirstFramePayload(firstChunk []byte, totalMessageSize int, maxDataLength int) ([]byte, error) {
	var pci []byte
	if totalMessageSize <= MaxClassicMessageLength {
		pci = []byte{
			pciTypeFirstFrame | byte(totalMessageSize>>8&0x0F),
			byte(totalMessageSize & 0xFF),
		}
	} else {
		// 32 位长度转义
		pci = make([]byte, 6)
		pci[0] = pciTypeFirstFrame
		binary.BigEndian.PutUint32(pci[2:], uint32(totalMessageSize))
	}

	totalLength := len(pci) + len(firstChunk)
	if totalLength > maxDataLength {
		return nil, fmt.Errorf("首帧总长度 (%d) 超过最大限制 (%d)", totalLength, maxDataLength)
	}

	payload := make([]byte, 0, totalLength)
	payload = append(payload, pci...)
	return append(payload, firstChunk...), nil
}

// createConsecutiveFramePayload 创建连续帧的数据负载
func createConsecutiveFramePayload(dataChunk []byte, sequenceNumber int) ([]byte, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return nil, fmt.Errorf("序列号必须在0到15之间, got %d", sequenceNumber)
	}
	payload := make([]byte, 0, 1+len(dataChunk))
	payload = append(payload, pciTypeConsecutiveFrame|byte(sequenceNumber))
	return append(payload, dataChunk...), nil
}

// segment splits data into the PCI-prefixed payloads of one transfer: a single
// frame, or a first frame followed by consecutive frames numbered from 1.
// available is the frame length left after the address prefix.
func segment(data []byte, available int, fd bool) ([][]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, NewIsoTpError("tp: empty payload")
	}

	if n <= 7 && n+1 <= available {
		sf, err := createSingleFramePayload(data, available)
		if err != nil {
			return nil, err
		}
		return [][]byte{sf}, nil
	}
	if fd && n > 7 && n+2 <= available {
		sf, err := createSingleFramePayload(data, available)
		if err != nil {
			return nil, err
		}
		return [][]byte{sf}, nil
	}

	ffPci := 2
	if n > MaxClassicMessageLength {
		ffPci = 6
	}
	chunk := available - ffPci
	if chunk <= 0 || available < 2 {
		return nil, FrameTooLongError{NewIsoTpError(fmt.Sprintf("tp: frame length %d too small for segmentation", available))}
	}

	frames := make([][]byte, 0, 1+(n-chunk)/(available-1)+1)
	ff, err := createFirstFramePayload(data[:chunk], n, available)
	if err != nil {
		return nil, err
	}
	frames = append(frames, ff)

	seq := 1
	for off := chunk; off < n; {
		end := off + available - 1
		if end > n {
			end = n
		}
		cf, err := createConsecutiveFramePayload(data[off:end], seq)
		if err != nil {
			return nil, err
		}
		frames = append(frames, cf)
		seq = (seq + 1) % 16
		off = end
	}
	return frames, nil
}

type ISOTPFrame interface{}

type SingleFrame struct{ Data []byte }

type FirstFrame struct {
	TotalSize int
	Data      []byte
}

type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

func invalidData(format string, args ...any) error {
	return InvalidCanDataError{NewIsoTpError(fmt.Sprintf(format, args...))}
}

// ParseFrame 解析去掉地址前缀后的 N_PCI。
func ParseFrame(msg *CanMessage, rxPrefixSize int) (ISOTPFrame, error) {
	if len(msg.Data) <= rxPrefixSize {
		return nil, invalidData("CAN数据长度 (%d) 小于等于前缀长度 (%d)", len(msg.Data), rxPrefixSize)
	}

	payload := msg.Data[rxPrefixSize:]
	pciType := payload[0] & 0xF0

	switch pciType {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 {
			// CAN FD 长度转义
			if len(payload) < 2 {
				return nil, invalidData("SF(FD)长度不足2字节")
			}
			length = int(payload[1])
			if length == 0 || len(payload)-2 < length {
				return nil, invalidData("SF(FD)数据不完整")
			}
			return &SingleFrame{Data: payload[2 : 2+length]}, nil
		}
		if len(payload)-1 < length {
			return nil, invalidData("SF数据不完整")
		}
		return &SingleFrame{Data: payload[1 : 1+length]}, nil

	case pciTypeFirstFrame:
		if len(payload) < 2 {
			return nil, invalidData("FF长度不足2字节")
		}
		totalSize := (int(payload[0]&0x0F) << 8) | int(payload[1])
		dataStart := 2
		if totalSize == 0 {
			if len(payload) < 6 {
				return nil, invalidData("FF(long)长度不足6字节")
			}
			totalSize = int(binary.BigEndian.Uint32(payload[2:6]))
			dataStart = 6
		}
		return &FirstFrame{TotalSize: totalSize, Data: payload[dataStart:]}, nil

	case pciTypeConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil

	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, invalidData("FC长度不足3字节")
		}
		return &FlowControlFrame{
			FlowStatus: FlowStatus(payload[0] & 0x0F),
			BlockSize:  int(payload[1]),
			STmin:      decodeSTmin(payload[2]),
		}, nil
	}
	return nil, invalidData("未知PCI类型: 0x%02X", pciType)
}
