package driver

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// IntToBig 把 uint32 编码成 4 字节大端
func IntToBig(num uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, num)
	return buf
}

// BigToInt 大端解码，不足 4 字节时左侧补零
func BigToInt(buf []byte) uint32 {
	if len(buf) < 4 {
		padded := make([]byte, 4)
		copy(padded[4-len(buf):], buf)
		buf = padded
	}
	return binary.BigEndian.Uint32(buf[:4])
}

// ParseHexBytes 解析带或不带空格的十六进制字符串，ELM327 的响应行就是这种格式
func ParseHexBytes(hexStr string) ([]byte, error) {
	hexStr = strings.ReplaceAll(hexStr, " ", "")
	if len(hexStr)%2 != 0 {
		return nil, fmt.Errorf("odd length hex string %q", hexStr)
	}
	return hex.DecodeString(hexStr)
}

func hexSpaced(data []byte) string {
	return fmt.Sprintf("% 02X", data)
}

func sprintfID(format string, id uint32) string {
	return fmt.Sprintf(format, id)
}
