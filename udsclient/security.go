package udsclient

import (
	"crypto/aes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/chmike/cmac-go"

	"github.com/LoveWonYoung/autodiag/driver"
)

// KeyAlgorithm 由种子计算安全访问密钥
type KeyAlgorithm interface {
	Name() string
	Key(seed []byte, level byte) ([]byte, error)
}

// XORAlgorithm 把常量循环异或到种子上
type XORAlgorithm struct {
	Constant []byte
}

func (XORAlgorithm) Name() string { return "xor" }

func (a XORAlgorithm) Key(seed []byte, _ byte) ([]byte, error) {
	if len(a.Constant) == 0 {
		return nil, errors.New("udsclient: xor constant is empty")
	}
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = b ^ a.Constant[i%len(a.Constant)]
	}
	return key, nil
}

// AdditiveAlgorithm adds Constant to the big-endian seed, modulo 2^(8*len(seed)).
type AdditiveAlgorithm struct {
	Constant uint32
}

func (AdditiveAlgorithm) Name() string { return "add" }

func (a AdditiveAlgorithm) Key(seed []byte, _ byte) ([]byte, error) {
	key := make([]byte, len(seed))
	carry := uint32(0)
	k := a.Constant
	for i := len(seed) - 1; i >= 0; i-- {
		sum := uint32(seed[i]) + (k & 0xFF) + carry
		key[i] = byte(sum)
		carry = sum >> 8
		k >>= 8
	}
	return key, nil
}

// KeyFunc 厂商自定义算法
type KeyFunc func(seed []byte, level byte) ([]byte, error)

func (KeyFunc) Name() string { return "custom" }

func (f KeyFunc) Key(seed []byte, level byte) ([]byte, error) { return f(seed, level) }

// CMACAlgorithm AES-CMAC(Secret, seed)，截取前 Size 字节 (0 表示完整 16 字节)。
type CMACAlgorithm struct {
	Secret []byte
	Size   int
}

func (CMACAlgorithm) Name() string { return "cmac" }

func (a CMACAlgorithm) Key(seed []byte, _ byte) ([]byte, error) {
	mac, err := cmac.New(aes.NewCipher, a.Secret)
	if err != nil {
		return nil, fmt.Errorf("udsclient: cmac: %w", err)
	}
	mac.Write(seed)
	sum := mac.Sum(nil)
	if a.Size > 0 && a.Size < len(sum) {
		sum = sum[:a.Size]
	}
	return sum, nil
}

// AlgorithmFactory builds an algorithm from its config parameter.
type AlgorithmFactory func(param string) (KeyAlgorithm, error)

var (
	algMu      sync.RWMutex
	algorithms = map[string]AlgorithmFactory{}
)

// RegisterAlgorithm 注册自定义算法，id 不能与内置算法重名
func RegisterAlgorithm(id string, f AlgorithmFactory) error {
	id = strings.ToLower(strings.TrimSpace(id))
	switch id {
	case "", "xor", "add", "cmac":
		return fmt.Errorf("udsclient: algorithm id %q is reserved", id)
	}
	algMu.Lock()
	defer algMu.Unlock()
	algorithms[id] = f
	return nil
}

// ParseAlgorithm resolves a security_algorithm_id:
//
//	xor   param is the hex constant, e.g. "ABCD"
//	add   param is the constant, decimal or 0x-prefixed
//	cmac  param is the hex AES key, optionally followed by ":size"
func ParseAlgorithm(id, param string) (KeyAlgorithm, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	param = strings.TrimSpace(param)
	switch id {
	case "xor":
		c, err := driver.ParseHexBytes(param)
		if err != nil {
			return nil, fmt.Errorf("udsclient: xor constant: %w", err)
		}
		if len(c) == 0 {
			return nil, errors.New("udsclient: xor constant is empty")
		}
		return XORAlgorithm{Constant: c}, nil

	case "add":
		v, err := strconv.ParseUint(param, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("udsclient: add constant: %w", err)
		}
		return AdditiveAlgorithm{Constant: uint32(v)}, nil

	case "cmac":
		keyHex, sizeStr, hasSize := strings.Cut(param, ":")
		secret, err := driver.ParseHexBytes(keyHex)
		if err != nil {
			return nil, fmt.Errorf("udsclient: cmac key: %w", err)
		}
		switch len(secret) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("udsclient: cmac key must be 16, 24 or 32 bytes, got %d", len(secret))
		}
		alg := CMACAlgorithm{Secret: secret}
		if hasSize {
			if alg.Size, err = strconv.Atoi(sizeStr); err != nil || alg.Size <= 0 || alg.Size > aes.BlockSize {
				return nil, fmt.Errorf("udsclient: invalid cmac size %q", sizeStr)
			}
		}
		return alg, nil
	}

	algMu.RLock()
	f, ok := algorithms[id]
	algMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("udsclient: unknown security algorithm %q", id)
	}
	return f(param)
}
