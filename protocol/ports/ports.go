// Package ports 管理传输层端口的分配
package ports

import (
	"math/rand/v2"
	"sync"

	tcpip "github.com/qxcheng/ipconv/protocol"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 16384

	numEphemeralPorts = 65536 - FirstEphemeral
)

// 端口的唯一标识: 传输层协议-端口号
type portDescriptor struct {
	transport tcpip.TransportProtocolNumber
	port      uint16
}

// PortManager 管理端口的对象，由它来保留和释放端口
// A port is reserved once per conversation using it; listeners and the
// conversations they spawn share one port, so reservations are counted.
type PortManager struct {
	mu             sync.Mutex
	allocatedPorts map[portDescriptor]int
}

// NewPortManager 新建一个端口管理器
func NewPortManager() *PortManager {
	return &PortManager{allocatedPorts: make(map[portDescriptor]int)}
}

// PickEphemeralPort 从一个随机的偏移开始遍历临时端口, 对每个端口调用testPort,
// returning the first port for which it reports true.
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	offset := rand.Uint32N(numEphemeralPorts)
	for i := uint32(0); i < numEphemeralPorts; i++ {
		port = uint16(FirstEphemeral + (offset+i)%numEphemeralPorts)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
	}
	return 0, tcpip.ErrNoPortAvailable
}

// ReserveEphemeral 保留一个未被使用的临时端口
func (s *PortManager) ReserveEphemeral(transport tcpip.TransportProtocolNumber) (uint16, *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PickEphemeralPort(func(p uint16) (bool, *tcpip.Error) {
		d := portDescriptor{transport, p}
		if s.allocatedPorts[d] > 0 {
			return false, nil
		}
		s.allocatedPorts[d] = 1
		return true, nil
	})
}

// Reserve 增加端口的引用计数
func (s *PortManager) Reserve(transport tcpip.TransportProtocolNumber, port uint16) {
	if port == 0 {
		return
	}
	s.mu.Lock()
	s.allocatedPorts[portDescriptor{transport, port}]++
	s.mu.Unlock()
}

// Release 释放端口, dropping the descriptor when the last user goes away.
func (s *PortManager) Release(transport tcpip.TransportProtocolNumber, port uint16) {
	if port == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := portDescriptor{transport, port}
	if n := s.allocatedPorts[d]; n > 1 {
		s.allocatedPorts[d] = n - 1
	} else {
		delete(s.allocatedPorts, d)
	}
}

// InUse 端口是否被占用
func (s *PortManager) InUse(transport tcpip.TransportProtocolNumber, port uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocatedPorts[portDescriptor{transport, port}] > 0
}
