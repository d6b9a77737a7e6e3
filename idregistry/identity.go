package idregistry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// IdentitySource 提供实例身份，同一时刻每个存活进程的身份必须不同
type IdentitySource func() (string, error)

// LocalIP 使用本机第一个非回环 IPv4 地址，找不到时使用出站路由地址
func LocalIP() IdentitySource {
	return func() (string, error) {
		addrs, err := net.InterfaceAddrs()
		if err == nil {
			for _, addr := range addrs {
				ipNet, ok := addr.(*net.IPNet)
				if !ok || ipNet.IP.IsLoopback() {
					continue
				}
				if ip4 := ipNet.IP.To4(); ip4 != nil {
					return ip4.String(), nil
				}
			}
		}

		// 不会真正发送数据，只用于让内核选择出站地址
		conn, dialErr := net.Dial("udp", "8.8.8.8:80")
		if dialErr != nil {
			return "", fmt.Errorf("cannot determine local ip: %w", errors.Join(err, dialErr))
		}
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
	}
}

// Hostname 使用主机名
func Hostname() IdentitySource {
	return func() (string, error) {
		return os.Hostname()
	}
}

// Static 使用固定身份
func Static(identity string) IdentitySource {
	return func() (string, error) {
		return identity, nil
	}
}

// RandomUUID 每个注册中心实例生成一个随机身份，适合测试和临时任务
func RandomUUID() IdentitySource {
	return func() (string, error) {
		return uuid.NewString(), nil
	}
}

// validateIdentity 身份会作为节点名使用
func validateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return errors.New("identity is empty")
	}
	if strings.Contains(identity, "/") {
		return fmt.Errorf("identity %q contains /", identity)
	}
	return nil
}
