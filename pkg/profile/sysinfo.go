package profile

import (
	"errors"
	"os"
	"os/user"
	"runtime"
	"strings"

	"github.com/go-ini/ini"
)

// SystemInfo is the set of variables profiles match against. It holds the
// process environment plus host facts.
type SystemInfo map[string]string

// Collector gathers SystemInfo. The zero value reads the real machine.
type Collector struct {
	// Environ defaults to os.Environ.
	Environ func() []string

	// Hostname defaults to os.Hostname.
	Hostname func() (string, error)

	// Username defaults to the current user's login name.
	Username func() (string, error)

	// OSReleasePath defaults to /etc/os-release.
	OSReleasePath string

	// KernelReleasePath defaults to /proc/sys/kernel/osrelease.
	KernelReleasePath string
}

// CollectSystemInfo gathers SystemInfo for this machine.
func CollectSystemInfo() SystemInfo {
	return (&Collector{}).Collect()
}

// Collect gathers SystemInfo. Facts that cannot be read are left out.
func (c *Collector) Collect() SystemInfo {
	info := make(SystemInfo)

	environ := os.Environ
	if c.Environ != nil {
		environ = c.Environ
	}
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			info[k] = v
		}
	}

	info["os"] = runtime.GOOS
	info["arch"] = runtime.GOARCH

	hostname := os.Hostname
	if c.Hostname != nil {
		hostname = c.Hostname
	}
	if h, err := hostname(); err == nil {
		info["hostname"] = h
	}

	username := currentUsername
	if c.Username != nil {
		username = c.Username
	}
	if u, err := username(); err == nil {
		info["username"] = u
	}

	if domain, ok := info["USERDOMAIN"]; ok {
		info["domain"] = domain
	}

	if runtime.GOOS == "linux" || c.KernelReleasePath != "" || c.OSReleasePath != "" {
		c.collectLinux(info)
	}
	return info
}

func (c *Collector) collectLinux(info SystemInfo) {
	kernelPath := c.KernelReleasePath
	if kernelPath == "" {
		kernelPath = "/proc/sys/kernel/osrelease"
	}
	if data, err := os.ReadFile(kernelPath); err == nil {
		info["kernel"] = strings.TrimSpace(string(data))
	}

	osReleasePath := c.OSReleasePath
	if osReleasePath == "" {
		osReleasePath = "/etc/os-release"
	}
	release, err := readOSRelease(osReleasePath)
	if err != nil {
		return
	}
	for k, v := range release {
		info["os_release."+strings.ToLower(k)] = v
	}
}

// readOSRelease parses the KEY="value" lines of an os-release file.
func readOSRelease(path string) (map[string]string, error) {
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, key := range file.Section(ini.DefaultSection).Keys() {
		out[key.Name()] = key.String()
	}
	return out, nil
}

func currentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username == "" {
		return "", errors.New("empty username")
	}
	return u.Username, nil
}
