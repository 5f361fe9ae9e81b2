package webtest

import (
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

const chromeImage = "chromedp/headless-shell:latest"

// FreePort asks the kernel for an open port that is ready to use.
func FreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}
	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// BrowserURL returns the address the dockerized browser uses to reach a
// fixture server bound on the host. Linux containers run with host
// networking; elsewhere Docker exposes the host as host.docker.internal.
func BrowserURL(port int) string {
	if runtime.GOOS == "linux" {
		return fmt.Sprintf("http://localhost:%d", port)
	}
	return fmt.Sprintf("http://host.docker.internal:%d", port)
}

// Chrome is a headless-shell container driven over the devtools protocol.
type Chrome struct {
	DebugPort int

	cmd  *exec.Cmd
	name string
}

// DevtoolsURL is the remote-allocator endpoint for chromedp.
func (c *Chrome) DevtoolsURL() string {
	return fmt.Sprintf("ws://localhost:%d", c.DebugPort)
}

// StartChrome launches the browser container and waits for its devtools
// endpoint. Tests skip when Docker is unavailable rather than fail.
func StartChrome(t *testing.T) *Chrome {
	t.Helper()

	if err := exec.Command("docker", "version").Run(); err != nil {
		t.Skip("docker not available, skipping browser test")
	}
	if err := exec.Command("docker", "image", "inspect", chromeImage).Run(); err != nil {
		t.Logf("pulling %s", chromeImage)
		pull := exec.Command("docker", "pull", chromeImage)
		if err := pull.Start(); err != nil {
			t.Fatalf("start docker pull: %v", err)
		}
		done := make(chan error, 1)
		go func() { done <- pull.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("pull %s: %v", chromeImage, err)
			}
		case <-time.After(2 * time.Minute):
			pull.Process.Kill()
			t.Fatal("docker pull timed out")
		}
	}

	// The image's built-in debug port is 9222. Host networking keeps that
	// port on Linux; elsewhere a free host port is mapped onto it.
	debugPort := 9222
	c := &Chrome{}
	if runtime.GOOS == "linux" {
		c.name = fmt.Sprintf("liveclient-chrome-%d", time.Now().UnixNano())
		c.cmd = exec.Command("docker", "run", "--rm",
			"--network", "host",
			"--name", c.name,
			chromeImage,
		)
	} else {
		port, err := FreePort()
		if err != nil {
			t.Fatalf("free port: %v", err)
		}
		debugPort = port
		c.name = fmt.Sprintf("liveclient-chrome-%d", port)
		c.cmd = exec.Command("docker", "run", "--rm",
			"-p", fmt.Sprintf("%d:9222", port),
			"--name", c.name,
			"--add-host", "host.docker.internal:host-gateway",
			chromeImage,
		)
	}
	c.DebugPort = debugPort

	if err := c.cmd.Start(); err != nil {
		t.Fatalf("start browser container: %v", err)
	}

	versionURL := fmt.Sprintf("http://localhost:%d/json/version", c.DebugPort)
	deadline := time.Now().Add(30 * time.Second)
	for {
		resp, err := http.Get(versionURL)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			c.cmd.Process.Kill()
			t.Fatal("browser container not ready after 30s")
		}
		time.Sleep(500 * time.Millisecond)
	}
	return c
}

// Stop tears the container down, escalating to kill when a graceful stop
// hangs.
func (c *Chrome) Stop(t *testing.T) {
	t.Helper()

	stop := exec.Command("docker", "stop", "-t", "2", c.name)
	done := make(chan error, 1)
	go func() { done <- stop.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Logf("docker stop %s: %v", c.name, err)
		}
	case <-time.After(5 * time.Second):
		t.Logf("docker stop timed out, killing %s", c.name)
		exec.Command("docker", "kill", c.name).Run()
	}

	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
}
