// Package config owns the proxy's own config file: a line-oriented
// format of "proxy <directive> <args...>" lines, the same shape
// nodes.conf uses for a Redis cluster node's persisted identity and
// peer list. The proxy uses it to remember its myid and the router
// (seed) addresses and per-address auth passwords an operator has
// configured, across restarts.
package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// RouterEntry is one seed backend address the proxy bootstraps its
// slot table from before the first CLUSTER NODES refresh completes.
type RouterEntry struct {
	Host string
	Port int
}

func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// Config is the parsed, mutable form of the proxy's config file. Every
// mutating method persists the change back to disk before returning,
// matching the "every PROXY admin write is durable" requirement.
type Config struct {
	mu   sync.Mutex
	path string

	myID     string
	routers  []RouterEntry
	authPass map[string]string // "host:port" -> password
}

// Load reads path, generating and persisting a fresh myid if the file
// doesn't have one yet (first run). A missing file is treated as an
// empty config rather than an error, so a brand-new deployment can
// start from nothing.
func Load(path string) (*Config, error) {
	c := &Config{path: path, authPass: map[string]string{}}
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "open config %s", path)
		}
	} else {
		defer f.Close()
		if err := c.parse(f); err != nil {
			return nil, err
		}
	}
	if c.myID == "" {
		id, err := generateMyID()
		if err != nil {
			return nil, err
		}
		c.myID = id
		if err := c.flushLocked(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func generateMyID() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "generate myid")
	}
	return hex.EncodeToString(buf), nil
}

func (c *Config) parse(f *os.File) error {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "proxy") {
			continue
		}
		if err := c.applyDirective(fields[1:]); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *Config) applyDirective(args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "myid":
		if len(args) != 2 {
			return errors.New("config: 'proxy myid' takes exactly one argument")
		}
		c.myID = args[1]
	case "router":
		if len(args) != 3 {
			return errors.New("config: 'proxy router' takes host and port")
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return errors.Wrap(err, "config: bad router port")
		}
		c.routers = append(c.routers, RouterEntry{Host: args[1], Port: port})
	case "auth-pass":
		if len(args) != 4 {
			return errors.New("config: 'proxy auth-pass' takes host, port and password")
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			return errors.Wrap(err, "config: bad auth-pass port")
		}
		c.authPass[joinHostPort(args[1], port)] = args[3]
	default:
		// Unknown directives are ignored; since they are not kept in
		// memory, the next Flush drops them from the file.
	}
	return nil
}

// MyID returns the proxy's persisted identity, generated once on
// first run and stable across restarts.
func (c *Config) MyID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.myID
}

// Routers returns the configured seed addresses.
func (c *Config) Routers() []RouterEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RouterEntry, len(c.routers))
	copy(out, c.routers)
	return out
}

// AuthPassFor looks up the configured password for addr ("host:port"
// as resolved by backend.ResolveAddr), returning "" if none was set.
func (c *Config) AuthPassFor(addr string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authPass[addr]
}

// AddRouter appends a seed address and persists it, deduplicating
// against entries already present.
func (c *Config) AddRouter(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.routers {
		if r.Host == host && r.Port == port {
			return nil
		}
	}
	c.routers = append(c.routers, RouterEntry{Host: host, Port: port})
	return c.flushLocked()
}

// SetAuthPass sets (or replaces) the password for host:port and
// persists it.
func (c *Config) SetAuthPass(host string, port int, pass string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authPass[joinHostPort(host, port)] = pass
	return c.flushLocked()
}

// Flush rewrites the config file with the in-memory state.
func (c *Config) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

// flushLocked performs an atomic rewrite: write to a temp file in the
// same directory, fsync it, then rename over the original. The rename
// is atomic on every platform this proxy targets, so a crash mid-write
// never leaves a truncated config file behind.
func (c *Config) flushLocked() error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".rcp-config-*")
	if err != nil {
		return errors.Wrap(err, "config: create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "proxy myid %s\n", c.myID)
	for _, r := range c.routers {
		fmt.Fprintf(w, "proxy router %s %d\n", r.Host, r.Port)
	}
	for addr, pass := range c.authPass {
		host, portStr, err := splitAddr(addr)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "proxy auth-pass %s %s %s\n", host, portStr, pass)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "config: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "config: fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "config: close temp file")
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return errors.Wrap(err, "config: rename into place")
	}
	return nil
}

func splitAddr(addr string) (string, string, error) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", "", errors.Errorf("config: malformed address %q", addr)
	}
	return addr[:i], addr[i+1:], nil
}
