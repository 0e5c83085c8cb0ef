// Package config reads service settings from the environment with an
// optional YAML overlay file. Environment values win over the file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the optional YAML overlay path.
const FileEnv = "TASKLANCE_CONFIG"

// Source resolves keys such as "REDIS_CONNECTION_STRING".
type Source struct {
	file   map[string]string
	lookup func(string) (string, bool)
}

// Load reads the overlay named by TASKLANCE_CONFIG, if any.
func Load() (*Source, error) {
	path := os.Getenv(FileEnv)
	if path == "" {
		return &Source{lookup: os.LookupEnv}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data, os.LookupEnv)
}

// Parse builds a Source from YAML bytes. Keys are upper-cased so the file
// may use either spelling. A nil lookup ignores the environment.
func Parse(data []byte, lookup func(string) (string, bool)) (*Source, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
			continue
		case map[string]any, []any:
			return nil, fmt.Errorf("config key %s: nested values are not supported", k)
		default:
			file[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	return &Source{file: file, lookup: lookup}, nil
}

func (s *Source) Lookup(key string) (string, bool) {
	if v, ok := s.lookup(key); ok && v != "" {
		return v, true
	}
	v, ok := s.file[key]
	return v, ok && v != ""
}

// String returns the value of key or def when unset.
func (s *Source) String(key, def string) string {
	if v, ok := s.Lookup(key); ok {
		return v
	}
	return def
}

// Required reports every key in keys that is unset.
func (s *Source) Required(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := s.Lookup(k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Int parses a positive integer.
func (s *Source) Int(key string, def int) (int, error) {
	v, ok := s.Lookup(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

// Duration parses a positive time.Duration such as "30s".
func (s *Source) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s.Lookup(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return d, nil
}

// Bool treats unparsable values as def.
func (s *Source) Bool(key string, def bool) bool {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// RedisOptions accepts a redis:// URL or the Azure Cache form
// "host:port,password=...,ssl=True".
func RedisOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	if opts.Addr == "" || strings.Contains(opts.Addr, "=") {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{ServerName: hostOnly(opts.Addr)}
			}
		}
	}
	return opts, nil
}

func hostOnly(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
