package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is built once at startup and shared read-only by every connection.
type Config struct {
	WebRoot        string
	BaseURI        string
	DirectoryIndex []string

	ReadTimeout    time.Duration // idle wait plus header read; 0 disables
	WriteTimeout   time.Duration
	MaxLineBytes   int
	MaxHeaderBytes int
	MaxRequests    int // per connection; 0 means unlimited
}

func DefaultConfig() Config {
	return Config{
		WebRoot:        ".",
		BaseURI:        "/",
		DirectoryIndex: []string{"index.htm", "index.html"},
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxLineBytes:   8 * 1000,
		MaxHeaderBytes: 64 * 1000,
	}
}

var units = map[byte]int{
	'k': 1000,
	'm': 1000 * 1000,
	'g': 1000 * 1000 * 1000,
}

func sizeToInt(s string) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("Invalid size")
	}
	var err error
	var m, sz int
	m, ok := units[s[len(s)-1]]
	if ok {
		sz, err = strconv.Atoi(s[:len(s)-1])
	} else {
		m = 1
		sz, err = strconv.Atoi(s)
	}
	if err != nil {
		return 0, err
	}
	if sz < 0 || sz > math.MaxInt/m {
		return 0, fmt.Errorf("Invalid size: %s", s)
	}
	return sz * m, nil
}

// sizeValue lets a flag take sizes like "8k".
type sizeValue struct{ p *int }

func (v sizeValue) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.Itoa(*v.p)
}

func (v sizeValue) Set(s string) error {
	n, err := sizeToInt(s)
	if err != nil {
		return err
	}
	*v.p = n
	return nil
}

func normalizeBaseURI(s string) string {
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return s
}

// applyEnv overrides cfg with the FILEHTTPD_* variables that are set.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("FILEHTTPD_WEB_ROOT"); v != "" {
		cfg.WebRoot = v
	}
	if v := getenv("FILEHTTPD_BASE_URI"); v != "" {
		cfg.BaseURI = v
	}
	if v := getenv("FILEHTTPD_DIRECTORY_INDEX"); v != "" {
		cfg.DirectoryIndex = strings.Fields(v)
	}
}

// Options are the process settings that are not part of Config.
type Options struct {
	Addr      string
	LogLevel  string
	LogPretty bool
}

// loadConfig resolves defaults, then the environment, then command-line flags.
func loadConfig(args []string, getenv func(string) string) (*Config, *Options, error) {
	cfg := DefaultConfig()
	applyEnv(&cfg, getenv)
	opts := &Options{}

	fs := flag.NewFlagSet("filehttpd", flag.ContinueOnError)
	port := fs.String("port", "8080", "port number")
	fs.StringVar(&opts.Addr, "addr", "", "listen address, overrides -port")
	fs.StringVar(&cfg.WebRoot, "root", cfg.WebRoot, "document root")
	fs.StringVar(&cfg.BaseURI, "base-uri", cfg.BaseURI, "URI prefix served from the document root")
	index := fs.String("index", strings.Join(cfg.DirectoryIndex, " "), "directory index names, in order of preference")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "idle and header read timeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "response write timeout")
	fs.Var(sizeValue{&cfg.MaxLineBytes}, "max-line", "maximum request or header line size")
	fs.Var(sizeValue{&cfg.MaxHeaderBytes}, "max-header", "maximum header block size")
	fs.IntVar(&cfg.MaxRequests, "max-requests", cfg.MaxRequests, "requests per connection, 0 for no limit")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "log level")
	fs.BoolVar(&opts.LogPretty, "log-pretty", false, "human readable logs")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if opts.Addr == "" {
		opts.Addr = ":" + *port
	}
	cfg.DirectoryIndex = strings.Fields(*index)
	cfg.BaseURI = normalizeBaseURI(cfg.BaseURI)
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, opts, nil
}

func (c *Config) validate() error {
	info, err := os.Stat(c.WebRoot)
	if err != nil {
		return fmt.Errorf("web root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("web root %s is not a directory", c.WebRoot)
	}
	if c.MaxRequests < 0 {
		return fmt.Errorf("max requests must not be negative")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
