// Package config loads yaml settings from a file or a directory of files and
// hands out typed values with defaults. Components that can change at run
// time register a reload callback.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type C struct {
	path        string
	files       []string
	Settings    map[string]any
	oldSettings map[string]any
	callbacks   []func(*C)
	l           *logrus.Logger
	reloadLock  sync.Mutex
}

func NewC(l *logrus.Logger) *C {
	return &C{
		Settings: make(map[string]any),
		l:        l,
	}
}

// Load reads path, or every yaml file below path in lexical order. Later
// files override earlier ones, lists are appended.
func (c *C) Load(path string) error {
	files, err := findFiles(path)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no config files found at %s", path)
	}

	settings, err := parseFiles(files)
	if err != nil {
		return err
	}

	c.path = path
	c.files = files
	c.Settings = settings
	return nil
}

// LoadString replaces the settings with the yaml document raw.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}
	m, err := parse([]byte(raw))
	if err != nil {
		return err
	}
	c.Settings = m
	return nil
}

// Files returns the files read by the last Load.
func (c *C) Files() []string {
	return c.files
}

// RegisterReloadCallback adds f to the functions run after a reload. f should
// use HasChanged to skip work when its keys did not change and must return
// quickly.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.callbacks = append(c.callbacks, f)
}

// InitialLoad reports whether no reload happened yet.
func (c *C) InitialLoad() bool {
	return c.oldSettings == nil
}

// HasChanged compares the yaml encoding of k before and after the last
// reload. An empty k compares everything.
func (c *C) HasChanged(k string) bool {
	if c.oldSettings == nil {
		return false
	}

	var nv, ov any
	if k == "" {
		nv, ov = c.Settings, c.oldSettings
		k = "all settings"
	} else {
		nv, ov = c.get(k, c.Settings), c.get(k, c.oldSettings)
	}

	newVals, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}
	oldVals, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}
	return string(newVals) != string(oldVals)
}

// CatchHUP reloads the configuration on every SIGHUP until ctx is done.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				c.ReloadConfig()
			}
		}
	}()
}

func (c *C) ReloadConfig() {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.Load(c.path); err != nil {
		c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
		return
	}
	c.oldSettings = old
	c.runCallbacks()
}

func (c *C) ReloadConfigString(raw string) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	old := c.snapshot()
	if err := c.LoadString(raw); err != nil {
		return err
	}
	c.oldSettings = old
	c.runCallbacks()
	return nil
}

func (c *C) snapshot() map[string]any {
	m := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		m[k] = v
	}
	return m
}

func (c *C) runCallbacks() {
	for _, f := range c.callbacks {
		f(c)
	}
}

// GetString returns k formatted as a string, or d when k is not set.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetStringSlice returns the list at k, or d when k is not a list.
func (c *C) GetStringSlice(k string, d []string) []string {
	rv, ok := c.Get(k).([]any)
	if !ok {
		return d
	}
	v := make([]string, len(rv))
	for i := range rv {
		v[i] = fmt.Sprintf("%v", rv[i])
	}
	return v
}

func (c *C) GetMap(k string, d map[string]any) map[string]any {
	v, ok := c.Get(k).(map[string]any)
	if !ok {
		return d
	}
	return v
}

func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, strconv.Itoa(d)))
	if err != nil {
		return d
	}
	return v
}

func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > math.MaxUint32 {
		return d
	}
	return uint32(r)
}

// GetBool accepts anything strconv.ParseBool does plus y/yes/n/no.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, strconv.FormatBool(d)))
	if v, err := strconv.ParseBool(r); err == nil {
		return v
	}
	if v, ok := AsBool(r); ok {
		return v
	}
	return d
}

func AsBool(v any) (value bool, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(x) {
		case "y", "yes":
			return true, true
		case "n", "no":
			return false, true
		}
	}
	return false, false
}

func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

var sizeSuffixes = []struct {
	suffix string
	mult   int
}{
	{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30},
	{"kb", 1000}, {"mb", 1000 * 1000}, {"gb", 1000 * 1000 * 1000},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	{"b", 1},
}

// ParseSize parses a byte count such as 512, 4k, 64KiB or 1MB. Single
// letter suffixes are binary.
func ParseSize(s string) (int, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	mult := 1
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(t, sf.suffix) {
			t = strings.TrimSpace(strings.TrimSuffix(t, sf.suffix))
			mult = sf.mult
			break
		}
	}
	n, err := strconv.Atoi(t)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > math.MaxInt/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * mult, nil
}

// GetSize returns the byte count at k, or d when k is not set or invalid.
func (c *C) GetSize(k string, d int) int {
	r := c.Get(k)
	if r == nil {
		return d
	}
	v, err := ParseSize(fmt.Sprintf("%v", r))
	if err != nil {
		return d
	}
	return v
}

// Decode fills out, a pointer to a struct with yaml tags, from the section
// at k. out is left alone when k is not set.
func (c *C) Decode(k string, out any) error {
	r := c.Get(k)
	if r == nil {
		return nil
	}
	b, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: %w", k, err)
	}
	return nil
}

func (c *C) Get(k string) any {
	return c.get(k, c.Settings)
}

func (c *C) IsSet(k string) bool {
	return c.get(k, c.Settings) != nil
}

func (c *C) get(k string, v any) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[p]; !ok {
			return nil
		}
	}
	return v
}

func parse(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

func parseFiles(files []string) (map[string]any, error) {
	var m map[string]any
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		nm, err := parse(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		// The newer file wins, lists from both are kept.
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		m = nm
	}
	return m, nil
}
