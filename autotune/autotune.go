// Package autotune chooses and persists the best GEMM kernel variant
// for a given (device, shape) pair (spec §4.6), and runs the FP16
// health-check / blacklist used to gate half-precision initialization
// (spec §4.6.1).
package autotune

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gretacore/gretacore/backend"
	"github.com/gretacore/gretacore/util/json"
	"github.com/gretacore/gretacore/util/osx"
)

// DeviceKey is the stable device identity string cache entries and the
// blacklist are keyed by (spec §4.6 "Device key").
func DeviceKey(caps backend.Capabilities) string {
	return fmt.Sprintf("vid=%#x;did=%#x;name=%s;driver=%s;sg=(%d,%d,%d)",
		caps.VendorID, caps.DeviceID, caps.DeviceName, caps.DriverName,
		caps.SubgroupSizeReported, caps.SubgroupSizeMin, caps.SubgroupSizeMax)
}

// ShapeBucket is the cache key's shape component (spec §4.6 "Shape
// bucket").
func ShapeBucket(m, n, k uint32) string {
	return fmt.Sprintf("M%d_N%d_K%d", m, n, k)
}

// Candidate is one GEMM variant under consideration by the autotuner.
type Candidate struct {
	Name              string
	Command           []string
	IsFP16            bool
	RequiresSubgroup32 bool
}

// CacheEntry records the winning candidate for one (device, shape) pair.
type CacheEntry struct {
	DeviceKey string  `json:"device_key"`
	Bucket    string  `json:"bucket"`
	Winner    string  `json:"winner"`
	TFLOPs    float64 `json:"tflops"`
}

// cacheFile is the on-disk shape of $XDG_CACHE_HOME/gretacore/vk_autotune.json
// (spec §4.6 "Cache"). Unknown fields are tolerated on load.
type cacheFile struct {
	Entries  []CacheEntry      `json:"entries"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Cache is the in-memory view of the persisted autotune cache.
type Cache struct {
	path    string
	entries map[string]CacheEntry // key: deviceKey+"|"+bucket
	meta    map[string]string
}

func cacheKey(deviceKey, bucket string) string { return deviceKey + "|" + bucket }

// CacheDir resolves the autotune cache directory: $XDG_CACHE_HOME/gretacore,
// falling back to $HOME/.cache/gretacore, then the working directory
// (spec §4.6 "Cache").
func CacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "gretacore")
	}
	if hd, err := os.UserHomeDir(); err == nil {
		return filepath.Join(hd, ".cache", "gretacore")
	}
	return "."
}

// LoadCache reads the cache file at CacheDir()/vk_autotune.json, if present.
func LoadCache() (*Cache, error) {
	path := filepath.Join(CacheDir(), "vk_autotune.json")
	c := &Cache{path: path, entries: make(map[string]CacheEntry), meta: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("autotune: parsing cache %s: %w", path, err)
	}
	for _, e := range f.Entries {
		c.entries[cacheKey(e.DeviceKey, e.Bucket)] = e
	}
	c.meta = f.Meta
	if c.meta == nil {
		c.meta = make(map[string]string)
	}
	return c, nil
}

// Lookup returns a cached winner for (deviceKey, bucket), if present.
func (c *Cache) Lookup(deviceKey, bucket string) (CacheEntry, bool) {
	e, ok := c.entries[cacheKey(deviceKey, bucket)]
	return e, ok
}

// Upsert records or replaces the winner for (deviceKey, bucket).
func (c *Cache) Upsert(e CacheEntry) {
	c.entries[cacheKey(e.DeviceKey, e.Bucket)] = e
}

// Clear drops every in-memory entry (spec §4.6 step 4, "clear env").
func (c *Cache) Clear() {
	c.entries = make(map[string]CacheEntry)
}

// SetMeta records a metadata key (e.g. fp16_blacklist) in the cache.
func (c *Cache) SetMeta(key, value string) {
	if c.meta == nil {
		c.meta = make(map[string]string)
	}
	c.meta[key] = value
}

// Save writes the cache back to disk, one entries array under "entries".
// It holds an exclusive file lock for the duration of the write so two
// processes autotuning concurrently don't interleave writes and corrupt
// the cache.
func (c *Cache) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	entries := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DeviceKey != entries[j].DeviceKey {
			return entries[i].DeviceKey < entries[j].DeviceKey
		}
		return entries[i].Bucket < entries[j].Bucket
	})
	data, err := json.MarshalIndent(cacheFile{Entries: entries, Meta: c.meta}, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := osx.LockFile(f); err != nil {
		return fmt.Errorf("autotune: locking cache file: %w", err)
	}
	defer osx.UnlockFile(f)
	_, err = f.Write(data)
	return err
}

// Args bundles the environment-derived knobs resolve_winner consults
// (spec §4.6 step 2-9).
type Args struct {
	Force          string // VK_AUTOTUNE_FORCE
	PersistForce   bool
	Clear          bool
	Retune         bool
	NoWrite        bool
	MinTFLOPs      float64 // 0 disables the floor
	Margin         float64 // default 1.03
	RerunIters     int     // default 60
	AllowUnsafeFP16 bool
}

const (
	defaultMargin     = 1.03
	defaultRerunIters = 60
)

func (a Args) withDefaults() Args {
	if a.Margin == 0 {
		a.Margin = defaultMargin
	}
	if a.RerunIters == 0 {
		a.RerunIters = defaultRerunIters
	}
	return a
}

// RunCandidate runs one candidate via the POSIX shell, merging stdout
// and stderr, and returns the raw output (spec §4.6 step 6
// "run_candidate_command").
type RunCandidate func(cand Candidate) (output string, err error)

// ShellRunCandidate is the default RunCandidate: it runs cand.Command
// under "sh -c", merging stdout and stderr.
func ShellRunCandidate(cand Candidate) (string, error) {
	if len(cand.Command) == 0 {
		return "", fmt.Errorf("autotune: candidate %q has no command", cand.Name)
	}
	cmd := exec.Command("sh", "-c", strings.Join(cand.Command, " "))
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// parseTFLOPs extracts the mean_TFLOPs=<float> field from a candidate's
// merged output; unparseable output yields 0.0 (spec §4.6 step 6).
func parseTFLOPs(output string) float64 {
	const marker = "mean_TFLOPs="
	idx := strings.Index(output, marker)
	if idx < 0 {
		return 0.0
	}
	rest := output[idx+len(marker):]
	end := strings.IndexAny(rest, " \t\n\r")
	if end >= 0 {
		rest = rest[:end]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		return 0.0
	}
	return v
}

// Winner is the outcome of ResolveWinner.
type Winner struct {
	Variant string
	TFLOPs  float64
}

// ResolveWinner implements the device+shape variant resolution
// algorithm (spec §4.6 "Resolution algorithm").
func ResolveWinner(args Args, caps backend.Capabilities, bucket string, candidates []Candidate, run RunCandidate, cache *Cache, log *logrus.Entry) (Winner, error) {
	args = args.withDefaults()
	deviceKey := DeviceKey(caps)

	blacklisted, reason := IsFP16Blacklisted(deviceKey)
	if blacklisted && !args.AllowUnsafeFP16 {
		cache.SetMeta("fp16_blacklist", "1")
		cache.SetMeta("fp16_fallback_reason", reason)
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if !c.IsFP16 {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	if args.Force != "" {
		for _, c := range candidates {
			if c.Name == args.Force {
				if args.PersistForce {
					cache.Upsert(CacheEntry{DeviceKey: deviceKey, Bucket: bucket, Winner: c.Name})
					if !args.NoWrite {
						_ = cache.Save()
					}
				}
				return Winner{Variant: c.Name}, nil
			}
		}
	}

	if args.Clear {
		cache.Clear()
	}

	if !args.Retune {
		if e, ok := cache.Lookup(deviceKey, bucket); ok {
			return Winner{Variant: e.Winner, TFLOPs: e.TFLOPs}, nil
		}
	}

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RequiresSubgroup32 && caps.SubgroupSizeMin > 32 {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Winner{}, fmt.Errorf("autotune: no eligible candidates for device %s bucket %s", deviceKey, bucket)
	}

	results := make([]Winner, len(eligible))
	for i, c := range eligible {
		out, runErr := run(c)
		tf := 0.0
		if runErr == nil {
			tf = parseTFLOPs(out)
		}
		results[i] = Winner{Variant: c.Name, TFLOPs: tf}
		if log != nil {
			log.WithFields(logrus.Fields{"candidate": c.Name, "tflops": tf}).Debug("autotune candidate result")
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].TFLOPs > results[j].TFLOPs })

	best := results[0]
	if args.MinTFLOPs > 0 && best.TFLOPs < args.MinTFLOPs {
		return Winner{}, fmt.Errorf("autotune: best candidate %q (%.2f TFLOPs) falls below the configured minimum %.2f", best.Variant, best.TFLOPs, args.MinTFLOPs)
	}

	if len(results) >= 2 && results[1].TFLOPs > 0 && best.TFLOPs/results[1].TFLOPs < args.Margin {
		best = rerunTop2(results[0], results[1], eligible, run, args.RerunIters)
	}

	cache.Upsert(CacheEntry{DeviceKey: deviceKey, Bucket: bucket, Winner: best.Variant, TFLOPs: best.TFLOPs})
	if !args.NoWrite {
		if err := cache.Save(); err != nil {
			return best, fmt.Errorf("autotune: saving cache: %w", err)
		}
	}
	return best, nil
}

// rerunTop2 reruns the top two finishers rerunIters times each and
// returns the one with the higher mean (spec §4.6 step 8).
func rerunTop2(first, second Winner, eligible []Candidate, run RunCandidate, rerunIters int) Winner {
	candByName := map[string]Candidate{}
	for _, c := range eligible {
		candByName[c.Name] = c
	}

	rerun := func(w Winner) Winner {
		c, ok := candByName[w.Variant]
		if !ok {
			return w
		}
		total := 0.0
		n := 0
		for i := 0; i < rerunIters; i++ {
			out, err := run(c)
			if err != nil {
				continue
			}
			total += parseTFLOPs(out)
			n++
		}
		if n == 0 {
			return w
		}
		return Winner{Variant: w.Variant, TFLOPs: total / float64(n)}
	}

	a := rerun(first)
	b := rerun(second)
	if b.TFLOPs > a.TFLOPs {
		return b
	}
	return a
}

const (
	fp16BlacklistFile = "vk_fp16_blacklist.txt"
	defaultHealthcheckTimeout = 2000 * time.Millisecond
)

func blacklistPath() string {
	return filepath.Join(CacheDir(), fp16BlacklistFile)
}

// IsFP16Blacklisted reports whether deviceKey appears in the
// newline-separated FP16 blacklist file and, when it does, a fixed
// reason string (the file carries no per-device reason).
func IsFP16Blacklisted(deviceKey string) (bool, string) {
	f, err := os.Open(blacklistPath())
	if err != nil {
		return false, ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == deviceKey {
			return true, "device previously failed the FP16 health-check"
		}
	}
	return false, ""
}

// HealthcheckDispatch runs the minimal 8x8x8 tiled_f16acc32 dispatch
// used as the FP16 health-check; the backend supplies the real
// implementation. It must respect the supplied timeout.
type HealthcheckDispatch func(timeout time.Duration) error

// RunFP16Healthcheck executes the FP16 health-check (spec §4.6.1): on
// timeout or dispatch failure it appends deviceKey to the blacklist
// file (unless noWrite) and returns an error refusing FP16
// initialization.
func RunFP16Healthcheck(deviceKey string, enabled bool, noWrite bool, timeout time.Duration, dispatch HealthcheckDispatch) error {
	if !enabled {
		return nil
	}
	if blacklisted, _ := IsFP16Blacklisted(deviceKey); blacklisted {
		return fmt.Errorf("autotune: device %s is already FP16-blacklisted", deviceKey)
	}
	if timeout == 0 {
		timeout = defaultHealthcheckTimeout
	}

	done := make(chan error, 1)
	go func() { done <- dispatch(timeout) }()

	var dispatchErr error
	select {
	case dispatchErr = <-done:
	case <-time.After(timeout):
		dispatchErr = fmt.Errorf("autotune: FP16 health-check dispatch timed out after %s", timeout)
	}
	if dispatchErr == nil {
		return nil
	}
	if !noWrite {
		_ = appendBlacklist(deviceKey)
	}
	return fmt.Errorf("autotune: FP16 health-check failed, refusing FP16 initialization: %w", dispatchErr)
}

func appendBlacklist(deviceKey string) error {
	path := blacklistPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := osx.LockFile(f); err != nil {
		return fmt.Errorf("autotune: locking blacklist file: %w", err)
	}
	defer osx.UnlockFile(f)
	_, err = fmt.Fprintln(f, deviceKey)
	return err
}
