package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/entry"
)

const fileHeader = "# NICOS cache store file v2\n"

// FlatStore is the flat-file Backend: one file per category per day, tab
// separated records, hard-linked into a per-category view, with a "lastday"
// symlink pointing at the most recent day directory.
//
// File handles are cached per-category in a concurrent map (mirroring
// go-persist's open-handle registry). Save, TellHook, Clear and LoadLatest
// all hold mu for their whole duration, so Save calls serialize against each
// other even for distinct categories.
type FlatStore struct {
	mu       sync.Mutex
	root     string
	ymdPath  string
	today    float64
	tomorrow float64
	files    *xsync.MapOf[string, *os.File]
	logger   zerolog.Logger
}

var _ Backend = (*FlatStore)(nil)

// NewFlatStore creates a flat-file backend rooted at root. It does not touch
// the filesystem until Clear/LoadLatest/Save is called.
func NewFlatStore(root string, logger zerolog.Logger) *FlatStore {
	day := truncateDay(time.Now())
	return &FlatStore{
		root:     root,
		files:    xsync.NewMapOf[string, *os.File](),
		today:    floatTime(day),
		tomorrow: floatTime(day.Add(24 * time.Hour)),
		ymdPath:  dayPath(day),
		logger:   logger,
	}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func floatTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromFloat(v float64) time.Time {
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func dayPath(t time.Time) string {
	return fmt.Sprintf("%04d/%02d-%02d", t.Year(), t.Month(), t.Day())
}

// allDays returns the day-path of `from` and of each later instant
// from+n*24h that is still before `to`, advancing in fixed 24h steps from
// `from` itself (not midnight-aligned), matching the original store's
// day-enumeration exactly. The day containing `to` is included only when
// one of those instants falls in it.
func allDays(from, to float64) []string {
	var days []string
	cur := timeFromFloat(from)
	end := timeFromFloat(to)
	for cur.Before(end) {
		days = append(days, dayPath(cur))
		cur = cur.Add(24 * time.Hour)
	}
	return days
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Clear removes the entire store directory tree and resets the lastday
// symlink.
func (s *FlatStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := os.Stat(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat store root: %w", err)
	}
	if !info.IsDir() {
		return nil
	}
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("remove store root: %w", err)
	}
	if err := ensureDir(s.root); err != nil {
		return fmt.Errorf("recreate store root: %w", err)
	}
	s.files.Clear()
	s.setLastdayLocked()
	return nil
}

func (s *FlatStore) setLastdayLocked() {
	link := filepath.Join(s.root, "lastday")
	_ = os.Remove(link)
	if err := os.Symlink(s.ymdPath, link); err != nil {
		s.logger.Warn().Err(err).Msg("could not set lastday symlink")
	}
}

// LoadLatest reads the current day's directory, or lastday if today hasn't
// been written to yet (scheduling a rollover in that case).
func (s *FlatStore) LoadLatest(entries EntryMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ensureDir(s.root); err != nil {
		return fmt.Errorf("ensure store root: %w", err)
	}

	needRollover := false
	dir := filepath.Join(s.root, s.ymdPath)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		dir = filepath.Join(s.root, "lastday")
		needRollover = true
		info, err = os.Stat(dir)
		if err != nil || !info.IsDir() {
			s.logger.Info().Msg(`no previous values found, setting "lastday" link`)
			s.setLastdayLocked()
			return nil
		}
	}

	dentries, err := os.ReadDir(dir)
	nentries, nfiles := 0, 0
	if err == nil {
		for _, de := range dentries {
			if de.IsDir() {
				continue
			}
			path := filepath.Join(dir, de.Name())
			m, err := s.loadOneFile(path)
			if err != nil {
				s.logger.Warn().Err(err).Str("file", path).Msg("could not read store file")
				continue
			}
			catname := strings.ReplaceAll(de.Name(), "-", "/")
			nentries += len(m)
			nfiles++
			entries[catname] = m
		}
	}
	s.logger.Info().Int("entries", nentries).Int("files", nfiles).Msg("loaded store data")

	if needRollover {
		return s.rolloverLocked(entries)
	}
	return nil
}

func (s *FlatStore) loadOneFile(path string) (map[string]entry.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := make(map[string]entry.Entry)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.Split(line, "\t")
		if len(parts) != 4 {
			continue
		}
		subkey := parts[0]
		switch {
		case parts[2] == "+":
			if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
				m[subkey] = entry.New(v, 0, parts[3])
			}
		case parts[3] != "-":
			if v, err := strconv.ParseFloat(parts[1], 64); err == nil {
				m[subkey] = entry.New(v, 0, parts[3]).Expire()
			}
		default:
			if e, ok := m[subkey]; ok {
				e.Expired = true
				m[subkey] = e
			}
		}
	}
	return m, scanner.Err()
}

// TellHook rolls the store over when entry.Time has crossed into the next
// day.
func (s *FlatStore) TellHook(e entry.Entry, entries EntryMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Time >= s.tomorrow {
		return s.rolloverLocked(entries)
	}
	return nil
}

func (s *FlatStore) rolloverLocked(entries EntryMap) error {
	s.logger.Info().Msg("midnight passed, rolling over data files...")
	today := truncateDay(time.Now())
	s.today = floatTime(today)
	s.tomorrow = floatTime(today.Add(24 * time.Hour))
	s.ymdPath = dayPath(today)

	var openCats []string
	s.files.Range(func(cat string, _ *os.File) bool {
		openCats = append(openCats, cat)
		return true
	})

	for _, cat := range openCats {
		if f, ok := s.files.LoadAndDelete(cat); ok {
			_ = f.Close()
		}
		submap := entries[cat]
		newFP, err := s.createFD(cat)
		if err != nil {
			return fmt.Errorf("rollover category %s: %w", cat, err)
		}
		for subkey, e := range submap {
			if e.Expired {
				continue
			}
			if err := writeRecord(newFP, subkey, e); err != nil {
				return fmt.Errorf("rollover write %s/%s: %w", cat, subkey, err)
			}
		}
		s.files.Store(cat, newFP)
	}
	s.setLastdayLocked()
	return nil
}

func (s *FlatStore) createFD(cat string) (*os.File, error) {
	safeCat := strings.ReplaceAll(cat, "/", "-")
	subpath := filepath.Join(s.root, s.ymdPath)
	linkFile := filepath.Join(s.root, safeCat, s.ymdPath)

	if err := ensureDir(subpath); err != nil {
		return nil, err
	}
	file := filepath.Join(subpath, safeCat)
	fp, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if info, err := fp.Stat(); err == nil && info.Size() == 0 {
		if _, err := fp.WriteString(fileHeader); err != nil {
			return nil, err
		}
	}
	if err := ensureDir(filepath.Dir(linkFile)); err != nil {
		return nil, err
	}
	if _, err := os.Stat(linkFile); err != nil {
		_ = os.Link(file, linkFile)
	}
	return fp, nil
}

// Save appends one record to the category's current-day file, opening
// (and hard-linking) it on first use.
func (s *FlatStore) Save(cat, subkey string, e entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.files.Load(cat)
	if !ok {
		var err error
		fp, err = s.createFD(cat)
		if err != nil {
			return fmt.Errorf("create store file for %s: %w", cat, err)
		}
		s.files.Store(cat, fp)
	}
	return writeRecord(fp, subkey, e)
}

func writeRecord(fp *os.File, subkey string, e entry.Entry) error {
	sign := "+"
	if e.TTL > 0 || e.Expired {
		sign = "-"
	}
	value := e.Value
	if e.Expired {
		value = "-"
	}
	_, err := fmt.Fprintf(fp, "%s\t%s\t%s\t%s\n", subkey, formatFloat(e.Time), sign, value)
	return err
}

type histRecord struct {
	time  float64
	value string
}

// QueryHistory scans the relevant day file(s) for key's category, filtering
// lines to the requested subkey and time window.
func (s *FlatStore) QueryHistory(key string, from, to float64, sink func(time float64, value string)) error {
	cat, subkey := entry.SplitKey(key)

	s.mu.Lock()
	var paths []string
	if from >= s.today {
		paths = []string{s.ymdPath}
	} else {
		paths = allDays(from, to)
	}
	s.mu.Unlock()

	for _, p := range paths {
		recs, err := s.readHistory(p, cat, subkey)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", p).Str("category", cat).Msg("could not read history file")
			continue
		}
		for _, r := range recs {
			if from <= r.time && r.time <= to {
				sink(r.time, r.value)
			}
		}
	}
	return nil
}

func (s *FlatStore) readHistory(path, cat, subkey string) ([]histRecord, error) {
	safeCat := strings.ReplaceAll(cat, "/", "-")
	full := filepath.Join(s.root, path, safeCat)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, nil
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var res []histRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.Split(line, "\t")
		if len(parts) != 4 || parts[0] != subkey {
			continue
		}
		val := parts[3]
		if val == "-" {
			val = ""
		}
		t, _ := strconv.ParseFloat(parts[1], 64)
		res = append(res, histRecord{time: t, value: val})
	}
	return res, scanner.Err()
}
