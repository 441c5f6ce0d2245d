package pingfile

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/kalambet/tagtime/internal/notify"
)

const testPath = "/data/tagtime.log"

type recorder struct {
	titles []string
}

func (r *recorder) notifier() notify.Notifier {
	return notify.Func(func(title, _ string) { r.titles = append(r.titles, title) })
}

func newTestStore(t *testing.T, content string) (*Store, afero.Fs, *recorder) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if content != "" {
		if err := afero.WriteFile(fs, testPath, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	rec := &recorder{}
	s := Open(testPath, Options{Fs: fs, Notifier: rec.notifier()})
	return s, fs, rec
}

func readFile(t *testing.T, fs afero.Fs) string {
	t.Helper()
	data, err := afero.ReadFile(fs, testPath)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestEntriesKeepsMalformedLines(t *testing.T) {
	s, _, _ := newTestStore(t, "1487459622 a\nheader\n1487459700 b [c]\n")

	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if !entries[0].OK || entries[1].OK || !entries[2].OK {
		t.Errorf("entry validity = %v %v %v", entries[0].OK, entries[1].OK, entries[2].OK)
	}
	if entries[1].Raw != "header" || entries[1].Line != 2 {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	pings, err := s.Pings()
	if err != nil {
		t.Fatal(err)
	}
	if len(pings) != 2 || pings[1].Comment != "c" {
		t.Errorf("pings = %+v", pings)
	}
}

func TestEmptyFileHasNoEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, testPath, []byte("\n\n"), 0o644)
	s := Open(testPath, Options{Fs: fs})

	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %+v, want none", entries)
	}
	if _, ok, _ := s.Last(); ok {
		t.Error("Last reported a ping in an empty file")
	}
}

func TestMissingFileNotifiesAndReadsEmpty(t *testing.T) {
	s, _, rec := newTestStore(t, "")

	pings, err := s.Pings()
	if err != nil {
		t.Fatalf("Pings error = %v", err)
	}
	if len(pings) != 0 {
		t.Errorf("pings = %+v, want none", pings)
	}
	if len(rec.titles) != 1 || !strings.Contains(rec.titles[0], "can't open") {
		t.Errorf("notifications = %v", rec.titles)
	}
}

func TestCreateOption(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := &recorder{}
	s := Open(testPath, Options{Fs: fs, Create: true, Notifier: rec.notifier()})

	if ok, _ := afero.Exists(fs, testPath); !ok {
		t.Fatal("file was not created")
	}
	if _, err := s.Pings(); err != nil {
		t.Fatal(err)
	}
	if len(rec.titles) != 0 {
		t.Errorf("notifications = %v, want none", rec.titles)
	}
}

func TestCreateFailureNotifies(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	rec := &recorder{}
	Open(testPath, Options{Fs: fs, Create: true, Notifier: rec.notifier()})

	if len(rec.titles) != 1 || !strings.Contains(rec.titles[0], "can't create") {
		t.Errorf("notifications = %v", rec.titles)
	}
}

func TestPushCreatesMissingFile(t *testing.T) {
	s, fs, rec := newTestStore(t, "")

	if err := s.Push(Ping{Time: testTime, Tags: []string{"a"}}, false); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs); got != "1487459622 a\n" {
		t.Errorf("file = %q", got)
	}
	if len(rec.titles) != 0 {
		t.Errorf("notifications = %v, want none", rec.titles)
	}
}

func TestPushAddsMissingNewline(t *testing.T) {
	s, fs, _ := newTestStore(t, "1487459622 a")

	if err := s.Push(Ping{Time: testTime + 60000, Tags: []string{"b"}}, false); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs); got != "1487459622 a\n1487459682 b\n" {
		t.Errorf("file = %q", got)
	}
}

func TestPushKeepsExistingNewline(t *testing.T) {
	s, fs, _ := newTestStore(t, "1487459622 a\n")

	if err := s.Push(Ping{Time: testTime + 60000, Tags: []string{"b"}}, false); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs); got != "1487459622 a\n1487459682 b\n" {
		t.Errorf("file = %q", got)
	}
}

func TestPushRejectsInvalidPing(t *testing.T) {
	s, fs, _ := newTestStore(t, "1487459622 a\n")

	err := s.Push(Ping{Time: 1}, false)
	if !errors.Is(err, ErrInvalidPing) {
		t.Fatalf("Push error = %v, want ErrInvalidPing", err)
	}
	if got := readFile(t, fs); got != "1487459622 a\n" {
		t.Errorf("file changed to %q", got)
	}
}

func TestPushWriteFailure(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	s := Open(testPath, Options{Fs: fs, Notifier: notify.Func(func(string, string) {})})

	if err := s.Push(Ping{Time: testTime}, false); err == nil {
		t.Fatal("Push to a read-only filesystem succeeded")
	}
}

func TestPushExtendsLoadedCache(t *testing.T) {
	s, _, _ := newTestStore(t, "1487459622 a b\n")
	if _, err := s.Pings(); err != nil {
		t.Fatal(err)
	}

	if err := s.Push(Ping{Time: testTime + 60000, Tags: []string{"b", "c"}, Comment: "x"}, false); err != nil {
		t.Fatal(err)
	}
	if !s.loaded {
		t.Fatal("cache dropped after push")
	}

	pings, _ := s.Pings()
	if len(pings) != 2 || pings[1].Comment != "x" {
		t.Fatalf("pings = %+v", pings)
	}
	freq, _ := s.TagFrequencies()
	if freq["a"] != 1 || freq["b"] != 2 || freq["c"] != 1 {
		t.Errorf("freq = %v", freq)
	}
}

func TestPushedPingMatchesReread(t *testing.T) {
	s, fs, _ := newTestStore(t, "1487459622 a\n")
	s.Pings()
	s.Push(Ping{Time: testTime + 60500, Tags: []string{"z"}}, true)
	cached, _ := s.Pings()

	fresh := Open(testPath, Options{Fs: fs})
	reread, _ := fresh.Pings()
	if len(cached) != len(reread) {
		t.Fatalf("cached %d pings, file has %d", len(cached), len(reread))
	}
	last, want := cached[len(cached)-1], reread[len(reread)-1]
	if last.Time != want.Time || last.Comment != want.Comment || !last.SameTags(want) {
		t.Errorf("cached %+v, reread %+v", last, want)
	}
	if last.Time != testTime+60000 {
		t.Errorf("time = %d, want whole seconds", last.Time)
	}
}

func TestExternalWriteIsNoticed(t *testing.T) {
	s, fs, _ := newTestStore(t, "1487459622 a\n")
	if pings, _ := s.Pings(); len(pings) != 1 {
		t.Fatalf("pings = %d, want 1", len(pings))
	}
	if s.Stale() {
		t.Fatal("fresh cache reported stale")
	}

	afero.WriteFile(fs, testPath, []byte("1487459622 a\n1487459700 b\n"), 0o644)
	fs.Chtimes(testPath, time.Now(), time.Now().Add(time.Minute))
	if !s.Stale() {
		t.Fatal("external write not detected")
	}
	pings, _ := s.Pings()
	if len(pings) != 2 {
		t.Errorf("pings after external write = %d, want 2", len(pings))
	}
}

func TestInvalidate(t *testing.T) {
	s, _, _ := newTestStore(t, "1487459622 a\n")
	s.Pings()
	s.Invalidate()
	if !s.Stale() {
		t.Error("invalidated cache not stale")
	}
	if pings, _ := s.Pings(); len(pings) != 1 {
		t.Errorf("pings = %d after reload", len(pings))
	}
}

func TestLast(t *testing.T) {
	s, _, _ := newTestStore(t, "1487459622 a\n1487459700 b\njunk\n")
	p, ok, err := s.Last()
	if err != nil || !ok {
		t.Fatalf("Last = %v, %v", ok, err)
	}
	if p.Time != 1487459700000 {
		t.Errorf("Last().Time = %d", p.Time)
	}
}

func TestTagRanking(t *testing.T) {
	s, _, _ := newTestStore(t, strings.Join([]string{
		"1487459622 work code",
		"1487459700 work email",
		"1487459800 code work",
		"1487459900 afk",
		"1487460000 email",
	}, "\n"))

	ranked, err := s.TagsOrdered()
	if err != nil {
		t.Fatal(err)
	}
	want := []TagCount{{"work", 3}, {"code", 2}, {"email", 2}, {"afk", 1}}
	if len(ranked) != len(want) {
		t.Fatalf("TagsOrdered = %v, want %v", ranked, want)
	}
	for i := range want {
		if ranked[i] != want[i] {
			t.Errorf("TagsOrdered[%d] = %v, want %v", i, ranked[i], want[i])
		}
	}

	all, _ := s.Tags()
	if strings.Join(all, " ") != "afk code email work" {
		t.Errorf("Tags = %v", all)
	}
}
