package csvio

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"postpilot/internal/domain"
)

var jst = time.FixedZone("+09:00", 9*3600)

func TestReadSkipsBadRows(t *testing.T) {
	t.Parallel()
	in := "\ufeffid,datetime,text,thread_text,status,category\n" +
		"a,2025-03-01 08:00,hello,reply,pending,news;go\n" +
		",2025-03-01 08:30,no id,,pending,\n" +
		"b,someday,bad time,,pending,\n" +
		"c,2025-03-01 09:00,,,pending,\n" +
		",,,,,\n" +
		"a,2025-03-02 08:00,dup,,pending,\n" +
		"d,2025-03-01 09:30:15,\"multi\nline\",,pending,\n"

	posts, bad, err := Read(strings.NewReader(in), jst)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(posts) != 2 || posts[0].ID != "a" || posts[1].ID != "d" {
		t.Fatalf("posts = %+v", posts)
	}
	a := posts[0]
	if !a.ScheduledAt.Equal(time.Date(2025, 3, 1, 8, 0, 0, 0, jst)) || a.FollowupText != "reply" || a.Topic() != "news" || len(a.TopicTags) != 2 {
		t.Fatalf("post a = %+v", a)
	}
	if posts[1].PrimaryText != "multi\nline" {
		t.Fatalf("quoted newline lost: %q", posts[1].PrimaryText)
	}
	if len(bad) != 4 {
		t.Fatalf("bad rows = %v", bad)
	}
	if bad[0].Line != 3 || bad[3].ID != "a" {
		t.Fatalf("unexpected row errors: %v", bad)
	}
}

func TestReadRequiresColumns(t *testing.T) {
	t.Parallel()
	if _, _, err := Read(strings.NewReader("id,text\nx,y\n"), jst); err == nil {
		t.Fatalf("missing datetime column accepted")
	}
	if _, _, err := Read(strings.NewReader(""), jst); err == nil {
		t.Fatalf("empty input accepted")
	}
}

func TestWriteThenReadKeepsSchedule(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 3, 1, 8, 30, 0, 0, jst)
	posts := []domain.Post{
		{ID: "x", ScheduledAt: at, PrimaryText: "a, \"quoted\" text", TopicTags: []string{"go"}, Status: domain.StatusPosted, PublishedID: "r1", PostedAt: at},
	}
	var buf bytes.Buffer
	if err := Write(&buf, posts, jst); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "id,datetime,text,thread_text,category,status,published_id,posted_at,error\n") {
		t.Fatalf("header = %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}
	got, bad, err := Read(&buf, jst)
	if err != nil || len(bad) != 0 || len(got) != 1 {
		t.Fatalf("Read = %+v, %v, %v", got, bad, err)
	}
	if got[0].PrimaryText != posts[0].PrimaryText || !got[0].ScheduledAt.Equal(at) || got[0].Topic() != "go" {
		t.Fatalf("got %+v", got[0])
	}
}

func TestWriteFileAndArchivePath(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	cutoff := time.Date(2025, 2, 1, 0, 0, 0, 0, jst)

	first := ArchivePath(fs, "/archive", cutoff)
	if first != "/archive/posts_before_2025-02-01.csv" {
		t.Fatalf("ArchivePath = %s", first)
	}
	if err := WriteFile(fs, first, nil, jst); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if ok, _ := afero.Exists(fs, first+".tmp"); ok {
		t.Fatalf("temp file left behind")
	}
	if second := ArchivePath(fs, "/archive", cutoff); second != "/archive/posts_before_2025-02-01_2.csv" {
		t.Fatalf("second ArchivePath = %s", second)
	}
	posts, _, err := ReadFile(fs, first, jst)
	if err != nil || len(posts) != 0 {
		t.Fatalf("ReadFile = %v, %v", posts, err)
	}
}
