package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	logx "outagewatch/pkg/logx"
)

type address struct {
	City   string `json:"city"`
	Street string `json:"street"`
	House  string `json:"house"`
}

func openTestStore(t *testing.T, driver string) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := dir
	if driver == "sqlite" {
		path = filepath.Join(dir, "state.db")
	}
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, dir
}

func TestDocumentsRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st, _ := openTestStore(t, driver)
			ctx := context.Background()

			book := NewDocuments[map[string][]address](st, KindAddresses, logx.Nop())
			regs := NewDocuments[map[string][]int](st, KindTracking, logx.Nop())

			wantBook := map[string][]address{
				"1": {{City: "Київ", Street: "Main", House: "1"}},
				"2": {{City: "Dnipro", Street: "Side", House: "7a"}, {City: "Lviv", Street: "Rynok", House: "3"}},
			}
			wantRegs := map[string][]int{"1": {0}, "2": {1, 0}}

			if err := book.Save(ctx, wantBook); err != nil {
				t.Fatalf("save book: %v", err)
			}
			if err := regs.Save(ctx, wantRegs); err != nil {
				t.Fatalf("save regs: %v", err)
			}

			if got := book.Load(ctx, map[string][]address{}); !reflect.DeepEqual(got, wantBook) {
				t.Fatalf("book = %+v, want %+v", got, wantBook)
			}
			if got := regs.Load(ctx, map[string][]int{}); !reflect.DeepEqual(got, wantRegs) {
				t.Fatalf("regs = %+v, want %+v", got, wantRegs)
			}
		})
	}
}

func TestDocumentsMissingWritesDefault(t *testing.T) {
	st, dir := openTestStore(t, "file")
	ctx := context.Background()

	regs := NewDocuments[map[string][]int](st, KindTracking, logx.Nop())
	got := regs.Load(ctx, map[string][]int{})
	if len(got) != 0 {
		t.Fatalf("expected empty default, got %v", got)
	}
	b, err := os.ReadFile(filepath.Join(dir, "tracking.json"))
	if err != nil {
		t.Fatalf("default not written: %v", err)
	}
	if strings.TrimSpace(string(b)) != "{}" {
		t.Fatalf("unexpected default body %q", b)
	}
}

func TestDocumentsCorruptSelfHeals(t *testing.T) {
	for _, body := range []string{"{not json", "null", `["wrong","shape"]`} {
		st, dir := openTestStore(t, "file")
		ctx := context.Background()
		path := filepath.Join(dir, "addresses.json")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("seed: %v", err)
		}

		book := NewDocuments[map[string][]address](st, KindAddresses, logx.Nop())
		got := book.Load(ctx, map[string][]address{})
		if len(got) != 0 {
			t.Fatalf("body %q: expected default, got %v", body, got)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read healed: %v", err)
		}
		if strings.TrimSpace(string(b)) != "{}" {
			t.Fatalf("body %q: file not healed, now %q", body, b)
		}
	}
}

func TestFileWriteLeavesNoTempFile(t *testing.T) {
	st, dir := openTestStore(t, "file")
	if err := st.Write(context.Background(), KindTracking, []byte(`{"1":[0]}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tracking.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestStoreClosed(t *testing.T) {
	st, _ := openTestStore(t, "file")
	_ = st.Close()
	if err := st.Write(context.Background(), KindTracking, []byte("{}")); err != ErrClosed {
		t.Fatalf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestChangeLogAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tracking.log")
	cl, err := NewChangeLog(path)
	if err != nil {
		t.Fatalf("NewChangeLog: %v", err)
	}
	cl.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := cl.Append("🔔 Зміни для адреси 1:\n\nPower off\n"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := cl.Append("second"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), b)
	}
	if lines[0] != "2025-01-02T03:04:05Z 🔔 Зміни для адреси 1: | Power off" {
		t.Fatalf("line 0 = %q", lines[0])
	}
}
