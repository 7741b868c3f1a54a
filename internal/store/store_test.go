package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joshuafuller/flyweb/internal/responder"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "flyweb.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") error = nil")
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	s, _ := openTemp(t)

	rec := FromService(&responder.Service{
		ServiceType: "_flyweb._tcp.local",
		Name:        "Kitchen",
		Port:        8080,
		Options:     map[string]string{"path": "/menu"},
	})
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get("Kitchen._flyweb._tcp.local")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Kitchen" || got.Port != 8080 || got.Options["path"] != "/menu" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Registered.IsZero() {
		t.Error("Registered not persisted")
	}

	if err := s.Delete(rec.FullName()); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(rec.FullName()); !IsNotFound(err) {
		t.Errorf("Get() after Delete error = %v, want NotFoundError", err)
	}
	if err := s.Delete(rec.FullName()); !IsNotFound(err) {
		t.Errorf("second Delete() error = %v, want NotFoundError", err)
	}
}

func TestStore_PutReplaces(t *testing.T) {
	s, _ := openTemp(t)

	rec := Record{ServiceType: "_flyweb._tcp.local", Name: "Lamp", Port: 1}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	rec.Port = 2
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	recs, err := s.Records()
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Port != 2 {
		t.Errorf("Records() = %+v, want one record on port 2", recs)
	}
}

func TestStore_PutValidation(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.Put(Record{Name: "no type"}); err == nil {
		t.Error("Put() without service type error = nil")
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flyweb.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"Zeta", "Alpha", "Mid"} {
		rec := Record{ServiceType: "_flyweb._tcp.local", Name: name, Port: uint16(9000 + i), Registered: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Put(rec); err != nil {
			t.Fatalf("Put(%s) error = %v", name, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	recs, err := s.Records()
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	var names []string
	for _, r := range recs {
		names = append(names, r.Name)
	}
	if len(names) != 3 || names[0] != "Zeta" || names[1] != "Alpha" || names[2] != "Mid" {
		t.Errorf("Records() order = %v, want registration order", names)
	}

	svc := recs[0].Service()
	if svc.FullName() != "Zeta._flyweb._tcp.local" || svc.Port != 9000 {
		t.Errorf("Service() = %+v", svc)
	}
}

func TestStore_LoadAllStops(t *testing.T) {
	s, _ := openTemp(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := s.Put(Record{ServiceType: "_x._tcp.local", Name: name, Port: 1}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	stop := errors.New("stop")
	calls := 0
	err := s.LoadAll(func(Record) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("LoadAll() = %v after %d calls, want stop after 1", err, calls)
	}
}

func TestOpen_CreatesParentDir(t *testing.T) {
	_, path := openTemp(t)
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent dir not created: %v", err)
	}
}
