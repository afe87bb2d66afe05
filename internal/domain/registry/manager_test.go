package registry

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/cartemplate/host/internal/domain/binding"
	"github.com/cartemplate/host/internal/shared/types"
	"github.com/cartemplate/host/internal/transport"
)

type nopBinder struct{}

func (nopBinder) Bind(types.AppIdentity, transport.ConnEvents) error { return nil }
func (nopBinder) Unbind(types.AppIdentity)                           {}

func testManager() *Manager {
	return NewManager(Settings{
		StepLimit:  5,
		ANRTimeout: time.Second,
	}, nil, nil, nil)
}

func app(pkg string) types.AppIdentity {
	return types.AppIdentity{PackageName: pkg, ServiceName: "CarService"}
}

func TestCreateAndGet(t *testing.T) {
	m := testManager()

	s, err := m.Create(app("com.example.a"), nopBinder{}, binding.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close()
	if s.ID == "" {
		t.Error("session has no id")
	}
	if s.Binding == nil || s.Validator == nil || s.Events == nil || s.Loop == nil {
		t.Fatal("session missing collaborators")
	}

	got, ok := m.Get(app("com.example.a"))
	if !ok || got != s {
		t.Error("get by app did not return the created session")
	}
	byID, ok := m.GetByID(s.ID)
	if !ok || byID != s {
		t.Error("get by id did not return the created session")
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	m := testManager()
	defer m.CloseAll()

	if _, err := m.Create(app("com.example.a"), nopBinder{}, binding.Options{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(app("com.example.a"), nopBinder{}, binding.Options{}); err == nil {
		t.Error("second session for the same app must be refused")
	}
}

func TestCreateRejectsInvalidIdentity(t *testing.T) {
	m := testManager()

	if _, err := m.Create(types.AppIdentity{}, nopBinder{}, binding.Options{}); err == nil {
		t.Error("empty identity must be refused")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := testManager()

	s, err := m.Create(app("com.example.a"), nopBinder{}, binding.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Remove(s.App)
	m.Remove(s.App)

	if _, ok := m.Get(s.App); ok {
		t.Error("removed session still resolvable by app")
	}
	if _, ok := m.GetByID(s.ID); ok {
		t.Error("removed session still resolvable by id")
	}
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
}

func TestListSortsByCreation(t *testing.T) {
	m := testManager()
	defer m.CloseAll()

	first, _ := m.Create(app("com.example.a"), nopBinder{}, binding.Options{})
	time.Sleep(2 * time.Millisecond)
	second, _ := m.Create(app("com.example.b"), nopBinder{}, binding.Options{})

	got := m.List()
	if len(got) != 2 || got[0] != first || got[1] != second {
		t.Errorf("list order wrong: %v", got)
	}
}

func TestCloseAll(t *testing.T) {
	m := testManager()

	m.Create(app("com.example.a"), nopBinder{}, binding.Options{})
	m.Create(app("com.example.b"), nopBinder{}, binding.Options{})
	m.CloseAll()

	if m.Count() != 0 {
		t.Errorf("count after close all = %d, want 0", m.Count())
	}
}

func TestReportStatus(t *testing.T) {
	m := testManager()
	defer m.CloseAll()

	s, _ := m.Create(app("com.example.a"), nopBinder{}, binding.Options{})

	var buf bytes.Buffer
	m.ReportStatus(&buf, types.PIIShow)
	out := buf.String()
	if !strings.Contains(out, "sessions: 1") {
		t.Errorf("report missing session count:\n%s", out)
	}
	if !strings.Contains(out, s.ID.String()) {
		t.Errorf("report missing session id:\n%s", out)
	}

	buf.Reset()
	m.ReportStatus(&buf, types.PIIHide)
	if strings.Contains(buf.String(), "com.example.a") {
		t.Errorf("redacted report leaks app identity:\n%s", buf.String())
	}
}
