package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"snapbuf/api"
	"snapbuf/buffer"
	"snapbuf/config"
	"snapbuf/snapshot"
	"snapbuf/storage"
)

func newTestService(t *testing.T, cfg *config.APIConfig) (*httptest.Server, *snapshot.Manager) {
	t.Helper()
	writer := storage.NewFileWriter(filepath.Join(t.TempDir(), "out"))
	manager := snapshot.NewManager(writer)
	if err := manager.AddTopic("plant/line1", buffer.Limits{Duration: buffer.NoLimit, Memory: buffer.NoLimit}); err != nil {
		t.Fatalf("AddTopic: %v", err)
	}
	srv := httptest.NewServer(api.NewRouter(manager, cfg))
	t.Cleanup(srv.Close)
	return srv, manager
}

func TestPauseResume(t *testing.T) {
	srv, manager := newTestService(t, nil)
	c := New(srv.URL)
	ctx := context.Background()

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if manager.Recording() {
		t.Error("service still recording after Pause")
	}

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !manager.Recording() {
		t.Error("service not recording after Resume")
	}
}

func TestTriggerWrite(t *testing.T) {
	srv, manager := newTestService(t, nil)
	manager.HandleMessage("plant/line1", []byte("data"), nil)

	c := New(srv.URL)
	filename, err := c.TriggerWrite(context.Background(), nil, "capture.snap")
	if err != nil {
		t.Fatalf("TriggerWrite: %v", err)
	}
	if filename != "capture.snap" {
		t.Errorf("filename = %q, want capture.snap", filename)
	}
}

func TestTriggerWriteUnknownTopic(t *testing.T) {
	srv, _ := newTestService(t, nil)

	c := New(srv.URL)
	_, err := c.TriggerWrite(context.Background(), []string{"nope"}, "")
	if err == nil {
		t.Fatal("TriggerWrite succeeded for unknown topic")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error %q does not name the unknown topic", err)
	}
}

func TestStatus(t *testing.T) {
	srv, manager := newTestService(t, nil)
	manager.HandleMessage("plant/line1", []byte("hello"), nil)

	c := New(srv.URL)
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Recording {
		t.Error("status.Recording = false")
	}
	if len(status.Topics) != 1 || status.Topics[0].Count != 1 || status.Topics[0].Bytes != 5 {
		t.Errorf("status.Topics = %+v", status.Topics)
	}
}

func TestPasswordAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := newTestService(t, &config.APIConfig{PasswordHash: string(hash)})
	ctx := context.Background()

	c := New(srv.URL)
	if err := c.Pause(ctx); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("Pause without password = %v, want unauthorized error", err)
	}

	c.SetPassword("secret")
	if err := c.Pause(ctx); err != nil {
		t.Errorf("Pause with password: %v", err)
	}
}

func TestUnreachableService(t *testing.T) {
	c := New("http://127.0.0.1:1")
	if err := c.Pause(context.Background()); err == nil {
		t.Error("Pause against unreachable service succeeded")
	}
}

func TestBaseURLTrailingSlash(t *testing.T) {
	srv, _ := newTestService(t, nil)
	c := New(srv.URL + "/")
	if err := c.Pause(context.Background()); err != nil {
		t.Errorf("Pause with trailing-slash base URL: %v", err)
	}
}
